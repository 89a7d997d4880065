package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// BenchmarkInProcessPhase 量測單一階段 1000 個任務的 fan-out / fan-in 成本
func BenchmarkInProcessPhase(b *testing.B) {
	reg := worker.NewRegistry()
	require.NoError(b, reg.Register("noop", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		return args, nil
	}))
	inproc, err := backend.NewInProcess(worker.NewRunner(argstore.New(), reg, nil), 8, backend.Options{})
	require.NoError(b, err)
	defer inproc.Close()

	runs, err := runstore.Open(b.TempDir(), nil)
	require.NoError(b, err)
	orch, err := orchestrator.New(orchestrator.Options{Backend: inproc, Runs: runs})
	require.NoError(b, err)

	tasks := make([]types.Args, 1000)
	for i := range tasks {
		tasks[i] = types.Args{"i": float64(i)}
	}
	calculation := &orchestrator.Calculation{
		Name: "throughput",
		Phases: []orchestrator.PhaseSpec{{
			Name:  "noop",
			Tasks: func(context.Context, *orchestrator.PhaseOutput) ([]types.Args, error) { return tasks, nil },
		}},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		report, err := orch.Run(context.Background(), calculation)
		require.NoError(b, err)
		require.Len(b, report.Phases[0].Results, len(tasks))
	}
	b.StopTimer()
}
