package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/metrics"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/orchestrator"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

type testEnv struct {
	server *Server
	orch   *orchestrator.Orchestrator
	runs   *runstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithTimeout(t, 0)
}

func newTestEnvWithTimeout(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()
	reg := worker.NewRegistry()
	require.NoError(t, reg.Register("square", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		x, _ := args["x"].(float64)
		return types.Args{"y": x * x}, nil
	}))
	require.NoError(t, reg.Register("block", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	inproc, err := backend.NewInProcess(worker.NewRunner(argstore.New(), reg, nil), 4, backend.Options{AwaitTimeout: timeout})
	require.NoError(t, err)
	t.Cleanup(func() { inproc.Close() })

	runs, err := runstore.Open(t.TempDir(), nil)
	require.NoError(t, err)
	collector := metrics.NewCollector()
	orch, err := orchestrator.New(orchestrator.Options{Backend: inproc, Runs: runs, Metrics: collector, CancelTimeout: 5 * time.Second})
	require.NoError(t, err)

	srv, err := New(Options{Runs: runs, Orchestrator: orch, Backend: inproc, Metrics: collector})
	require.NoError(t, err)
	return &testEnv{server: srv, orch: orch, runs: runs}
}

func calculation(op string, n int) *orchestrator.Calculation {
	return &orchestrator.Calculation{
		Name: "api-test",
		Phases: []orchestrator.PhaseSpec{{
			Name: op,
			Tasks: func(ctx context.Context, _ *orchestrator.PhaseOutput) ([]types.Args, error) {
				args := make([]types.Args, n)
				for i := range args {
					args[i] = types.Args{"x": float64(i + 1)}
				}
				return args, nil
			},
		}},
	}
}

func (e *testEnv) do(t *testing.T, method, path string) (int, []byte) {
	t.Helper()
	resp, err := e.server.App().Test(httptest.NewRequest(method, path, nil), 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.do(t, "GET", "/healthz")
	assert.Equal(t, fiber.StatusOK, code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCompletedRunIncludesOutput(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.orch.Run(context.Background(), calculation("square", 3))
	require.NoError(t, err)

	code, body := env.do(t, "GET", "/runs/"+report.Run.ID.String())
	require.Equal(t, fiber.StatusOK, code, string(body))
	var resp RunResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, types.RunCompleted, resp.Run.State)
	require.NotNil(t, resp.Output)
	assert.Equal(t, "api-test", resp.Output.Calculation)

	code, body = env.do(t, "GET", "/runs")
	require.Equal(t, fiber.StatusOK, code)
	var list RunListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "square", list.Runs[0].Phase)
	require.NotNil(t, list.Queue)
	assert.Nil(t, list.Queue.Active)

	code, body = env.do(t, "GET", "/runs/"+report.Run.ID.String()+"/events")
	require.Equal(t, fiber.StatusOK, code)
	var events []journal.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, journal.EventRunQueued, events[0].Type)
	assert.Equal(t, journal.EventRunCompleted, events[len(events)-1].Type)
}

func TestRunErrors(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.orch.Run(context.Background(), calculation("square", 1))
	require.NoError(t, err)

	testCases := []struct {
		method, path string
		code         int
	}{
		{"GET", "/runs/abc", fiber.StatusBadRequest},
		{"GET", "/runs/0", fiber.StatusBadRequest},
		{"GET", "/runs/77", fiber.StatusNotFound},
		{"GET", "/runs/77/events", fiber.StatusNotFound},
		{"POST", "/runs/77/cancel", fiber.StatusNotFound},
		{"POST", "/runs/" + report.Run.ID.String() + "/cancel", fiber.StatusConflict},
	}
	for _, tc := range testCases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			code, body := env.do(t, tc.method, tc.path)
			assert.Equal(t, tc.code, code, string(body))
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestCancelLiveRun(t *testing.T) {
	env := newTestEnv(t)
	calc := calculation("block", 2)
	run, err := env.orch.Create(calc)
	require.NoError(t, err)

	done := make(chan *orchestrator.Report, 1)
	go func() {
		report, _ := env.orch.Execute(context.Background(), run, calc)
		done <- report
	}()
	require.Eventually(t, func() bool {
		live, ok := env.orch.Status(run.ID)
		return ok && live.Phases[0].State == types.PhaseAwaitingResults
	}, 5*time.Second, 10*time.Millisecond)

	code, body := env.do(t, "GET", "/runs")
	require.Equal(t, fiber.StatusOK, code)
	var list RunListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.NotNil(t, list.Queue.Active)
	assert.Equal(t, run.ID, *list.Queue.Active)

	code, body = env.do(t, "POST", "/runs/"+run.ID.String()+"/cancel")
	require.Equal(t, fiber.StatusAccepted, code, string(body))

	select {
	case report := <-done:
		assert.Equal(t, types.RunCancelled, report.Run.State)
	case <-time.After(10 * time.Second):
		t.Fatal("run was not cancelled")
	}
	stored, err := env.runs.Load(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, stored.State)
	assert.Equal(t, types.PhaseCancelled, stored.Phases[0].State)
}

func TestCancelJobLeftRunningAfterTimeout(t *testing.T) {
	env := newTestEnvWithTimeout(t, 200*time.Millisecond)
	report, err := env.orch.Run(context.Background(), calculation("block", 2))
	require.ErrorIs(t, err, types.ErrTimeout)
	require.NotNil(t, report.Outstanding)
	id := report.Run.ID.String()

	stored, err := env.runs.Load(report.Run.ID)
	require.NoError(t, err)
	assert.True(t, stored.Phases[0].JobOpen)

	code, body := env.do(t, "POST", "/runs/"+id+"/cancel")
	require.Equal(t, fiber.StatusAccepted, code, string(body))
	var out orchestrator.CancelOutcome
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, []string{report.Outstanding.ID}, out.Jobs)

	stored, err = env.runs.Load(report.Run.ID)
	require.NoError(t, err)
	assert.False(t, stored.Phases[0].JobOpen)
	assert.Equal(t, types.RunFailed, stored.State)

	code, _ = env.do(t, "POST", "/runs/"+id+"/cancel")
	assert.Equal(t, fiber.StatusConflict, code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Run(context.Background(), calculation("square", 2))
	require.NoError(t, err)

	code, body := env.do(t, "GET", "/metrics")
	require.Equal(t, fiber.StatusOK, code)
	assert.True(t, strings.Contains(string(body), `oqdist_tasks_dispatched_total{backend="inproc"} 2`), string(body))
}

func TestNewRequiresRunStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
