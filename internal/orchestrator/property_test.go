// Property: for any task count N, a completed phase carries exactly one
// result per index 1..N, in index order, whatever order the results arrived in.
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

func TestPhaseResultsCoverEveryIndexProperty(t *testing.T) {
	f := newFixture(t, 10*time.Second, nil)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("results are exactly indexes 1..N", prop.ForAll(
		func(n int) bool {
			args := make([]types.Args, n)
			for i := range args {
				args[i] = types.Args{"x": float64(i + 1)}
			}
			calc := &Calculation{Name: "property", Phases: []PhaseSpec{{Name: "alpha", Tasks: fixed(args)}}}

			report, err := f.orch.Run(context.Background(), calc)
			if err != nil || len(report.Phases) != 1 {
				return false
			}
			results := report.Phases[0].Results
			if len(results) != n {
				return false
			}
			for i, r := range results {
				x := float64(i + 1)
				if r.Index != types.TaskIndex(i+1) || r.Failed() || r.Payload["y"] != x*x {
					return false
				}
			}
			return report.Run.Phases[0].Tasks == n
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
