package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ============================================================================
// Helper worker process
// 測試二進位檔本身就是 processpool backend 的 worker 執行檔
// ============================================================================

const helperEnv = "OQDIST_BACKEND_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(helperWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// helperWorker handles `worker --operation <op> <workdir> <index>`.
func helperWorker(args []string) int {
	if len(args) != 5 || args[0] != "worker" || args[1] != "--operation" {
		fmt.Fprintln(os.Stderr, "usage: worker --operation <op> <workdir> <index>")
		return 2
	}
	index, err := strconv.Atoi(args[4])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	runner := worker.NewRunner(argstore.New(), testRegistry(), nil)
	if err := runner.RunRemote(context.Background(), args[3], args[2], types.TaskIndex(index)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func testRegistry() *worker.Registry {
	r := worker.NewRegistry()
	r.Register("square", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		x, _ := args["x"].(float64)
		return types.Args{"y": x * x}, nil
	})
	r.Register("fail", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		if x, _ := args["x"].(float64); x == 3 {
			return nil, errors.New("x=3 is not allowed")
		}
		return types.Args{}, nil
	})
	// gate 在 gate 檔案出現之前不回傳，用來模擬跑得很慢的任務
	r.Register("gate", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		path, _ := args["gate"].(string)
		for path != "" {
			if _, err := os.Stat(path); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		return types.Args{}, nil
	})
	r.Register("crash", func(ctx context.Context, mon *monitor.Monitor, args types.Args) (types.Args, error) {
		os.Exit(3)
		return nil, nil
	})
	return r
}

func newPhase(base string, run types.RunID, name string, args ...types.Args) *types.Phase {
	p := &types.Phase{RunID: run, Name: name, WorkDir: layout.RunDir(base, run)}
	for i, a := range args {
		p.Tasks = append(p.Tasks, types.Task{Index: types.TaskIndex(i + 1), Args: a})
	}
	return p
}

func xs(values ...float64) []types.Args {
	out := make([]types.Args, len(values))
	for i, v := range values {
		out[i] = types.Args{"x": v}
	}
	return out
}

// ============================================================================
// Shared behaviour of the inproc and processpool variants
// ============================================================================

type factory func(t *testing.T, timeout time.Duration) Backend

func backends() map[string]factory {
	return map[string]factory{
		"inproc": func(t *testing.T, timeout time.Duration) Backend {
			runner := worker.NewRunner(argstore.New(), testRegistry(), nil)
			b, err := NewInProcess(runner, 4, Options{AwaitTimeout: timeout})
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
		"processpool": func(t *testing.T, timeout time.Duration) Backend {
			exe, err := os.Executable()
			require.NoError(t, err)
			b, err := NewProcess(ProcessOptions{
				Options:     Options{AwaitTimeout: timeout},
				Interpreter: exe,
				Workers:     4,
				KillGrace:   2 * time.Second,
				Env:         []string{helperEnv + "=1"},
			})
			require.NoError(t, err)
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func forEachBackend(t *testing.T, timeout time.Duration, fn func(t *testing.T, b Backend)) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, newBackend(t, timeout))
		})
	}
}

func awaitWithin(t *testing.T, b Backend, job *types.DistributionJob, observe ObserveFunc) ([]types.ResultMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.AwaitCompletion(ctx, job, observe)
}

func TestResultsSortedByIndex(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		phase := newPhase(t.TempDir(), 1, "square", xs(5, 4, 3, 2, 1, 0)...)
		job, err := b.Submit(context.Background(), phase)
		require.NoError(t, err)
		assert.Equal(t, b.Name(), job.Backend)
		assert.Equal(t, 6, job.TaskCount)

		results, err := awaitWithin(t, b, job, nil)
		require.NoError(t, err)
		require.Len(t, results, 6)
		for i, msg := range results {
			assert.Equal(t, types.TaskIndex(i+1), msg.Index)
			assert.Equal(t, types.ResultOK, msg.Status)
			x := float64(5 - i)
			assert.Equal(t, x*x, msg.Payload["y"])
		}

		// 參數檔與 job handle 留在磁碟上
		assert.FileExists(t, layout.ArgsPath(phase.WorkDir, "square", 6))
		saved, err := LoadJob(phase.WorkDir, "square")
		require.NoError(t, err)
		assert.Equal(t, job.ID, saved.ID)

		// 完成的 job 取消是 no-op
		assert.NoError(t, b.Cancel(context.Background(), job))
	})
}

func TestTaskErrorsAreData(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		job, err := b.Submit(context.Background(), newPhase(t.TempDir(), 2, "fail", xs(1, 3, 2)...))
		require.NoError(t, err)

		results, err := awaitWithin(t, b, job, nil)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.False(t, results[0].Failed())
		assert.True(t, results[1].Failed())
		assert.Contains(t, results[1].Error, "x=3 is not allowed")
		assert.False(t, results[2].Failed())
	})
}

func TestObserveStopsWaiting(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		job, err := b.Submit(context.Background(), newPhase(t.TempDir(), 3, "fail", xs(3)...))
		require.NoError(t, err)

		stop := errors.New("stop")
		results, err := awaitWithin(t, b, job, func(msg types.ResultMessage) error {
			if msg.Failed() {
				return stop
			}
			return nil
		})
		assert.ErrorIs(t, err, stop)
		assert.Len(t, results, 1)
	})
}

func TestTimeoutKeepsJobRunning(t *testing.T) {
	forEachBackend(t, 300*time.Millisecond, func(t *testing.T, b Backend) {
		base := t.TempDir()
		gate := filepath.Join(base, "open")
		phase := newPhase(base, 4, "gate",
			types.Args{"gate": ""}, types.Args{"gate": ""}, types.Args{"gate": ""}, types.Args{"gate": gate})
		job, err := b.Submit(context.Background(), phase)
		require.NoError(t, err)

		// 前三個結果足夠早到達，第四個被 gate 擋住
		var results []types.ResultMessage
		require.Eventually(t, func() bool {
			results, err = b.AwaitCompletion(context.Background(), job, nil)
			return len(results) == 3
		}, 20*time.Second, 10*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrTimeout)

		require.NoError(t, os.WriteFile(gate, nil, 0644))
		require.Eventually(t, func() bool {
			results, err = b.AwaitCompletion(context.Background(), job, nil)
			return err == nil
		}, 20*time.Second, 10*time.Millisecond)
		assert.Len(t, results, 4)
	})
}

func TestCancelStopsOutstandingTasks(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		base := t.TempDir()
		never := filepath.Join(base, "never")
		phase := newPhase(base, 5, "gate", types.Args{"gate": never}, types.Args{"gate": never})
		job, err := b.Submit(context.Background(), phase)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		require.NoError(t, b.Cancel(ctx, job))
		require.NoError(t, b.Cancel(ctx, job), "second cancel is a no-op")

		_, err = awaitWithin(t, b, job, nil)
		assert.ErrorIs(t, err, types.ErrCancelled)
	})
}

func TestCallerContextCancelled(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		base := t.TempDir()
		phase := newPhase(base, 6, "gate", types.Args{"gate": filepath.Join(base, "never")})
		job, err := b.Submit(context.Background(), phase)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = b.AwaitCompletion(ctx, job, nil)
		assert.ErrorIs(t, err, types.ErrCancelled)
		assert.NotErrorIs(t, err, types.ErrTimeout)
		require.NoError(t, b.Cancel(context.Background(), job))
	})
}

func TestSubmitRejectsInvalidPhase(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		base := t.TempDir()
		testCases := map[string]*types.Phase{
			"no tasks":     newPhase(base, 7, "square"),
			"no name":      newPhase(base, 7, "", xs(1)...),
			"index gap":    {RunID: 7, Name: "square", WorkDir: layout.RunDir(base, 7), Tasks: []types.Task{{Index: 2}}},
			"no directory": {RunID: 7, Name: "square", Tasks: []types.Task{{Index: 1}}},
		}
		for name, phase := range testCases {
			_, err := b.Submit(context.Background(), phase)
			assert.ErrorIs(t, err, types.ErrDispatch, name)
		}
	})
}

func TestSubmitStorageError(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		base := t.TempDir()
		blocker := filepath.Join(base, "file")
		require.NoError(t, os.WriteFile(blocker, nil, 0644))
		phase := newPhase(base, 8, "square", xs(1)...)
		phase.WorkDir = filepath.Join(blocker, "calc_8")

		_, err := b.Submit(context.Background(), phase)
		assert.ErrorIs(t, err, types.ErrStorage)
	})
}

func TestCancelUnknownJob(t *testing.T) {
	forEachBackend(t, 0, func(t *testing.T, b Backend) {
		err := b.Cancel(context.Background(), &types.DistributionJob{ID: "nope", RunID: 1, Phase: "square"})
		assert.ErrorIs(t, err, types.ErrNotFound)
		_, err = b.AwaitCompletion(context.Background(), &types.DistributionJob{ID: "nope"}, nil)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

// ============================================================================
// processpool only
// ============================================================================

func TestProcessCrashBecomesErrorMessage(t *testing.T) {
	b := backends()["processpool"](t, 0)
	phase := newPhase(t.TempDir(), 9, "crash", types.Args{})
	job, err := b.Submit(context.Background(), phase)
	require.NoError(t, err)

	results, err := awaitWithin(t, b, job, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Contains(t, results[0].Error, "exit status 3")
	assert.Contains(t, results[0].Error, layout.LogPath(phase.WorkDir, "crash", 1))
	assert.FileExists(t, layout.LogPath(phase.WorkDir, "crash", 1))
}

func TestProcessMissingInterpreter(t *testing.T) {
	b, err := NewProcess(ProcessOptions{Interpreter: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	defer b.Close()

	job, err := b.Submit(context.Background(), newPhase(t.TempDir(), 10, "square", xs(1, 2)...))
	require.NoError(t, err)
	results, err := awaitWithin(t, b, job, nil)
	require.NoError(t, err)
	for _, msg := range results {
		assert.True(t, msg.Failed())
		assert.Contains(t, msg.Error, "start worker")
	}
}
