// ============================================================================
// oqdist DistributionBackend
// ============================================================================
//
// Package: internal/backend
// File: backend.go
// Purpose: run every task of one phase somewhere and gather the results
//
// Variants:
//   inproc       goroutine pool inside the governing process
//   processpool  one `oqdist worker` process per task on this machine
//   slurm        one job array on a batch scheduler
//
// Common flow:
//   Submit:          validate → persist argument files → endpoint.json
//                    → subscribe → dispatch → job.json
//   AwaitCompletion: read the subscription until every index 1..N reported
//   Cancel:          stop dispatched work + cancel the channel key
//
// ============================================================================

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ObserveFunc sees every accepted message while waiting. Returning an error
// stops the wait and AwaitCompletion returns that error.
type ObserveFunc func(msg types.ResultMessage) error

// Backend dispatches phases.
type Backend interface {
	// Name is the distribution mode, recorded in DistributionJob.Backend.
	Name() string

	// Submit persists the inputs of phase and dispatches its tasks.
	Submit(ctx context.Context, phase *types.Phase) (*types.DistributionJob, error)

	// AwaitCompletion returns one message per task sorted by index. It fails
	// with ErrTimeout when the wait budget elapses (the job keeps running)
	// and with ErrCancelled when the job is cancelled meanwhile. Messages
	// received before a failure are returned with the error.
	AwaitCompletion(ctx context.Context, job *types.DistributionJob, observe ObserveFunc) ([]types.ResultMessage, error)

	// Cancel stops every outstanding task of job. Cancelling a completed or
	// already cancelled job is a no-op.
	Cancel(ctx context.Context, job *types.DistributionJob) error

	Close() error
}

// Options shared by all variants.
type Options struct {
	Store        *argstore.Store
	AwaitTimeout time.Duration // 0 means wait until ctx is done
	Log          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Store == nil {
		o.Store = argstore.New()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// KeyOf returns the result channel key of a job.
func KeyOf(job *types.DistributionJob) resultchan.Key {
	return resultchan.Key{RunID: job.RunID, Phase: job.Phase}
}

func dispatchError(op string, phase *types.Phase, err error) error {
	return types.NewError(types.ErrDispatch, op, err).WithPhase(phase.RunID, phase.Name)
}

// validatePhase 檢查任務索引是否為連續的 1..N
func validatePhase(phase *types.Phase) error {
	switch {
	case phase == nil:
		return errors.New("nil phase")
	case phase.Name == "":
		return errors.New("phase name is required")
	case phase.WorkDir == "":
		return errors.New("phase work dir is required")
	case len(phase.Tasks) == 0:
		return errors.New("phase has no tasks")
	}
	for i, task := range phase.Tasks {
		if task.Index != types.TaskIndex(i+1) {
			return fmt.Errorf("task %d has index %d, want %d", i, task.Index, i+1)
		}
	}
	return nil
}

// persist writes one argument file per task and returns the bytes written.
func persist(store *argstore.Store, phase *types.Phase) (int64, error) {
	var total int64
	n := phase.TaskCount()
	for _, task := range phase.Tasks {
		ref, err := store.Put(argstore.Key{WorkDir: phase.WorkDir, Phase: phase.Name, Index: task.Index},
			types.ArgumentFile{
				Context: types.TaskContext{
					RunID:     phase.RunID,
					Operation: phase.Name,
					TaskCount: n,
					TaskIndex: task.Index,
					WorkDir:   phase.WorkDir,
				},
				Args: task.Args,
			})
		if err != nil {
			return total, err
		}
		total += ref.Size
	}
	return total, nil
}

func newJob(backend, id string, phase *types.Phase) *types.DistributionJob {
	return &types.DistributionJob{
		ID:          id,
		Backend:     backend,
		RunID:       phase.RunID,
		Phase:       phase.Name,
		TaskCount:   phase.TaskCount(),
		WorkDir:     phase.WorkDir,
		SubmittedAt: time.Now().UnixMilli(),
	}
}

// SaveJob writes the job handle next to the phase so another process can
// inspect or cancel it.
func SaveJob(job *types.DistributionJob) error {
	path := layout.JobPath(job.WorkDir, job.Phase)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadJob reads what SaveJob wrote.
func LoadJob(workDir, phase string) (*types.DistributionJob, error) {
	data, err := os.ReadFile(layout.JobPath(workDir, phase))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NewError(types.ErrNotFound, "backend.load_job", err)
		}
		return nil, err
	}
	var job types.DistributionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, types.NewError(types.ErrCorruption, "backend.load_job", err)
	}
	return &job, nil
}

// collect reads sub until every index of job is in received. received
// carries over between calls, so a wait that timed out can be resumed.
func collect(ctx context.Context, sub resultchan.Subscription, job *types.DistributionJob,
	received map[types.TaskIndex]types.ResultMessage, timeout time.Duration,
	observe ObserveFunc, log *zap.Logger) ([]types.ResultMessage, error) {

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sorted := func() []types.ResultMessage {
		out := make([]types.ResultMessage, 0, len(received))
		for _, msg := range received {
			out = append(out, msg)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
		return out
	}

	for len(received) < job.TaskCount {
		msg, err := sub.Next(waitCtx)
		if err != nil {
			switch {
			case errors.Is(err, types.ErrCancelled):
				return sorted(), err
			case ctx.Err() != nil:
				return sorted(), types.NewError(types.ErrCancelled, "backend.await", ctx.Err()).
					WithPhase(job.RunID, job.Phase)
			case errors.Is(err, context.DeadlineExceeded):
				return sorted(), types.NewError(types.ErrTimeout, "backend.await",
					fmt.Errorf("%d of %d results after %s (job %s)", len(received), job.TaskCount, timeout, job.ID)).
					WithPhase(job.RunID, job.Phase)
			default:
				return sorted(), fmt.Errorf("backend: receive results: %w", err)
			}
		}

		if msg.RunID != job.RunID || msg.Phase != job.Phase ||
			msg.Index < 1 || int(msg.Index) > job.TaskCount {
			log.Warn("ignoring foreign result",
				zap.Stringer("run_id", msg.RunID), zap.String("phase", msg.Phase), zap.Int("index", int(msg.Index)))
			continue
		}
		if _, dup := received[msg.Index]; dup {
			continue
		}
		received[msg.Index] = msg

		if observe != nil {
			if err := observe(msg); err != nil {
				return sorted(), err
			}
		}
	}
	return sorted(), nil
}
