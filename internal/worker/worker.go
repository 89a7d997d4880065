// ============================================================================
// oqdist Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: execute one task and publish exactly one ResultMessage for it
//
// How it works:
//   Runner.Run is the same in every backend, in a goroutine of the governing
//   process or in a forked `oqdist worker` process on a cluster node:
//   1. Locate <workdir>/<phase>/args/<index>.pb and read it
//   2. Rebuild the Monitor from the TaskContext stored with the arguments
//   3. Call the TaskFunc registered for the operation
//   4. Publish ok + payload, or error + detail, with usage and timings
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Runner.Run(workDir, op, index, pub)     │
//   │   ├─ store.Get(args)   ── fail ─┐        │
//   │   ├─ monitor.New(ctx)           │        │
//   │   ├─ fn(ctx, mon, args)         │        │
//   │   │   └─ panic → error message  │        │
//   │   └─ pub.Publish(msg) ◄─────────┘        │
//   └──────────────────────────────────────────┘
//
// Error Handling:
//   - A missing or corrupt argument file still publishes an error message,
//     so the phase is never left waiting for an index that will not report
//   - Task errors travel as data; Run additionally returns ErrTaskExecution
//     so the worker process exits non-zero
//   - Nothing is retried
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/argstore"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// Runner executes tasks from their argument files.
type Runner struct {
	store    *argstore.Store
	registry *Registry
	log      *zap.Logger
}

// NewRunner creates a Runner
func NewRunner(store *argstore.Store, registry *Registry, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: store, registry: registry, log: log}
}

// Run executes task index of operation in the run at workDir and publishes
// its result through pub.
func (r *Runner) Run(ctx context.Context, workDir, operation string, index types.TaskIndex, pub resultchan.Publisher) error {
	runID, err := layout.RunIDOf(workDir)
	if err != nil {
		return types.NewError(types.ErrNotFound, "worker.run", err).WithIndex(index)
	}

	ref := argstore.Locate(workDir, operation, index)
	file, err := r.store.Get(ref)
	var msg types.ResultMessage
	switch {
	case err != nil:
		msg = failure(runID, operation, index, fmt.Errorf("loading arguments: %w", err))
	case file.Context.Operation != operation || file.Context.TaskIndex != index:
		msg = failure(runID, operation, index, fmt.Errorf("argument file %s belongs to %s/%d",
			ref.Path, file.Context.Operation, file.Context.TaskIndex))
	default:
		msg = r.Execute(ctx, file, r.store.Size(ref))
	}

	if err := pub.Publish(ctx, msg); err != nil {
		r.log.Warn("result not published",
			zap.Stringer("run_id", runID), zap.String("phase", operation),
			zap.Int("index", int(index)), zap.Error(err))
		return fmt.Errorf("worker: publish result %s/%d: %w", operation, index, err)
	}

	if msg.Failed() {
		r.log.Info("task failed",
			zap.Stringer("run_id", runID), zap.String("phase", operation),
			zap.Int("index", int(index)), zap.String("error", msg.Error))
		return types.NewError(types.ErrTaskExecution, "worker.run", errors.New(msg.Error)).
			WithPhase(runID, operation).WithIndex(index)
	}
	r.log.Debug("task completed",
		zap.Stringer("run_id", runID), zap.String("phase", operation),
		zap.Int("index", int(index)), zap.Duration("wall", msg.Usage.Wall))
	return nil
}

// RunRemote is Run for a worker process: results go to the endpoint the
// backend recorded for the phase.
func (r *Runner) RunRemote(ctx context.Context, workDir, operation string, index types.TaskIndex) error {
	ep, err := resultchan.ReadEndpoint(workDir, operation)
	if err != nil {
		return fmt.Errorf("worker: read endpoint: %w", err)
	}
	pub, err := resultchan.Dial(ep, workDir)
	if err != nil {
		return fmt.Errorf("worker: connect to %s result channel: %w", ep.Transport, err)
	}
	defer pub.Close()
	return r.Run(ctx, workDir, operation, index, pub)
}

// Execute runs the task described by file and builds its result message.
// received is the size of the argument file in bytes.
func (r *Runner) Execute(ctx context.Context, file types.ArgumentFile, received int64) types.ResultMessage {
	tc := file.Context
	mon := monitor.New(tc)
	mon.AddReceived(received)

	msg := types.ResultMessage{
		RunID: tc.RunID,
		Phase: tc.Operation,
		Index: tc.TaskIndex,
	}

	fn, err := r.registry.Lookup(tc.Operation)
	if err == nil {
		var out types.Args
		out, err = call(ctx, fn, mon, file.Args)
		msg.Payload = out
	}
	if err != nil {
		msg.Status = types.ResultError
		msg.Error = err.Error()
		msg.Payload = nil
	} else {
		msg.Status = types.ResultOK
	}

	msg.Usage = mon.Usage()
	msg.Timings = mon.Timings()
	msg.SentAt = time.Now().UnixMilli()
	return msg
}

// call 執行 TaskFunc，panic 轉為錯誤
func call(ctx context.Context, fn TaskFunc, mon *monitor.Monitor, args types.Args) (out types.Args, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return fn(ctx, mon, args)
}

func failure(runID types.RunID, phase string, index types.TaskIndex, err error) types.ResultMessage {
	return types.ResultMessage{
		RunID:  runID,
		Phase:  phase,
		Index:  index,
		Status: types.ResultError,
		Error:  err.Error(),
		SentAt: time.Now().UnixMilli(),
	}
}
