// ============================================================================
// oqdist PhaseOrchestrator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: drive a calculation's phases through a DistributionBackend
//
// Flow of one run:
//
//	Create  → run.json (queued)
//	Execute → RunQueue.Acquire (FIFO, one run at a time)
//	        → for each phase, strictly in order:
//	              build tasks from the previous phase's output
//	              Submit → AwaitCompletion (error policy applied per message)
//	              → reduce results in index order
//	        → output.json, run.json (completed | failed | cancelled)
//
// Phase N+1 is never submitted unless phase N completed. Phases after a
// failed or cancelled one stay pending.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/metrics"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

var (
	ErrInvalidCalculation = errors.New("invalid calculation")
	ErrRunNotActive       = errors.New("run is not active in this process")

	// errAborted is the cancel cause of an explicit Abort.
	errAborted = errors.New("run aborted")
)

// TaskBuilder produces the arguments of a phase from the previous phase's
// output (nil for the first phase). Task i gets index i+1.
type TaskBuilder func(ctx context.Context, prev *PhaseOutput) ([]types.Args, error)

// Reducer folds one successful result into the accumulator. It is called
// in index order; the first call gets a nil acc.
type Reducer func(acc types.Args, msg types.ResultMessage) (types.Args, error)

// PhaseSpec describes one phase. Name is also the worker operation.
type PhaseSpec struct {
	Name   string
	Tasks  TaskBuilder
	Reduce Reducer // optional
	Policy Policy  // empty means the orchestrator default
}

// Calculation is an ordered list of phases.
type Calculation struct {
	Name   string
	Phases []PhaseSpec
}

// Validate checks names and builders.
func (c *Calculation) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCalculation)
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("%w: %s has no phases", ErrInvalidCalculation, c.Name)
	}
	seen := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if !validPhaseName(p.Name) {
			return fmt.Errorf("%w: phase name %q", ErrInvalidCalculation, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate phase %q", ErrInvalidCalculation, p.Name)
		}
		seen[p.Name] = true
		if p.Tasks == nil {
			return fmt.Errorf("%w: phase %q has no task builder", ErrInvalidCalculation, p.Name)
		}
		if _, err := ParsePolicy(string(p.Policy)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCalculation, err)
		}
	}
	return nil
}

// validPhaseName keeps phase names usable as directory names next to run.json.
func validPhaseName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// PhaseOutput is what a completed phase hands to the next one.
type PhaseOutput struct {
	Name        string
	Job         *types.DistributionJob
	Results     []types.ResultMessage // one per task, sorted by index
	Reduced     types.Args
	Failed      []types.TaskIndex // only non-empty under PolicyTolerate
	Performance monitor.Performance
}

// Payloads returns the payloads of successful results in index order.
func (p *PhaseOutput) Payloads() []types.Args {
	out := make([]types.Args, 0, len(p.Results))
	for _, r := range p.Results {
		if !r.Failed() {
			out = append(out, r.Payload)
		}
	}
	return out
}

// Report is the outcome of Execute.
type Report struct {
	Run    runstore.Run
	Phases []*PhaseOutput // completed phases, in order
	// Outstanding is the job of a phase that timed out and was left running.
	Outstanding *types.DistributionJob
}

// Options configures an Orchestrator.
type Options struct {
	Backend         backend.Backend
	Runs            *runstore.Store
	Policy          Policy // default for phases that do not set one
	CancelOnTimeout bool
	CancelTimeout   time.Duration // bound on a backend Cancel, default 1m
	SyncJournal     bool
	Metrics         *metrics.Collector // optional
	Log             *zap.Logger
}

// Orchestrator runs calculations one at a time.
type Orchestrator struct {
	opts  Options
	queue *RunQueue

	mu     sync.Mutex
	active map[types.RunID]*execution
}

// execution 一個在本進程中排隊或執行的 run
type execution struct {
	tracker *Tracker
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Backend == nil || opts.Runs == nil {
		return nil, fmt.Errorf("orchestrator: backend and run store are required")
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	opts.Policy = policy
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = time.Minute
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	o := &Orchestrator{opts: opts, active: make(map[types.RunID]*execution)}
	o.queue = NewRunQueue(opts.Metrics.UpdateQueueStats)
	return o, nil
}

// Queue exposes the admission queue for status reporting.
func (o *Orchestrator) Queue() *RunQueue { return o.queue }

// Create validates calc and records a new queued run.
func (o *Orchestrator) Create(calc *Calculation) (*runstore.Run, error) {
	if err := calc.Validate(); err != nil {
		return nil, err
	}
	names := make([]string, len(calc.Phases))
	for i, p := range calc.Phases {
		names[i] = p.Name
	}
	return o.opts.Runs.Create(calc.Name, names)
}

// Run is Create followed by Execute.
func (o *Orchestrator) Run(ctx context.Context, calc *Calculation) (*Report, error) {
	run, err := o.Create(calc)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run, calc)
}

// Execute waits for the admission slot and runs every phase of calc. The
// report is never nil; its Run carries the terminal state.
func (o *Orchestrator) Execute(ctx context.Context, run *runstore.Run, calc *Calculation) (*Report, error) {
	log := o.opts.Log.With(zap.Stringer("run_id", run.ID), zap.String("calculation", calc.Name))

	jnl, err := journal.Open(layout.JournalPath(run.WorkDir), o.opts.SyncJournal)
	if err != nil {
		log.Warn("journal unavailable", zap.Error(err))
		jnl = nil
	}
	tracker := newTracker(run, o.opts.Runs, jnl, log)
	tracker.Record(journal.Event{Type: journal.EventRunQueued, Detail: calc.Name})

	runCtx, cancel := context.WithCancelCause(ctx)
	ex := &execution{tracker: tracker, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.active[run.ID] = ex
	o.mu.Unlock()

	report := &Report{}
	defer func() {
		cancel(nil)
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
		if jnl != nil {
			jnl.Close()
		}
		report.Run = tracker.Snapshot()
		close(ex.done)
	}()

	release, err := o.queue.Acquire(runCtx, run.ID)
	if err != nil {
		err = types.NewError(types.ErrCancelled, "orchestrator.queue", context.Cause(runCtx)).WithPhase(run.ID, "")
		o.finish(tracker, types.RunCancelled, err, log)
		return report, err
	}
	defer release()

	if err := tracker.Run(types.RunRunning, ""); err != nil {
		return report, err
	}
	log.Info("run started", zap.Int("phases", len(calc.Phases)), zap.String("backend", o.opts.Backend.Name()))

	var prev *PhaseOutput
	for _, spec := range calc.Phases {
		out, outstanding, err := o.runPhase(runCtx, tracker, spec, prev, log)
		if err != nil {
			report.Outstanding = outstanding
			state := types.RunFailed
			if errors.Is(err, types.ErrCancelled) {
				state = types.RunCancelled
			}
			o.finish(tracker, state, err, log)
			return report, err
		}
		report.Phases = append(report.Phases, out)
		prev = out
	}

	if err := o.saveOutput(run, calc, report.Phases); err != nil {
		o.finish(tracker, types.RunFailed, err, log)
		return report, err
	}
	o.finish(tracker, types.RunCompleted, nil, log)
	return report, nil
}

func (o *Orchestrator) finish(tracker *Tracker, state types.RunState, cause error, log *zap.Logger) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := tracker.Run(state, msg); err != nil {
		log.Error("run state not updated", zap.Error(err))
	}
	o.opts.Metrics.RecordRun(state)
	if cause != nil {
		log.Warn("run finished", zap.String("state", string(state)), zap.Error(cause))
		return
	}
	log.Info("run finished", zap.String("state", string(state)))
}

// runPhase drives one phase to a terminal state. On a timeout that left the
// job running, the job is returned as outstanding.
func (o *Orchestrator) runPhase(ctx context.Context, tracker *Tracker, spec PhaseSpec, prev *PhaseOutput,
	log *zap.Logger) (*PhaseOutput, *types.DistributionJob, error) {

	runID := tracker.Snapshot().ID
	workDir := tracker.Snapshot().WorkDir
	log = log.With(zap.String("phase", spec.Name))
	policy := spec.Policy
	if policy == "" {
		policy = o.opts.Policy
	}
	fail := func(state types.PhaseState, err error, mutate func(*runstore.PhaseRecord)) error {
		terr := tracker.Phase(spec.Name, state, func(rec *runstore.PhaseRecord) {
			rec.Error = err.Error()
			if mutate != nil {
				mutate(rec)
			}
		})
		if terr != nil {
			log.Error("phase state not updated", zap.Error(terr))
		}
		return err
	}

	if ctx.Err() != nil {
		return nil, nil, fail(types.PhaseCancelled, o.cancelled(ctx, runID, spec.Name), nil)
	}

	// 1. 建立任務
	args, err := spec.Tasks(ctx, prev)
	if err != nil {
		return nil, nil, fail(types.PhaseFailed,
			types.NewError(types.ErrDispatch, "orchestrator.tasks", err).WithPhase(runID, spec.Name), nil)
	}
	phase := &types.Phase{RunID: runID, Name: spec.Name, WorkDir: workDir, Tasks: make([]types.Task, len(args))}
	for i, a := range args {
		phase.Tasks[i] = types.Task{Index: types.TaskIndex(i + 1), Args: a}
	}

	// 2. 提交
	start := time.Now()
	job, err := o.opts.Backend.Submit(ctx, phase)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, fail(types.PhaseCancelled, o.cancelled(ctx, runID, spec.Name), nil)
		}
		return nil, nil, fail(types.PhaseFailed, err, nil)
	}
	o.opts.Metrics.RecordDispatch(job.Backend, job.TaskCount)
	if err := tracker.Phase(spec.Name, types.PhaseDispatched, func(rec *runstore.PhaseRecord) {
		rec.Policy = string(policy)
		rec.Tasks = job.TaskCount
		rec.JobID = job.ID
		rec.Backend = job.Backend
	}); err != nil {
		return nil, nil, err
	}
	log.Info("phase dispatched", zap.String("job_id", job.ID), zap.Int("tasks", job.TaskCount))

	// 3. 等待結果
	if err := tracker.Phase(spec.Name, types.PhaseAwaitingResults, nil); err != nil {
		return nil, nil, err
	}
	observe := func(msg types.ResultMessage) error {
		o.opts.Metrics.RecordResult(msg.Status)
		if !msg.Failed() {
			return nil
		}
		tracker.Record(journal.Event{Type: journal.EventTaskFailed, Phase: spec.Name, JobID: job.ID,
			Index: msg.Index, Detail: msg.Error})
		log.Warn("task failed", zap.Int("index", int(msg.Index)), zap.String("error", msg.Error))
		if policy == PolicyAbort {
			return types.NewError(types.ErrTaskExecution, "orchestrator.await", errors.New(msg.Error)).
				WithPhase(runID, spec.Name).WithIndex(msg.Index)
		}
		return nil
	}
	results, err := o.opts.Backend.AwaitCompletion(ctx, job, observe)
	elapsed := time.Since(start)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			o.cancelJob(tracker, job, log)
			o.opts.Metrics.RecordPhase(spec.Name, types.PhaseCancelled, elapsed)
			return nil, nil, fail(types.PhaseCancelled, o.cancelled(ctx, runID, spec.Name), nil)

		case errors.Is(err, types.ErrCancelled):
			// 另一個進程（oqdist cancel）取消了 job
			o.opts.Metrics.RecordPhase(spec.Name, types.PhaseCancelled, elapsed)
			return nil, nil, fail(types.PhaseCancelled, err, nil)

		case errors.Is(err, types.ErrTimeout):
			o.opts.Metrics.RecordPhase(spec.Name, types.PhaseFailed, elapsed)
			if o.opts.CancelOnTimeout {
				o.cancelJob(tracker, job, log)
				return nil, nil, fail(types.PhaseFailed, err, nil)
			}
			log.Warn("phase timed out, job left running", zap.String("job_id", job.ID),
				zap.Int("received", len(results)), zap.Int("tasks", job.TaskCount))
			return nil, job, fail(types.PhaseFailed, err, func(rec *runstore.PhaseRecord) {
				rec.JobOpen = true
			})

		default:
			// 任務錯誤（abort 策略）或通道錯誤：停止其餘任務
			o.cancelJob(tracker, job, log)
			o.opts.Metrics.RecordPhase(spec.Name, types.PhaseFailed, elapsed)
			return nil, nil, fail(types.PhaseFailed, err, func(rec *runstore.PhaseRecord) {
				rec.Failed = failedIndexes(results)
			})
		}
	}

	// 4. 套用錯誤策略並歸約
	perf := monitor.Aggregate(results)
	failed := failedIndexes(results)
	if len(failed) > 0 && policy != PolicyTolerate {
		o.opts.Metrics.RecordPhase(spec.Name, types.PhaseFailed, elapsed)
		err := types.NewError(types.ErrTaskExecution, "orchestrator.await",
			fmt.Errorf("%d of %d tasks failed %v: %s", len(failed), len(results), failed, firstError(results))).
			WithPhase(runID, spec.Name)
		return nil, nil, fail(types.PhaseFailed, err, func(rec *runstore.PhaseRecord) {
			rec.Failed = failed
			rec.Performance = &perf
		})
	}

	reduced, err := reduce(spec.Reduce, results)
	if err != nil {
		o.opts.Metrics.RecordPhase(spec.Name, types.PhaseFailed, elapsed)
		return nil, nil, fail(types.PhaseFailed,
			types.NewError(types.ErrTaskExecution, "orchestrator.reduce", err).WithPhase(runID, spec.Name), nil)
	}

	if err := tracker.Phase(spec.Name, types.PhaseCompleted, func(rec *runstore.PhaseRecord) {
		rec.Failed = failed
		rec.Performance = &perf
	}); err != nil {
		return nil, nil, err
	}
	o.opts.Metrics.RecordPhase(spec.Name, types.PhaseCompleted, elapsed)
	log.Info("phase completed", zap.Duration("elapsed", elapsed), zap.Int("failed", len(failed)))

	return &PhaseOutput{
		Name:        spec.Name,
		Job:         job,
		Results:     results,
		Reduced:     reduced,
		Failed:      failed,
		Performance: perf,
	}, nil, nil
}

// cancelJob cancels job with a fresh bounded context; the run context is
// usually already done at this point.
func (o *Orchestrator) cancelJob(tracker *Tracker, job *types.DistributionJob, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CancelTimeout)
	defer cancel()
	if err := o.opts.Backend.Cancel(ctx, job); err != nil {
		log.Error("job not cancelled", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.opts.Metrics.RecordCancel()
	tracker.Record(journal.Event{Type: journal.EventJobCancelled, Phase: job.Phase, JobID: job.ID})
}

func (o *Orchestrator) cancelled(ctx context.Context, runID types.RunID, phase string) error {
	return types.NewError(types.ErrCancelled, "orchestrator.run", context.Cause(ctx)).WithPhase(runID, phase)
}

func (o *Orchestrator) saveOutput(run *runstore.Run, calc *Calculation, phases []*PhaseOutput) error {
	out := &runstore.Output{RunID: run.ID, Calculation: calc.Name}
	for _, p := range phases {
		out.Phases = append(out.Phases, runstore.PhaseSummary{
			Name:        p.Name,
			Reduced:     p.Reduced,
			Failed:      p.Failed,
			Performance: p.Performance,
		})
	}
	return o.opts.Runs.SaveOutput(out)
}

// Abort cancels a run of this process and waits until it reached a
// terminal state. A queued run leaves the queue without dispatching.
func (o *Orchestrator) Abort(ctx context.Context, id types.RunID) error {
	o.mu.Lock()
	ex, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "orchestrator.abort", fmt.Errorf("run %d: %w", id, ErrRunNotActive))
	}
	ex.cancel(errAborted)
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AbortAll aborts every run of this process.
func (o *Orchestrator) AbortAll(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]types.RunID, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := o.Abort(ctx, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the live record of a run of this process.
func (o *Orchestrator) Status(id types.RunID) (runstore.Run, bool) {
	o.mu.Lock()
	ex, ok := o.active[id]
	o.mu.Unlock()
	if !ok {
		return runstore.Run{}, false
	}
	return ex.tracker.Snapshot(), true
}

// ============================================================================
// 輔助函式
// ============================================================================

func failedIndexes(results []types.ResultMessage) []types.TaskIndex {
	var failed []types.TaskIndex
	for _, r := range results {
		if r.Failed() {
			failed = append(failed, r.Index)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

func firstError(results []types.ResultMessage) string {
	for _, r := range results {
		if r.Failed() {
			return strings.TrimSpace(r.Error)
		}
	}
	return ""
}

func reduce(fn Reducer, results []types.ResultMessage) (types.Args, error) {
	if fn == nil {
		return nil, nil
	}
	var acc types.Args
	for _, r := range results {
		if r.Failed() {
			continue
		}
		next, err := fn(acc, r)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", r.Index, err)
		}
		acc = next
	}
	return acc, nil
}
