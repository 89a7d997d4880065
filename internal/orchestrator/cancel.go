package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/backend"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

var ErrRunFinished = errors.New("run already finished")

// CancelOutcome describes what CancelDetached did.
type CancelOutcome struct {
	RunID     types.RunID `json:"run_id"`
	Jobs      []string    `json:"cancelled_jobs,omitempty"`
	Signalled bool        `json:"signalled"` // governing process notified
	Orphaned  bool        `json:"orphaned"`  // governing process gone, run marked cancelled here
}

// CancelDetached cancels a run owned by another process (or by nobody).
//
//   - every non-terminal phase whose job was submitted through a backend of
//     the same kind as b is cancelled through b (one scancel per job array)
//   - the governing process, when it runs on this host, gets SIGTERM and
//     aborts the run itself
//   - if that process no longer exists, run.json is marked cancelled here
//
// A finished run is only touched when a phase timed out and left its job
// running (PhaseRecord.JobOpen); those jobs are cancelled and the flag
// cleared. Otherwise a finished run gives ErrRunFinished.
//
// b may be nil, in which case only the governing process is signalled.
func CancelDetached(ctx context.Context, runs *runstore.Store, b backend.Backend, id types.RunID, log *zap.Logger) (*CancelOutcome, error) {
	if log == nil {
		log = zap.NewNop()
	}
	run, err := runs.Load(id)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return cancelOpenJobs(ctx, runs, b, run, log)
	}

	out := &CancelOutcome{RunID: id}
	var errs []error
	for i := range run.Phases {
		rec := &run.Phases[i]
		if rec.State.Terminal() || rec.JobID == "" || b == nil || rec.Backend != b.Name() {
			continue
		}
		jobID, err := cancelPhaseJob(ctx, b, run.WorkDir, rec.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out.Jobs = append(out.Jobs, jobID)
		log.Info("job cancelled", zap.Stringer("run_id", id), zap.String("phase", rec.Name), zap.String("job_id", jobID))
	}

	host, _ := os.Hostname()
	switch {
	case run.PID <= 0 || run.Host != host:
		log.Warn("governing process not on this host, run state left to it",
			zap.Stringer("run_id", id), zap.String("host", run.Host), zap.Int("pid", run.PID))
	case run.PID == os.Getpid():
		// 本進程自己的 run 由 Abort 處理
	default:
		alive, err := terminate(run.PID)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("signal pid %d: %w", run.PID, err))
		case alive:
			out.Signalled = true
		default:
			if err := markCancelled(runs, run); err != nil {
				errs = append(errs, err)
			} else {
				out.Orphaned = true
				log.Warn("governing process is gone, run marked cancelled",
					zap.Stringer("run_id", id), zap.Int("pid", run.PID))
			}
		}
	}
	return out, errors.Join(errs...)
}

// cancelOpenJobs handles a finished run: only jobs left running by a phase
// timeout are cancelled.
func cancelOpenJobs(ctx context.Context, runs *runstore.Store, b backend.Backend, run *runstore.Run, log *zap.Logger) (*CancelOutcome, error) {
	out := &CancelOutcome{RunID: run.ID}
	host, _ := os.Hostname()
	var (
		errs   []error
		events []journal.Event
		open   bool
	)
	for i := range run.Phases {
		rec := &run.Phases[i]
		if !rec.JobOpen {
			continue
		}
		open = true
		switch {
		case b != nil && rec.Backend == b.Name():
			jobID, err := cancelPhaseJob(ctx, b, run.WorkDir, rec.Name)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out.Jobs = append(out.Jobs, jobID)
			events = append(events, journal.Event{Type: journal.EventJobCancelled, Phase: rec.Name, JobID: jobID,
				Detail: "left running after timeout"})
			log.Info("outstanding job cancelled", zap.Stringer("run_id", run.ID),
				zap.String("phase", rec.Name), zap.String("job_id", jobID))
		case run.Host == host && run.PID > 0 && run.PID != os.Getpid() && !running(run.PID):
			// 本地 backend 的 job 隨 governing process 一起結束
			log.Info("outstanding job ended with its governing process", zap.Stringer("run_id", run.ID),
				zap.String("phase", rec.Name), zap.String("job_id", rec.JobID))
		default:
			errs = append(errs, fmt.Errorf("phase %s: %s job %s is still running and needs a %s backend to cancel",
				rec.Name, rec.Backend, rec.JobID, rec.Backend))
			continue
		}
		rec.JobOpen = false
	}
	if !open {
		return nil, fmt.Errorf("%w: run %d is %s", ErrRunFinished, run.ID, run.State)
	}

	if err := runs.Save(run); err != nil {
		errs = append(errs, err)
	}
	if len(events) > 0 {
		if err := appendEvents(run, events); err != nil {
			log.Warn("journal append failed", zap.Stringer("run_id", run.ID), zap.Error(err))
		}
	}
	return out, errors.Join(errs...)
}

// cancelPhaseJob loads the job handle saved next to the phase and cancels it through b.
func cancelPhaseJob(ctx context.Context, b backend.Backend, workDir, phase string) (string, error) {
	job, err := backend.LoadJob(workDir, phase)
	if err != nil {
		return "", err
	}
	if err := b.Cancel(ctx, job); err != nil {
		return "", fmt.Errorf("cancel %s job %s: %w", phase, job.ID, err)
	}
	return job.ID, nil
}

func appendEvents(run *runstore.Run, events []journal.Event) error {
	jnl, err := journal.Open(layout.JournalPath(run.WorkDir), true)
	if err != nil {
		return err
	}
	for _, e := range events {
		e.RunID = run.ID
		if err := jnl.Append(e, true); err != nil {
			jnl.Close()
			return err
		}
	}
	return jnl.Close()
}

func markCancelled(runs *runstore.Store, run *runstore.Run) error {
	for i := range run.Phases {
		if !run.Phases[i].State.Terminal() && run.Phases[i].State != types.PhasePending {
			run.Phases[i].State = types.PhaseCancelled
			run.Phases[i].Error = "governing process gone"
		}
	}
	run.State = types.RunCancelled
	run.Error = fmt.Sprintf("governing process %d gone", run.PID)
	return runs.Save(run)
}
