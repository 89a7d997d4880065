package backend

import (
	"context"
	"fmt"
	"os"
	"text/template"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/jobarray"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ClusterOptions configures the job-array backend.
type ClusterOptions struct {
	Options
	Scheduler jobarray.Scheduler
	Template  *template.Template    // nil means the embedded Slurm template
	Script    jobarray.ScriptConfig // resource fields and Interpreter; the rest is per phase
	Channel   resultchan.Channel    // must be reachable from the compute nodes
}

// Cluster submits each phase as one scheduler job array. Element i runs
// `<interpreter> worker --operation <phase> <workdir> i`.
type Cluster struct {
	opts ClusterOptions
	jobs *jobTable
}

func NewCluster(opts ClusterOptions) (*Cluster, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("backend: cluster backend needs a scheduler")
	}
	if opts.Channel == nil {
		return nil, fmt.Errorf("backend: cluster backend needs a result channel")
	}
	if opts.Channel.Endpoint().Transport == types.TransportMemory {
		return nil, fmt.Errorf("backend: %w", resultchan.ErrUnreachable)
	}
	if opts.Template == nil {
		opts.Template = jobarray.DefaultTemplate()
	}
	return &Cluster{opts: opts, jobs: newJobTable()}, nil
}

func (b *Cluster) Name() string { return "slurm" }

func (b *Cluster) Submit(ctx context.Context, phase *types.Phase) (*types.DistributionJob, error) {
	if err := validatePhase(phase); err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}
	if _, err := persist(b.opts.Store, phase); err != nil {
		return nil, err
	}

	cfg := b.opts.Script
	cfg.RunID = phase.RunID
	cfg.Operation = phase.Name
	cfg.TaskCount = phase.TaskCount()
	cfg.WorkDir = phase.WorkDir
	script, err := jobarray.Render(b.opts.Template, cfg)
	if err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}
	scriptPath := layout.ScriptPath(phase.WorkDir, phase.Name)
	if err := os.MkdirAll(layout.LogsDir(phase.WorkDir, phase.Name), 0755); err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}
	if err := resultchan.WriteEndpoint(phase.WorkDir, phase.Name, b.opts.Channel.Endpoint()); err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}

	key := resultchan.Key{RunID: phase.RunID, Phase: phase.Name}
	sub, err := b.opts.Channel.Subscribe(ctx, key)
	if err != nil {
		return nil, dispatchError("cluster.submit", phase, err)
	}

	arrayID, err := b.opts.Scheduler.Submit(ctx, scriptPath)
	if err != nil {
		sub.Close()
		return nil, dispatchError("cluster.submit", phase, err)
	}

	job := newJob(b.Name(), arrayID, phase)
	b.jobs.add(&jobEntry{job: job, sub: sub})
	if err := SaveJob(job); err != nil {
		b.opts.Log.Warn("job handle not saved", zap.String("job_id", job.ID), zap.Error(err))
	}

	b.opts.Log.Info("job array submitted",
		zap.String("job_id", job.ID), zap.Stringer("run_id", job.RunID),
		zap.String("phase", job.Phase), zap.Int("tasks", job.TaskCount),
		zap.String("script", scriptPath))
	return job, nil
}

func (b *Cluster) AwaitCompletion(ctx context.Context, job *types.DistributionJob, observe ObserveFunc) ([]types.ResultMessage, error) {
	return b.jobs.await(ctx, job, b.opts.AwaitTimeout, observe, b.opts.Log)
}

// Cancel issues a single scheduler cancellation for the whole array and
// cancels the channel key. A job this process did not submit (loaded with
// LoadJob) is cancelled the same way.
func (b *Cluster) Cancel(ctx context.Context, job *types.DistributionJob) error {
	e, ok := b.jobs.startCancel(job.ID)
	if e != nil && !ok {
		return nil
	}

	if err := b.opts.Scheduler.Cancel(ctx, job.ID); err != nil {
		if e != nil {
			// 允許重試
			b.jobs.mu.Lock()
			e.state = jobRunning
			b.jobs.mu.Unlock()
		}
		return types.NewError(types.ErrDispatch, "cluster.cancel", err).WithPhase(job.RunID, job.Phase)
	}
	if err := b.opts.Channel.Cancel(ctx, KeyOf(job)); err != nil {
		return err
	}
	b.opts.Log.Info("job array cancelled", zap.String("job_id", job.ID), zap.String("phase", job.Phase))
	return nil
}

// Close releases the channel. Arrays still running are left alone: their
// handles are in job.json and `oqdist cancel` can stop them.
func (b *Cluster) Close() error {
	if n := len(b.jobs.running()); n > 0 {
		b.opts.Log.Warn("closing with job arrays still running", zap.Int("jobs", n))
	}
	return b.opts.Channel.Close()
}
