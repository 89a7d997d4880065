package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/worker"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// InProcess runs tasks on a goroutine pool of the governing process.
// Arguments still go through the ArgumentStore, results through a memory
// broker, so the tasks see exactly what a remote worker would.
type InProcess struct {
	opts   Options
	pool   *worker.Pool
	broker *resultchan.Broker
	jobs   *jobTable
}

// NewInProcess starts a pool of workers goroutines.
func NewInProcess(runner *worker.Runner, workers int, opts Options) (*InProcess, error) {
	opts = opts.withDefaults()
	pool := worker.NewPool(runner, workers*2, opts.Log)
	if err := pool.Start(workers); err != nil {
		return nil, err
	}
	return &InProcess{
		opts:   opts,
		pool:   pool,
		broker: resultchan.NewBroker(opts.Log),
		jobs:   newJobTable(),
	}, nil
}

func (b *InProcess) Name() string { return "inproc" }

// Broker exposes the result broker, mostly for tests.
func (b *InProcess) Broker() *resultchan.Broker { return b.broker }

func (b *InProcess) Submit(ctx context.Context, phase *types.Phase) (*types.DistributionJob, error) {
	if err := validatePhase(phase); err != nil {
		return nil, dispatchError("inproc.submit", phase, err)
	}
	if _, err := persist(b.opts.Store, phase); err != nil {
		return nil, err
	}

	job := newJob(b.Name(), uuid.NewString(), phase)
	sub, err := b.broker.Subscribe(ctx, KeyOf(job))
	if err != nil {
		return nil, dispatchError("inproc.submit", phase, err)
	}
	if err := SaveJob(job); err != nil {
		sub.Close()
		return nil, dispatchError("inproc.submit", phase, err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	b.jobs.add(&jobEntry{job: job, sub: sub, cancel: cancel})
	go b.feed(jobCtx, job)

	b.opts.Log.Info("phase dispatched",
		zap.String("job_id", job.ID), zap.Stringer("run_id", job.RunID),
		zap.String("phase", job.Phase), zap.Int("tasks", job.TaskCount))
	return job, nil
}

// feed 逐一把任務送進 pool；pool 關閉時為剩餘索引發布錯誤訊息
func (b *InProcess) feed(ctx context.Context, job *types.DistributionJob) {
	for i := 1; i <= job.TaskCount; i++ {
		err := b.pool.Submit(ctx, worker.Task{
			WorkDir:   job.WorkDir,
			Operation: job.Phase,
			Index:     types.TaskIndex(i),
			Publisher: b.broker,
		})
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrPoolClosed):
			for j := i; j <= job.TaskCount; j++ {
				b.broker.Publish(context.Background(), types.ResultMessage{
					RunID: job.RunID, Phase: job.Phase, Index: types.TaskIndex(j),
					Status: types.ResultError, Error: err.Error(), SentAt: time.Now().UnixMilli(),
				})
			}
			return
		default:
			return
		}
	}
}

func (b *InProcess) AwaitCompletion(ctx context.Context, job *types.DistributionJob, observe ObserveFunc) ([]types.ResultMessage, error) {
	results, err := b.jobs.await(ctx, job, b.opts.AwaitTimeout, observe, b.opts.Log)
	if err == nil {
		b.broker.Seal(KeyOf(job))
	}
	return results, err
}

// Cancel drops queued tasks and rejects results still to come. Running
// TaskFuncs see their context cancelled.
func (b *InProcess) Cancel(ctx context.Context, job *types.DistributionJob) error {
	e, ok := b.jobs.startCancel(job.ID)
	if e == nil {
		return types.NewError(types.ErrNotFound, "inproc.cancel", fmt.Errorf("job %s", job.ID))
	}
	if !ok {
		return nil
	}
	e.cancel()
	if err := b.broker.Cancel(ctx, KeyOf(job)); err != nil {
		return err
	}
	b.opts.Log.Info("job cancelled", zap.String("job_id", job.ID), zap.String("phase", job.Phase))
	return nil
}

// Close cancels running jobs and stops the pool.
func (b *InProcess) Close() error {
	for _, e := range b.jobs.running() {
		b.Cancel(context.Background(), e.job)
	}
	b.pool.Stop()
	return b.broker.Close()
}
