package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ProcessOptions configures the local multi-process backend.
type ProcessOptions struct {
	Options
	Interpreter string        // worker executable, default: this binary
	Workers     int           // concurrent processes, default 1
	KillGrace   time.Duration // SIGTERM → SIGKILL delay on cancel
	Env         []string      // added to the worker environment
	SocketDir   string        // where the gRPC unix socket lives, default os.TempDir()
}

// Process forks one `<interpreter> worker` process per task. Workers report
// over gRPC on a unix socket served by this process.
type Process struct {
	opts   ProcessOptions
	broker *resultchan.Broker
	server *resultchan.GRPCServer
	socket string
	jobs   *jobTable

	mu    sync.Mutex
	procs map[string]*procSet
}

// procSet 一個 job 目前執行中的 worker 進程
type procSet struct {
	mu        sync.Mutex
	cmds      map[types.TaskIndex]*exec.Cmd
	cancelled bool
	done      chan struct{}
}

// start launches cmd unless the set was cancelled.
func (s *procSet) start(index types.TaskIndex, cmd *exec.Cmd) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false, nil
	}
	if err := cmd.Start(); err != nil {
		return false, err
	}
	s.cmds[index] = cmd
	return true, nil
}

func (s *procSet) finished(index types.TaskIndex) {
	s.mu.Lock()
	delete(s.cmds, index)
	s.mu.Unlock()
}

func (s *procSet) signal(fn func(*exec.Cmd)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	for _, cmd := range s.cmds {
		fn(cmd)
	}
}

// NewProcess starts the result server.
func NewProcess(opts ProcessOptions) (*Process, error) {
	opts.Options = opts.Options.withDefaults()
	if opts.Interpreter == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("backend: locate worker executable: %w", err)
		}
		opts.Interpreter = exe
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}

	broker := resultchan.NewBroker(opts.Log)
	socket := filepath.Join(opts.SocketDir, "oqdist-"+uuid.NewString()[:8]+".sock")
	server, err := resultchan.ListenGRPC(broker, "unix://"+socket, opts.Log)
	if err != nil {
		broker.Close()
		return nil, err
	}
	return &Process{
		opts:   opts,
		broker: broker,
		server: server,
		socket: socket,
		jobs:   newJobTable(),
		procs:  make(map[string]*procSet),
	}, nil
}

func (b *Process) Name() string { return "processpool" }

func (b *Process) Submit(ctx context.Context, phase *types.Phase) (*types.DistributionJob, error) {
	if err := validatePhase(phase); err != nil {
		return nil, dispatchError("process.submit", phase, err)
	}
	if _, err := persist(b.opts.Store, phase); err != nil {
		return nil, err
	}
	if err := resultchan.WriteEndpoint(phase.WorkDir, phase.Name, b.server.Endpoint()); err != nil {
		return nil, dispatchError("process.submit", phase, err)
	}
	if err := os.MkdirAll(layout.LogsDir(phase.WorkDir, phase.Name), 0755); err != nil {
		return nil, dispatchError("process.submit", phase, err)
	}

	job := newJob(b.Name(), uuid.NewString(), phase)
	sub, err := b.broker.Subscribe(ctx, KeyOf(job))
	if err != nil {
		return nil, dispatchError("process.submit", phase, err)
	}
	if err := SaveJob(job); err != nil {
		sub.Close()
		return nil, dispatchError("process.submit", phase, err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	set := &procSet{cmds: make(map[types.TaskIndex]*exec.Cmd), done: make(chan struct{})}
	b.mu.Lock()
	b.procs[job.ID] = set
	b.mu.Unlock()
	b.jobs.add(&jobEntry{job: job, sub: sub, cancel: cancel})

	go b.dispatch(jobCtx, job, set)

	b.opts.Log.Info("phase dispatched",
		zap.String("job_id", job.ID), zap.Stringer("run_id", job.RunID),
		zap.String("phase", job.Phase), zap.Int("tasks", job.TaskCount),
		zap.Int("processes", b.opts.Workers))
	return job, nil
}

// dispatch 以有限並發逐一啟動 worker 進程
func (b *Process) dispatch(ctx context.Context, job *types.DistributionJob, set *procSet) {
	defer close(set.done)
	var g errgroup.Group
	g.SetLimit(b.opts.Workers)
	for i := 1; i <= job.TaskCount; i++ {
		if ctx.Err() != nil {
			break
		}
		index := types.TaskIndex(i)
		g.Go(func() error {
			b.runTask(ctx, job, set, index)
			return nil
		})
	}
	g.Wait()
}

func (b *Process) runTask(ctx context.Context, job *types.DistributionJob, set *procSet, index types.TaskIndex) {
	if ctx.Err() != nil {
		return
	}
	logPath := layout.LogPath(job.WorkDir, job.Phase, index)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		b.fail(job, index, fmt.Errorf("open worker log: %w", err))
		return
	}
	defer logFile.Close()

	cmd := exec.Command(b.opts.Interpreter, "worker",
		"--operation", job.Phase, job.WorkDir, strconv.Itoa(int(index)))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), b.opts.Env...)
	setProcessGroup(cmd)

	started, err := set.start(index, cmd)
	if err != nil {
		b.fail(job, index, fmt.Errorf("start worker: %w", err))
		return
	}
	if !started {
		return
	}

	err = cmd.Wait()
	set.finished(index)
	if err != nil && ctx.Err() == nil {
		// 正常的任務失敗 worker 會先發布錯誤訊息，這裡只補上沒有發布就結束的進程
		b.fail(job, index, fmt.Errorf("worker process %v, see %s", err, logPath))
	}
}

// fail publishes an error message for index unless one was already accepted.
func (b *Process) fail(job *types.DistributionJob, index types.TaskIndex, cause error) {
	err := b.broker.Publish(context.Background(), types.ResultMessage{
		RunID:  job.RunID,
		Phase:  job.Phase,
		Index:  index,
		Status: types.ResultError,
		Error:  cause.Error(),
		SentAt: time.Now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, resultchan.ErrDuplicate) {
		b.opts.Log.Debug("synthetic failure not published", zap.Int("index", int(index)), zap.Error(err))
	}
}

func (b *Process) AwaitCompletion(ctx context.Context, job *types.DistributionJob, observe ObserveFunc) ([]types.ResultMessage, error) {
	results, err := b.jobs.await(ctx, job, b.opts.AwaitTimeout, observe, b.opts.Log)
	if err == nil {
		b.broker.Seal(KeyOf(job))
	}
	return results, err
}

// Cancel stops launching, sends SIGTERM to every running process group and
// SIGKILL to what is left after the grace period. It returns once no worker
// process of the job is alive.
func (b *Process) Cancel(ctx context.Context, job *types.DistributionJob) error {
	e, ok := b.jobs.startCancel(job.ID)
	if e == nil {
		return types.NewError(types.ErrNotFound, "process.cancel", fmt.Errorf("job %s", job.ID))
	}
	if !ok {
		return nil
	}
	e.cancel()
	if err := b.broker.Cancel(ctx, KeyOf(job)); err != nil {
		return err
	}

	b.mu.Lock()
	set := b.procs[job.ID]
	b.mu.Unlock()
	set.signal(terminate)

	grace := time.NewTimer(b.opts.KillGrace)
	defer grace.Stop()
	select {
	case <-set.done:
	case <-grace.C:
		b.opts.Log.Warn("worker processes ignored SIGTERM, killing", zap.String("job_id", job.ID))
		set.signal(kill)
		select {
		case <-set.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		set.signal(kill)
		return ctx.Err()
	}
	b.opts.Log.Info("job cancelled", zap.String("job_id", job.ID), zap.String("phase", job.Phase))
	return nil
}

// Close cancels running jobs, stops the result server and removes its socket.
func (b *Process) Close() error {
	for _, e := range b.jobs.running() {
		b.Cancel(context.Background(), e.job)
	}
	err := b.server.Close()
	os.Remove(b.socket)
	return err
}
