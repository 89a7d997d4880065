package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/resultchan"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

type jobState int

const (
	jobRunning jobState = iota
	jobCompleted
	jobCancelled
)

// jobEntry 一個已提交 job 在 governing 進程中的狀態
type jobEntry struct {
	job    *types.DistributionJob
	sub    resultchan.Subscription
	cancel context.CancelFunc // 停止派發，可能為 nil
	state  jobState

	awaiting sync.Mutex
	received map[types.TaskIndex]types.ResultMessage
}

// jobTable tracks submitted jobs so Cancel is idempotent.
type jobTable struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]*jobEntry)}
}

func (t *jobTable) add(e *jobEntry) {
	e.received = make(map[types.TaskIndex]types.ResultMessage, e.job.TaskCount)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[e.job.ID] = e
}

func (t *jobTable) get(id string) (*jobEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	return e, ok
}

// startCancel flips a running job to cancelled. It reports false when there
// is nothing to do: the job completed or was already cancelled.
func (t *jobTable) startCancel(id string) (*jobEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.jobs[id]
	if !ok || e.state != jobRunning {
		return e, false
	}
	e.state = jobCancelled
	return e, true
}

func (t *jobTable) running() []*jobEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*jobEntry
	for _, e := range t.jobs {
		if e.state == jobRunning {
			out = append(out, e)
		}
	}
	return out
}

// await is the AwaitCompletion shared by every variant. Messages received
// by an earlier call that timed out are kept.
func (t *jobTable) await(ctx context.Context, job *types.DistributionJob, timeout time.Duration,
	observe ObserveFunc, log *zap.Logger) ([]types.ResultMessage, error) {

	e, ok := t.get(job.ID)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "backend.await",
			fmt.Errorf("job %s", job.ID)).WithPhase(job.RunID, job.Phase)
	}
	e.awaiting.Lock()
	defer e.awaiting.Unlock()
	results, err := collect(ctx, e.sub, e.job, e.received, timeout, observe, log)
	if err != nil {
		return results, err
	}

	t.mu.Lock()
	if e.state == jobRunning {
		e.state = jobCompleted
	}
	t.mu.Unlock()
	e.sub.Close()
	return results, nil
}
