package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// RunQueue admits one run at a time. Waiting runs are admitted in the order
// they called Acquire.
type RunQueue struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	waiting  []types.RunID
	active   types.RunID
	onChange func(queued, active int)
}

// NewRunQueue builds a queue with a single admission slot. onChange, if not
// nil, is called with the queue sizes after every change.
func NewRunQueue(onChange func(queued, active int)) *RunQueue {
	return &RunQueue{sem: semaphore.NewWeighted(1), onChange: onChange}
}

// Acquire blocks until id holds the slot or ctx is done. The returned
// release is idempotent.
func (q *RunQueue) Acquire(ctx context.Context, id types.RunID) (func(), error) {
	q.mu.Lock()
	q.waiting = append(q.waiting, id)
	q.notifyLocked()
	q.mu.Unlock()

	err := q.sem.Acquire(ctx, 1)
	if err == nil && ctx.Err() != nil {
		q.sem.Release(1)
		err = ctx.Err()
	}

	q.mu.Lock()
	for i, w := range q.waiting {
		if w == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	if err == nil {
		q.active = id
	}
	q.notifyLocked()
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.active = 0
			q.notifyLocked()
			q.mu.Unlock()
			q.sem.Release(1)
		})
	}, nil
}

// Waiting returns the queued run ids in admission order.
func (q *RunQueue) Waiting() []types.RunID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.RunID(nil), q.waiting...)
}

// Active returns the run holding the slot.
func (q *RunQueue) Active() (types.RunID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, q.active != 0
}

func (q *RunQueue) notifyLocked() {
	if q.onChange == nil {
		return
	}
	active := 0
	if q.active != 0 {
		active = 1
	}
	q.onChange(len(q.waiting), active)
}
