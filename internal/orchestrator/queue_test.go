package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

func TestRunQueueAdmitsInFIFOOrder(t *testing.T) {
	q := NewRunQueue(nil)
	release, err := q.Acquire(context.Background(), 1)
	require.NoError(t, err)
	active, ok := q.Active()
	require.True(t, ok)
	assert.Equal(t, types.RunID(1), active)

	var (
		mu    sync.Mutex
		order []types.RunID
		wg    sync.WaitGroup
	)
	for _, id := range []types.RunID{2, 3, 4} {
		wg.Add(1)
		go func(id types.RunID) {
			defer wg.Done()
			rel, err := q.Acquire(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			rel()
		}(id)
		want := int(id) - 1
		require.Eventually(t, func() bool { return len(q.Waiting()) == want }, 2*time.Second, time.Millisecond)
		// 讓 goroutine 進入 semaphore 的等待佇列
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []types.RunID{2, 3, 4}, q.Waiting())

	release()
	release() // idempotent
	wg.Wait()
	assert.Equal(t, []types.RunID{2, 3, 4}, order)
	_, ok = q.Active()
	assert.False(t, ok)
}

func TestRunQueueCancelWhileWaiting(t *testing.T) {
	q := NewRunQueue(nil)
	release, err := q.Acquire(context.Background(), 1)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Acquire(ctx, 2)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(q.Waiting()) == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, q.Waiting())
	active, _ := q.Active()
	assert.Equal(t, types.RunID(1), active)
}

func TestRunQueueCancelledContextIsRejected(t *testing.T) {
	q := NewRunQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := q.Active()
	assert.False(t, ok)

	// slot 仍可使用
	release, err := q.Acquire(context.Background(), 2)
	require.NoError(t, err)
	release()
}

func TestRunQueueReportsSizes(t *testing.T) {
	type sizes struct{ queued, active int }
	var (
		mu   sync.Mutex
		seen []sizes
	)
	q := NewRunQueue(func(queued, active int) {
		mu.Lock()
		seen = append(seen, sizes{queued, active})
		mu.Unlock()
	})

	release, err := q.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []sizes{{1, 0}, {0, 1}, {0, 0}}, seen)
}
