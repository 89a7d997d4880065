// ============================================================================
// oqdist Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 在 governing 進程內以固定數量的 goroutine 執行任務（inproc backend）
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 通過共享的任務 channel 分發任務
//   3. 結果不經過 Pool，由 Runner 直接發布到 ResultChannel
//
// 架構組件:
//   ┌─────────────┐
//   │  Backend    │ --Submit(ctx, task)--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ Runner.Run ──→ ResultChannel
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 取消:
//   每個任務帶著提交時的 context；context 取消後仍在佇列中的任務直接跳過，
//   執行中的 TaskFunc 透過 ctx.Done() 得知取消。
//
// 並發控制:
//   - Submit 在讀鎖內送出，Stop 取得寫鎖後才關閉 taskCh，
//     不會向已關閉的 channel 發送
//   - WaitGroup 追蹤所有 Worker，確保優雅關閉
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

type queued struct {
	ctx  context.Context
	task Task
}

// Worker 一個執行任務的 goroutine
type Worker struct {
	id     int
	taskCh <-chan queued
	runner *Runner
	log    *zap.Logger
}

// Run 從 taskCh 取出任務並執行，直到 taskCh 關閉
func (w *Worker) Run() {
	for q := range w.taskCh {
		if err := q.ctx.Err(); err != nil {
			w.log.Debug("skipping cancelled task",
				zap.String("phase", q.task.Operation), zap.Int("index", int(q.task.Index)))
			continue
		}
		// 任務失敗已經以訊息形式發布，這裡只需要記錄
		if err := w.runner.Run(q.ctx, q.task.WorkDir, q.task.Operation, q.task.Index, q.task.Publisher); err != nil {
			w.log.Debug("task finished with error", zap.Int("worker", w.id), zap.Error(err))
		}
	}
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	runner  *Runner
	workers []*Worker
	taskCh  chan queued
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.RWMutex
	log     *zap.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - runner: 執行任務的 Runner
//   - bufferSize: 任務通道的緩衝大小
func NewPool(runner *Runner, bufferSize int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		runner: runner,
		taskCh: make(chan queued, bufferSize),
		log:    log,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if workerCount < 1 {
		return errors.New("pool needs at least one worker")
	}

	for i := 0; i < workerCount; i++ {
		w := &Worker{id: i, taskCh: p.taskCh, runner: p.runner, log: p.log}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	p.log.Info("worker pool started", zap.Int("workers", workerCount))
	return nil
}

// Submit 提交任務；ctx 取消時放棄排隊，已排隊的任務也不會再執行
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- queued{ctx: ctx, task: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 優雅地關閉 Worker Pool：不再接受新任務，等待佇列中的任務處理完
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
