package orchestrator

// ============================================================================
// 階段狀態追蹤
// 職責：
// 1. 驗證階段與 run 的狀態轉換
// 2. 每次轉換寫回 run.json 並追加 journal 事件
//
// 階段狀態轉換：
//
//	pending → dispatched → awaiting_results → completed
//	                                        → failed
//	任何非終止狀態 → cancelled
//	pending / dispatched → failed（任務建立或提交失敗）
//
// run 狀態轉換：
//
//	queued → running → completed | failed | cancelled
//	queued → cancelled
// ============================================================================

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/journal"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPhaseNotFound     = errors.New("phase not found")
)

var phaseTransitions = map[types.PhaseState][]types.PhaseState{
	types.PhasePending:         {types.PhaseDispatched, types.PhaseFailed, types.PhaseCancelled},
	types.PhaseDispatched:      {types.PhaseAwaitingResults, types.PhaseFailed, types.PhaseCancelled},
	types.PhaseAwaitingResults: {types.PhaseCompleted, types.PhaseFailed, types.PhaseCancelled},
}

var runTransitions = map[types.RunState][]types.RunState{
	types.RunQueued:  {types.RunRunning, types.RunCancelled, types.RunFailed},
	types.RunRunning: {types.RunCompleted, types.RunFailed, types.RunCancelled},
}

// CanTransition reports whether a phase may move from one state to another.
func CanTransition(from, to types.PhaseState) bool {
	for _, s := range phaseTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func canTransitionRun(from, to types.RunState) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var phaseEvents = map[types.PhaseState]journal.EventType{
	types.PhaseDispatched:      journal.EventPhaseDispatched,
	types.PhaseAwaitingResults: journal.EventPhaseAwaiting,
	types.PhaseCompleted:       journal.EventPhaseCompleted,
	types.PhaseFailed:          journal.EventPhaseFailed,
	types.PhaseCancelled:       journal.EventPhaseCancelled,
}

var runEvents = map[types.RunState]journal.EventType{
	types.RunRunning:   journal.EventRunStarted,
	types.RunCompleted: journal.EventRunCompleted,
	types.RunFailed:    journal.EventRunFailed,
	types.RunCancelled: journal.EventRunCancelled,
}

// Tracker 持有一個 run 的記錄；只有 governing process 的 orchestrator 寫入
type Tracker struct {
	mu      sync.Mutex
	run     *runstore.Run
	store   *runstore.Store
	journal *journal.Journal // 可為 nil
	log     *zap.Logger
}

func newTracker(run *runstore.Run, store *runstore.Store, j *journal.Journal, log *zap.Logger) *Tracker {
	return &Tracker{run: run, store: store, journal: j, log: log}
}

// Phase 轉換階段狀態。mutate 在狀態改變前於鎖內呼叫，用來填入 job id、錯誤等欄位。
func (t *Tracker) Phase(name string, to types.PhaseState, mutate func(*runstore.PhaseRecord)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.run.Phase(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	if !CanTransition(rec.State, to) {
		return fmt.Errorf("%w: phase %s %s → %s", ErrInvalidTransition, name, rec.State, to)
	}
	if mutate != nil {
		mutate(rec)
	}
	now := time.Now().UnixMilli()
	if to == types.PhaseDispatched {
		rec.StartedAt = now
	}
	if to.Terminal() {
		rec.FinishedAt = now
	}
	rec.State = to

	t.persistLocked(journal.Event{
		Type:   phaseEvents[to],
		Phase:  name,
		JobID:  rec.JobID,
		Count:  rec.Tasks,
		Detail: rec.Error,
	})
	return nil
}

// Run 轉換 run 狀態
func (t *Tracker) Run(to types.RunState, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransitionRun(t.run.State, to) {
		return fmt.Errorf("%w: run %d %s → %s", ErrInvalidTransition, t.run.ID, t.run.State, to)
	}
	t.run.State = to
	if errMsg != "" {
		t.run.Error = errMsg
	}
	t.persistLocked(journal.Event{Type: runEvents[to], Detail: errMsg})
	return nil
}

// Record 追加一個不改變狀態的事件（任務失敗、job 取消）
func (t *Tracker) Record(e journal.Event) {
	if t.journal == nil {
		return
	}
	e.RunID = t.run.ID
	if err := t.journal.Append(e, false); err != nil {
		t.log.Warn("journal append failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// Snapshot 回傳 run 記錄的複本
func (t *Tracker) Snapshot() runstore.Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := *t.run
	cp.Phases = make([]runstore.PhaseRecord, len(t.run.Phases))
	copy(cp.Phases, t.run.Phases)
	return cp
}

// persistLocked 寫回 run.json；寫入失敗只記錄，記憶體中的狀態仍然正確
func (t *Tracker) persistLocked(e journal.Event) {
	if err := t.store.Save(t.run); err != nil {
		t.log.Error("run record not saved", zap.Stringer("run_id", t.run.ID), zap.Error(err))
	}
	if t.journal != nil && e.Type != "" {
		e.RunID = t.run.ID
		if err := t.journal.Append(e, true); err != nil {
			t.log.Warn("journal append failed", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}
