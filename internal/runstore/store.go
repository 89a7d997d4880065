// Package runstore 管理 run 的持久化記錄：id 分配、run.json、output.json
package runstore

// ============================================================================
// 職責說明：
// 1. 以 flock 保護的計數器分配單調遞增的 run id
// 2. 以原子性寫入（temp file + rename）保存 run.json / output.json
// 3. 載入時驗證 schema 版本相容性
// 4. 列出、等待、合併與清除 run
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swiss-seismological-service/sed-oq-engine/internal/layout"
	"github.com/swiss-seismological-service/sed-oq-engine/internal/monitor"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrIncompatibleVersion = errors.New("run record schema version is incompatible")
	ErrRunActive           = errors.New("run is not in a terminal state")
	ErrRunFailed           = errors.New("run did not complete")
)

const schemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// PhaseRecord 一個階段的持久化狀態
type PhaseRecord struct {
	Name        string               `json:"name"`
	State       types.PhaseState     `json:"state"`
	Policy      string               `json:"policy,omitempty"`
	Tasks       int                  `json:"tasks,omitempty"`
	JobID       string               `json:"job_id,omitempty"` // 用於事後取消
	Backend     string               `json:"backend,omitempty"`
	JobOpen     bool                 `json:"job_open,omitempty"` // 逾時後 job 仍在執行，等待明確取消
	Failed      []types.TaskIndex    `json:"failed,omitempty"`
	Error       string               `json:"error,omitempty"`
	Performance *monitor.Performance `json:"performance,omitempty"`
	StartedAt   int64                `json:"started_at,omitempty"`
	FinishedAt  int64                `json:"finished_at,omitempty"`
}

// Run 一次計算執行的記錄，只有 governing process 寫入
type Run struct {
	SchemaVer   int            `json:"schema_version"`
	ID          types.RunID    `json:"id"`
	Calculation string         `json:"calculation"`
	State       types.RunState `json:"state"`
	WorkDir     string         `json:"work_dir"`
	PID         int            `json:"pid"` // governing process
	Host        string         `json:"host,omitempty"`
	Phases      []PhaseRecord  `json:"phases"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Phase 回傳名為 name 的階段記錄
func (r *Run) Phase(name string) (*PhaseRecord, bool) {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i], true
		}
	}
	return nil, false
}

// PhaseSummary 階段輸出摘要，寫入 output.json
type PhaseSummary struct {
	Name        string              `json:"name"`
	Reduced     types.Args          `json:"reduced,omitempty"`
	Failed      []types.TaskIndex   `json:"failed,omitempty"`
	Performance monitor.Performance `json:"performance"`
}

// Output 一個已完成 run 的輸出
type Output struct {
	RunID       types.RunID    `json:"run_id"`
	Calculation string         `json:"calculation"`
	Phases      []PhaseSummary `json:"phases"`
}

// Last 回傳最後一個階段的摘要
func (o *Output) Last() (PhaseSummary, bool) {
	if len(o.Phases) == 0 {
		return PhaseSummary{}, false
	}
	return o.Phases[len(o.Phases)-1], true
}

// Store run 記錄管理器
type Store struct {
	base string
	log  *zap.Logger
	mu   sync.Mutex // 保護同一進程內的檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Open 建立 run 記錄管理器，base 不存在時建立
func Open(base string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, types.NewError(types.ErrStorage, "runstore.open", err)
	}
	return &Store{base: base, log: log}, nil
}

func (s *Store) Base() string { return s.base }

// WorkDir 回傳 run 的工作目錄
func (s *Store) WorkDir(id types.RunID) string {
	return layout.RunDir(s.base, id)
}

// Create 分配新的 run id，建立工作目錄並寫入狀態為 queued 的 run.json
func (s *Store) Create(calculation string, phases []string) (*Run, error) {
	id, err := s.allocate()
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "runstore.create", err)
	}

	host, _ := os.Hostname()
	now := time.Now().UnixMilli()
	run := &Run{
		ID:          id,
		Calculation: calculation,
		State:       types.RunQueued,
		WorkDir:     s.WorkDir(id),
		PID:         os.Getpid(),
		Host:        host,
		Phases:      make([]PhaseRecord, len(phases)),
		CreatedAt:   now,
	}
	for i, name := range phases {
		run.Phases[i] = PhaseRecord{Name: name, State: types.PhasePending}
	}
	if err := s.Save(run); err != nil {
		return nil, err
	}
	s.log.Info("run created", zap.Stringer("run_id", id), zap.String("work_dir", run.WorkDir))
	return run, nil
}

// allocate 在 flock 保護下遞增計數器；Mkdir 的排他性再保證一次唯一
func (s *Store) allocate() (types.RunID, error) {
	fl := &fileLock{path: filepath.Join(s.base, ".runs.lock")}
	if err := fl.lock(); err != nil {
		return 0, err
	}
	defer fl.unlock()

	counterPath := filepath.Join(s.base, ".last_run_id")
	last, err := s.readCounter(counterPath)
	if err != nil {
		return 0, err
	}
	for {
		last++
		err := os.Mkdir(s.WorkDir(last), 0755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	if err := writeAtomic(counterPath, []byte(strconv.FormatInt(int64(last), 10)+"\n")); err != nil {
		return 0, err
	}
	return last, nil
}

// readCounter 讀取計數器；計數器遺失時以現有 calc_<id> 目錄的最大值為準
func (s *Store) readCounter(path string) (types.RunID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		n, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr == nil && n >= 0 {
			return types.RunID(n), nil
		}
		s.log.Warn("run counter unreadable, rescanning", zap.String("path", path))
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[len(ids)-1], nil
}

// Save 原子性寫入 run.json
func (s *Store) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run.SchemaVer = schemaVersion
	run.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return types.NewError(types.ErrStorage, "runstore.save", err).WithPhase(run.ID, "")
	}
	if err := writeAtomic(layout.RunRecordPath(run.WorkDir), data); err != nil {
		return types.NewError(types.ErrStorage, "runstore.save", err).WithPhase(run.ID, "")
	}
	return nil
}

// Load 載入 run.json
func (s *Store) Load(id types.RunID) (*Run, error) {
	data, err := os.ReadFile(layout.RunRecordPath(s.WorkDir(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.NewError(types.ErrNotFound, "runstore.load", fmt.Errorf("run %d", id))
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "runstore.load", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, types.NewError(types.ErrCorruption, "runstore.load", err).WithPhase(id, "")
	}
	if run.SchemaVer != schemaVersion {
		return nil, types.NewError(types.ErrCorruption, "runstore.load",
			fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, run.SchemaVer, schemaVersion)).WithPhase(id, "")
	}
	return &run, nil
}

// List 依 id 由小到大回傳所有可讀的 run
func (s *Store) List() ([]*Run, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "runstore.list", err)
	}
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.Load(id)
		if err != nil {
			// 剛建立尚未寫入 run.json 的目錄也會走到這裡
			s.log.Debug("skipping run", zap.Stringer("run_id", id), zap.Error(err))
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *Store) ids() ([]types.RunID, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, err
	}
	var ids []types.RunID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := layout.RunIDOf(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SaveOutput 原子性寫入 output.json
func (s *Store) SaveOutput(out *Output) error {
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return types.NewError(types.ErrStorage, "runstore.save_output", err).WithPhase(out.RunID, "")
	}
	if err := writeAtomic(layout.OutputPath(s.WorkDir(out.RunID)), data); err != nil {
		return types.NewError(types.ErrStorage, "runstore.save_output", err).WithPhase(out.RunID, "")
	}
	return nil
}

// LoadOutput 載入 output.json
func (s *Store) LoadOutput(id types.RunID) (*Output, error) {
	data, err := os.ReadFile(layout.OutputPath(s.WorkDir(id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.NewError(types.ErrNotFound, "runstore.load_output", fmt.Errorf("output of run %d", id))
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "runstore.load_output", err)
	}
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, types.NewError(types.ErrCorruption, "runstore.load_output", err).WithPhase(id, "")
	}
	return &out, nil
}

// Purge 刪除一個已終止 run 的整個工作目錄
func (s *Store) Purge(id types.RunID) error {
	run, err := s.Load(id)
	if err != nil {
		return err
	}
	if !run.State.Terminal() {
		return fmt.Errorf("runstore: purge run %d: %w (%s)", id, ErrRunActive, run.State)
	}
	if err := os.RemoveAll(run.WorkDir); err != nil {
		return types.NewError(types.ErrStorage, "runstore.purge", err).WithPhase(id, "")
	}
	s.log.Info("run purged", zap.Stringer("run_id", id))
	return nil
}

// ============================================================================
// 等待與合併
// ============================================================================

// Wait 輪詢直到 ids 全部進入終止狀態
func (s *Store) Wait(ctx context.Context, ids []types.RunID, interval time.Duration) ([]*Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		runs := make([]*Run, 0, len(ids))
		pending := 0
		for _, id := range ids {
			run, err := s.Load(id)
			if err != nil {
				return nil, err
			}
			if !run.State.Terminal() {
				pending++
			}
			runs = append(runs, run)
		}
		if pending == 0 {
			return runs, nil
		}

		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled, "runstore.wait", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Collection 多個 run 的合併輸出，依輸入順序排列
type Collection struct {
	Runs    []types.RunID `json:"runs"`
	Outputs []*Output     `json:"outputs"`
}

// Collect 等待所有 run 終止；任何一個沒有完成就失敗，否則合併輸出
func (s *Store) Collect(ctx context.Context, ids []types.RunID, interval time.Duration) (*Collection, error) {
	runs, err := s.Wait(ctx, ids, interval)
	if err != nil {
		return nil, err
	}
	var bad []string
	for _, run := range runs {
		if run.State != types.RunCompleted {
			bad = append(bad, fmt.Sprintf("run %d %s", run.ID, run.State))
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("runstore: %w: %s", ErrRunFailed, strings.Join(bad, ", "))
	}

	c := &Collection{Runs: ids}
	for _, id := range ids {
		out, err := s.LoadOutput(id)
		if err != nil {
			return nil, err
		}
		c.Outputs = append(c.Outputs, out)
	}
	return c, nil
}

// ============================================================================
// 內部輔助
// ============================================================================

// writeAtomic 寫入臨時檔案後 rename，讀取端永遠看不到半寫的檔案
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
