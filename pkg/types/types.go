// Package types 定義了 oqdist 任務分發引擎使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// RunID 計算執行的唯一識別碼，由 run store 單調遞增分配，與排程器的 job id 無關
type RunID int64

func (id RunID) String() string {
	return fmt.Sprintf("%d", int64(id))
}

// TaskIndex 任務在階段內的索引，從 1 開始（對應排程器 job array 的編號）
type TaskIndex int

// Args 任務的參數載荷，序列化後必須保持行為相等
type Args map[string]interface{}

// ResultStatus 任務結果狀態
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"    // 任務成功，Payload 為輸出
	ResultError ResultStatus = "error" // 任務失敗，Error 為錯誤描述
)

// PhaseState 階段狀態機的狀態
type PhaseState string

const (
	PhasePending         PhaseState = "pending"
	PhaseDispatched      PhaseState = "dispatched"
	PhaseAwaitingResults PhaseState = "awaiting_results"
	PhaseCompleted       PhaseState = "completed"
	PhaseFailed          PhaseState = "failed"
	PhaseCancelled       PhaseState = "cancelled"
)

// Terminal 回傳該狀態是否為終止狀態
func (s PhaseState) Terminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseCancelled
}

// RunState 計算執行的狀態
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal 回傳該狀態是否為終止狀態
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Task 一個可獨立執行的工作單元
type Task struct {
	Index TaskIndex `json:"index"` // 階段內唯一且穩定
	Args  Args      `json:"args"`  // 建立後不可變
}

// Phase 交給 backend 執行的一個階段，任務數在階段開始時固定
type Phase struct {
	RunID   RunID  `json:"run_id"`
	Name    string `json:"name"`     // 同時也是 worker 端的 operation 名稱
	WorkDir string `json:"work_dir"` // run 的工作目錄，所有 worker 可見
	Tasks   []Task `json:"tasks"`
}

// TaskCount 回傳階段的任務數
func (p *Phase) TaskCount() int {
	return len(p.Tasks)
}

// Usage 任務的資源使用統計
type Usage struct {
	Wall          time.Duration `json:"wall_ns"`
	CPU           time.Duration `json:"cpu_ns"`
	MaxRSSKB      int64         `json:"max_rss_kb"`
	ReceivedBytes int64         `json:"received_bytes"` // 參數檔大小
}

// ResultMessage worker 發布給 orchestrator 的結果訊息
type ResultMessage struct {
	RunID   RunID        `json:"run_id"`
	Phase   string       `json:"phase"`
	Index   TaskIndex    `json:"index"`
	Status  ResultStatus `json:"status"`
	Payload Args         `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
	Usage   Usage        `json:"usage"`
	Timings []Timing     `json:"timings,omitempty"` // Monitor 的具名計時區塊
	SentAt  int64        `json:"sent_at"`           // Unix 毫秒
}

// Timing 一個具名計時區塊的累計結果
type Timing struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration_ns"`
	Calls     int           `json:"calls"`
}

// Failed 回傳訊息是否代表任務失敗
func (m ResultMessage) Failed() bool {
	return m.Status == ResultError
}

// DistributionJob 一次 backend 提交的句柄
type DistributionJob struct {
	ID          string `json:"id"`      // backend 的 job id（cluster 模式下為排程器 array id）
	Backend     string `json:"backend"` // inproc / processpool / slurm
	RunID       RunID  `json:"run_id"`
	Phase       string `json:"phase"`
	TaskCount   int    `json:"task_count"`
	WorkDir     string `json:"work_dir"`
	SubmittedAt int64  `json:"submitted_at"` // Unix 毫秒
}

// TaskContext 與參數一起寫入 ArgumentFile 的任務上下文，worker 用它重建 Monitor
type TaskContext struct {
	RunID     RunID     `json:"run_id"`
	Operation string    `json:"operation"`
	TaskCount int       `json:"task_count"`
	TaskIndex TaskIndex `json:"task_index"`
	WorkDir   string    `json:"work_dir"`
}

// ArgumentFile 每個任務的持久化輸入
type ArgumentFile struct {
	Context TaskContext `json:"context"`
	Args    Args        `json:"args"`
}

// Transport 結果通道的傳輸方式
type Transport string

const (
	TransportMemory Transport = "memory"
	TransportFile   Transport = "file"
	TransportRedis  Transport = "redis"
	TransportGRPC   Transport = "grpc"
)

// Endpoint 告訴 worker 如何回傳結果
type Endpoint struct {
	Transport Transport `json:"transport"`
	Address   string    `json:"address,omitempty"` // redis 或 grpc 位址
	Namespace string    `json:"namespace,omitempty"`
}
