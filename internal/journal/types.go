package journal

import "github.com/swiss-seismological-service/sed-oq-engine/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: events recorded for one run, in the order they happened
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventRunQueued       EventType = "RUN_QUEUED"       // Run created, waiting for the admission slot
	EventRunStarted      EventType = "RUN_STARTED"      // Run admitted
	EventPhaseDispatched EventType = "PHASE_DISPATCHED" // Backend accepted the phase
	EventPhaseAwaiting   EventType = "PHASE_AWAITING"   // Waiting on the result channel
	EventTaskFailed      EventType = "TASK_FAILED"      // A task reported an error message
	EventPhaseCompleted  EventType = "PHASE_COMPLETED"
	EventPhaseFailed     EventType = "PHASE_FAILED"
	EventPhaseCancelled  EventType = "PHASE_CANCELLED"
	EventJobCancelled    EventType = "JOB_CANCELLED" // Backend job cancelled
	EventRunCompleted    EventType = "RUN_COMPLETED"
	EventRunFailed       EventType = "RUN_FAILED"
	EventRunCancelled    EventType = "RUN_CANCELLED"
)

// Terminal reports whether the event closes the run.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunFailed || t == EventRunCancelled
}

// Event represents a journal record
type Event struct {
	Seq       uint64          `json:"seq"`  // monotonically increasing within the file
	Type      EventType       `json:"type"` // Event type
	RunID     types.RunID     `json:"run_id"`
	Phase     string          `json:"phase,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Index     types.TaskIndex `json:"index,omitempty"`
	Count     int             `json:"count,omitempty"` // tasks dispatched / results received
	Detail    string          `json:"detail,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// EventHandler processes replayed events. A non-nil error stops the replay.
type EventHandler func(event Event) error
