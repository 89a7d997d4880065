package types

// ============================================================================
// Error taxonomy
// Purpose: classify every failure surfaced by the distribution engine.
// Match with errors.Is against the sentinels, errors.As against *Error.
// ============================================================================

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel kinds
var (
	// ErrStorage indicates the ArgumentStore could not persist an artifact
	ErrStorage = errors.New("storage error")

	// ErrCorruption indicates an artifact exists but cannot be decoded
	ErrCorruption = errors.New("corrupted artifact")

	// ErrNotFound indicates a missing artifact or run
	ErrNotFound = errors.New("not found")

	// ErrTimeout indicates a wall-clock budget elapsed before all results arrived
	ErrTimeout = errors.New("timeout")

	// ErrTaskExecution indicates a task reported an error result
	ErrTaskExecution = errors.New("task execution failed")

	// ErrDispatch indicates the backend failed to submit work
	ErrDispatch = errors.New("dispatch failed")

	// ErrCancelled indicates the run or job was cancelled
	ErrCancelled = errors.New("cancelled")
)

// Error carries the kind plus where it happened.
type Error struct {
	Kind  error     // one of the sentinels above
	Op    string    // operation, e.g. "argstore.get"
	RunID RunID     // zero when unknown
	Phase string    // empty when unknown
	Index TaskIndex // zero when not task-specific
	Err   error     // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.RunID != 0 {
		fmt.Fprintf(&b, " (run=%d", e.RunID)
		if e.Phase != "" {
			fmt.Fprintf(&b, " phase=%s", e.Phase)
		}
		if e.Index != 0 {
			fmt.Fprintf(&b, " index=%d", e.Index)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPhase attaches the run and phase the error belongs to.
func (e *Error) WithPhase(runID RunID, phase string) *Error {
	e.RunID = runID
	e.Phase = phase
	return e
}

// WithIndex attaches the task index.
func (e *Error) WithIndex(index TaskIndex) *Error {
	e.Index = index
	return e
}

// KindOf returns the sentinel kind of err, or nil if err is outside the taxonomy.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrCancelled, ErrTimeout, ErrDispatch, ErrTaskExecution,
		ErrCorruption, ErrNotFound, ErrStorage,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
