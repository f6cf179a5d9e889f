// Package task owns the task state machine. Workers never mutate a task
// directly; every transition goes through the Tracker so the pull (poll)
// and push (subscribe) read paths can never disagree.
package task

import (
	"errors"
	"time"

	"github.com/fetchq/fetchq/internal/fingerprint"
	"github.com/fetchq/fetchq/internal/request"
	"github.com/fetchq/fetchq/pkg/extractor"
)

// State is a task's lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// legalTransitions is the transition graph. Retry re-enters PENDING from
// PROCESSING; that edge is internal and external observers simply see the
// task as PENDING again.
var legalTransitions = map[State][]State{
	StatePending:    {StateProcessing, StateCancelled, StateFailed},
	StateProcessing: {StateCompleted, StateFailed, StateCancelled, StatePending},
}

func (s State) canTransitionTo(next State) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var (
	// ErrTaskNotFound is returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTimeout is recorded when the watchdog kills a task that exceeded
	// its maximum execution duration.
	ErrTimeout = errors.New("task timed out")

	// ErrCancelled is recorded on tasks cancelled by the caller.
	ErrCancelled = errors.New("task cancelled")

	// ErrIllegalTransition is returned when a transition violates the
	// state machine. Terminal states are final.
	ErrIllegalTransition = errors.New("illegal task state transition")

	// ErrInterrupted is recorded on tasks found non-terminal after a
	// process restart.
	ErrInterrupted = errors.New("task interrupted by restart")
)

// Task is one download job. The Tracker owns every field.
type Task struct {
	ID          string
	Request     request.DownloadRequest
	Fingerprint fingerprint.Fingerprint

	State        State
	Progress     int // 0-100
	AttemptCount int
	LastError    string

	// ResultRef is the storage location of the cached result payload;
	// Result is the extraction metadata itself.
	ResultRef string
	Result    *extractor.Result

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TerminalError reconstructs the error a finished task recorded, mapping the
// known sentinels back to their values so callers can propagate the recorded
// verdict with errors.Is intact. Returns nil when no error was recorded.
func (t Task) TerminalError() error {
	switch t.LastError {
	case "":
		return nil
	case ErrTimeout.Error():
		return ErrTimeout
	case ErrCancelled.Error():
		return ErrCancelled
	case ErrInterrupted.Error():
		return ErrInterrupted
	default:
		return errors.New(t.LastError)
	}
}

// StatusView is what poll and subscribe expose to external callers.
type StatusView struct {
	TaskID    string            `json:"task_id"`
	State     State             `json:"state"`
	Progress  int               `json:"progress"`
	ETA       time.Duration     `json:"eta,omitempty"`
	Error     string            `json:"error,omitempty"`
	ResultRef string            `json:"result_ref,omitempty"`
	Result    *extractor.Result `json:"result,omitempty"`
}
