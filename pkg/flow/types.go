package flow

import (
	"fmt"
)

// StateID identifies a state within a Definition.
type StateID string

// StateKind tags a state with its role in the state machine.
type StateKind string

const (
	// StateKindInitial marks the single entry state of a definition.
	StateKindInitial StateKind = "initial"

	// StateKindIntermediate marks a regular, non-terminal state.
	StateKindIntermediate StateKind = "intermediate"

	// StateKindSuccess marks a terminal state reached on success.
	StateKindSuccess StateKind = "terminal-success"

	// StateKindFailure marks a terminal state reached on failure or abort.
	StateKindFailure StateKind = "terminal-failure"
)

// IsTerminal returns true if the kind ends a flow.
func (k StateKind) IsTerminal() bool {
	return k == StateKindSuccess || k == StateKindFailure
}

// Validate checks if the state kind is valid.
func (k StateKind) Validate() error {
	switch k {
	case StateKindInitial, StateKindIntermediate, StateKindSuccess, StateKindFailure:
		return nil
	default:
		return fmt.Errorf("invalid state kind: %s", k)
	}
}

// EventKind identifies the outcome of an action. The three built-in kinds are
// always available; definitions may declare custom kinds.
type EventKind string

const (
	// EventSuccess is produced by normal action completion.
	EventSuccess EventKind = "SUCCESS"

	// EventFailure is produced by a recoverable or fatal action failure.
	EventFailure EventKind = "FAILURE"

	// EventTimeout is produced when a poll exceeds its maximum duration.
	EventTimeout EventKind = "TIMEOUT"

	// EventAbort is recorded when the engine honours an abort request. It is
	// not part of any transition table.
	EventAbort EventKind = "ABORT"
)

// Event is the result of executing an action, consumed by the transition table.
type Event struct {
	// Kind selects the transition.
	Kind EventKind `json:"kind"`

	// Payload is merged into the instance payload when the transition commits.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Cause is the error behind a FAILURE or TIMEOUT event.
	Cause error `json:"-"`

	// Fatal marks a FAILURE caused by an unexpected error. Fatal events bypass
	// the transition table and go straight to the failure state.
	Fatal bool `json:"fatal,omitempty"`
}

// Success returns a SUCCESS event.
func Success() Event {
	return Event{Kind: EventSuccess}
}

// Emit returns an event of the given kind.
func Emit(kind EventKind) Event {
	return Event{Kind: kind}
}

// Failure returns a FAILURE event carrying its cause.
func Failure(cause error) Event {
	return Event{Kind: EventFailure, Cause: cause}
}

// Timeout returns a TIMEOUT event carrying its cause.
func Timeout(cause error) Event {
	return Event{Kind: EventTimeout, Cause: cause}
}

// With returns a copy of the event with an additional payload value.
func (e Event) With(key string, value interface{}) Event {
	payload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// Status is the user-facing status carried by history entries and notifications.
type Status string

const (
	// StatusInProgress is recorded for transitions into non-terminal states.
	StatusInProgress Status = "IN_PROGRESS"

	// StatusProgress is recorded for aggregated intermediate progress.
	StatusProgress Status = "PROGRESS"

	// StatusSucceeded is recorded when a flow reaches a terminal success state.
	StatusSucceeded Status = "SUCCEEDED"

	// StatusFailed is recorded when a flow reaches a terminal failure state.
	StatusFailed Status = "FAILED"

	// StatusAborted is recorded when a flow is aborted by a user.
	StatusAborted Status = "ABORTED"

	// StatusHalted is recorded when the engine stops on a definition defect.
	StatusHalted Status = "HALTED"
)

// IsFinal returns true if the status closes a flow.
func (s Status) IsFinal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// RunStatus is the lifecycle status of a flow instance.
type RunStatus string

const (
	// RunStatusRunning indicates the instance has not reached a terminal state.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the instance reached a terminal success state.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the instance reached a terminal failure state.
	RunStatusFailed RunStatus = "failed"

	// RunStatusAborted indicates the instance was aborted by a user.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusAborted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
