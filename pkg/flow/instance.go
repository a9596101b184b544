package flow

import (
	"time"
)

// Payload keys with a meaning to the engine and to feature lookups.
const (
	PayloadActorID   = "actor_id"
	PayloadAccountID = "account_id"

	// PayloadLastError holds the cause of the last FAILURE or TIMEOUT event,
	// for compensating states.
	PayloadLastError = "last_error"
)

// Instance is one run of a Definition against a resource. It is owned by the
// single engine worker executing it; the persisted snapshot survives restarts.
type Instance struct {
	// ID is the unique instance identifier.
	ID string `json:"id"`

	// ResourceID identifies the infrastructure resource the flow operates on.
	ResourceID string `json:"resource_id"`

	// DefinitionID names the flow type.
	DefinitionID string `json:"definition_id"`

	// CurrentState is the state whose action runs next.
	CurrentState StateID `json:"current_state"`

	// Status is the lifecycle status derived from the current state.
	Status RunStatus `json:"status"`

	// Payload is the flow context shared between actions.
	Payload map[string]interface{} `json:"payload,omitempty"`

	// CreatedAt is when the instance was created.
	CreatedAt time.Time `json:"created_at"`

	// LastTransitionAt is when the instance last changed state.
	LastTransitionAt time.Time `json:"last_transition_at"`

	// Version is the optimistic concurrency token of the persisted snapshot.
	Version int64 `json:"version"`

	// Sequence is the number of committed transitions.
	Sequence int64 `json:"sequence"`

	// AbortRequested is set by an external abort request.
	AbortRequested bool `json:"abort_requested"`

	// Halted is set when a definition defect stopped the instance. A halted
	// instance stays active but is only run again once an abort is requested.
	Halted bool `json:"halted,omitempty"`

	// Error holds the cause of a failed, aborted or halted run.
	Error string `json:"error,omitempty"`
}

// Active returns true while the instance has not reached a terminal state.
func (i *Instance) Active() bool {
	return !i.Status.IsTerminal()
}

// Resumable returns true if running the instance can make progress.
func (i *Instance) Resumable() bool {
	return i.Active() && (!i.Halted || i.AbortRequested)
}

// Clone returns a copy of the instance with its own payload map.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Payload = clonePayload(i.Payload)
	return &c
}

// Str returns a string payload value or the empty string.
func (i *Instance) Str(key string) string {
	if v, ok := i.Payload[key].(string); ok {
		return v
	}
	return ""
}

func clonePayload(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	c := make(map[string]interface{}, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// HistoryEntry is an immutable audit record. One entry is appended per
// committed transition; progress entries may be interleaved between them.
type HistoryEntry struct {
	// ID is assigned by the store.
	ID int64 `json:"id"`

	// FlowID is the instance the entry belongs to.
	FlowID string `json:"flow_id"`

	// ResourceID is the resource the flow operates on.
	ResourceID string `json:"resource_id"`

	// Sequence is the instance transition sequence at the time of writing.
	Sequence int64 `json:"sequence"`

	// State is the state entered by the transition.
	State StateID `json:"state,omitempty"`

	// Event is the event that caused the transition.
	Event EventKind `json:"event,omitempty"`

	// Status is the user-facing status.
	Status Status `json:"status"`

	// Message is the user-facing message.
	Message string `json:"message"`

	// Timestamp is when the entry was written.
	Timestamp time.Time `json:"timestamp"`
}
