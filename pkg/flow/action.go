package flow

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/stackflow/stackflow/pkg/poll"
)

// Action is the unit of work bound to a state. Actions must be idempotent or
// retry-safe: a crash before the transition commits re-runs the action.
type Action interface {
	Execute(ctx context.Context, ac *ActionContext) (Event, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, ac *ActionContext) (Event, error)

// Execute calls f(ctx, ac).
func (f ActionFunc) Execute(ctx context.Context, ac *ActionContext) (Event, error) {
	return f(ctx, ac)
}

// FeatureLookup answers entitlement questions for actions. Implementations are
// read-only and may cache.
type FeatureLookup interface {
	IsEnabled(ctx context.Context, actorID, accountID, featureKey string) (bool, error)
}

// Poller runs poll tasks on behalf of actions.
type Poller interface {
	Poll(ctx context.Context, task poll.Task) (interface{}, error)
}

// ProgressReporter receives intermediate progress from actions.
type ProgressReporter interface {
	Progress(ctx context.Context, flowID, resourceID, message string)
}

// ActionContext is handed to an action for one execution.
type ActionContext struct {
	FlowID       string
	ResourceID   string
	DefinitionID string
	State        StateID

	// Payload is a private copy of the instance payload. Changes are persisted
	// together with the transition that follows the action.
	Payload map[string]interface{}

	Logger   zerolog.Logger
	Features FeatureLookup
	Poller   Poller
	Reporter ProgressReporter
}

// NewActionContext builds an action context for the instance's current state.
func NewActionContext(inst *Instance, logger zerolog.Logger) *ActionContext {
	payload := clonePayload(inst.Payload)
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &ActionContext{
		FlowID:       inst.ID,
		ResourceID:   inst.ResourceID,
		DefinitionID: inst.DefinitionID,
		State:        inst.CurrentState,
		Payload:      payload,
		Logger:       logger,
	}
}

// Poll runs a poll task through the configured poller, or inline when none is
// set. The execution slot carried by ctx is given up while the task sleeps.
func (ac *ActionContext) Poll(ctx context.Context, task poll.Task) (interface{}, error) {
	if ac.Poller == nil {
		return poll.Poll(ctx, task)
	}
	return ac.Poller.Poll(ctx, task)
}

// FeatureEnabled checks a feature for the actor and account stored in the payload.
func (ac *ActionContext) FeatureEnabled(ctx context.Context, key string) (bool, error) {
	if ac.Features == nil {
		return false, nil
	}
	return ac.Features.IsEnabled(ctx, ac.Str(PayloadActorID), ac.Str(PayloadAccountID), key)
}

// Progress reports intermediate progress. Reports are throttled by the recorder.
func (ac *ActionContext) Progress(ctx context.Context, message string) {
	if ac.Reporter != nil {
		ac.Reporter.Progress(ctx, ac.FlowID, ac.ResourceID, message)
	}
}

// Get returns a payload value.
func (ac *ActionContext) Get(key string) (interface{}, bool) {
	v, ok := ac.Payload[key]
	return v, ok
}

// Set stores a payload value.
func (ac *ActionContext) Set(key string, value interface{}) {
	ac.Payload[key] = value
}

// Str returns a string payload value or the empty string.
func (ac *ActionContext) Str(key string) string {
	if v, ok := ac.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer payload value. Payloads restored from storage carry
// JSON numbers, so float64 and json.Number are accepted.
func (ac *ActionContext) Int(key string) (int, bool) {
	switch v := ac.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}
