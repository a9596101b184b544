package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/poll"
)

// panicError is the error recovered from a panicking action.
type panicError struct {
	state flow.StateID
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("action of state %s panicked: %v", p.state, p.value)
}

// execute runs the action and converts a panic into an error.
func execute(ctx context.Context, action flow.Action, ac *flow.ActionContext) (ev flow.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{state: ac.State, value: r, stack: debug.Stack()}
		}
	}()
	return action.Execute(ctx, ac)
}

// toEvent maps the result of an action to the event that drives the
// transition table. Programming errors are returned as errors; everything
// else becomes an event.
func toEvent(ev flow.Event, err error) (flow.Event, error) {
	if err == nil {
		if ev.Kind == "" {
			ev.Kind = flow.EventSuccess
		}
		return ev, nil
	}

	if errors.Is(err, poll.ErrPollTimeout) {
		return flow.Timeout(err), nil
	}

	class, ok := flow.ClassOf(err)
	switch {
	case ok && class == flow.ErrorClassProgramming:
		return flow.Event{}, err
	case ok:
		return flow.Failure(err), nil
	default:
		fatal := flow.Failure(err)
		fatal.Fatal = true
		return fatal, nil
	}
}

// historyStatus returns the user-facing status recorded for entering a state.
func historyStatus(def *flow.Definition, state flow.StateID, aborted bool) (flow.Status, flow.RunStatus) {
	s, _ := def.State(state)
	switch {
	case aborted:
		return flow.StatusAborted, flow.RunStatusAborted
	case s.Kind == flow.StateKindSuccess:
		return flow.StatusSucceeded, flow.RunStatusSucceeded
	case s.Kind == flow.StateKindFailure:
		return flow.StatusFailed, flow.RunStatusFailed
	default:
		return flow.StatusInProgress, flow.RunStatusRunning
	}
}

// historyMessage builds the message of a transition entry.
func historyMessage(def *flow.Definition, from, to flow.StateID, ev flow.Event) string {
	s, _ := def.State(to)
	msg := s.Message
	if msg == "" {
		msg = string(to)
	}
	if ev.Cause != nil {
		return fmt.Sprintf("%s: %s failed: %v", msg, from, ev.Cause)
	}
	return msg
}
