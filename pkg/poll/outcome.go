package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OutcomeKind classifies a single probe observation.
type OutcomeKind string

const (
	// OutcomePending means the external state has not converged yet.
	OutcomePending OutcomeKind = "pending"

	// OutcomeSucceeded means the external state converged.
	OutcomeSucceeded OutcomeKind = "succeeded"

	// OutcomeFailed means the external state will never converge.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the result of one probe invocation.
type Outcome struct {
	Kind  OutcomeKind
	Value interface{}
	Cause error
}

// Pending reports that the probe should be retried after the next interval.
func Pending() Outcome {
	return Outcome{Kind: OutcomePending}
}

// Succeeded reports convergence with an optional value.
func Succeeded(value interface{}) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Value: value}
}

// Failed reports a terminal failure. Failed probes are not retried.
func Failed(cause error) Outcome {
	if cause == nil {
		cause = errors.New("probe failed")
	}
	return Outcome{Kind: OutcomeFailed, Cause: cause}
}

// Probe observes external state. It must be idempotent and free of side
// effects beyond observation.
type Probe func(ctx context.Context) Outcome

// Task describes one polling job. Tasks are created per action invocation and
// are never persisted: a restarted process re-issues the probe from its action.
type Task struct {
	// Name identifies the task in logs, errors and metrics.
	Name string

	// Probe is invoked until it succeeds, fails, or the task times out.
	Probe Probe

	// Policy computes the wait between pending observations.
	Policy IntervalPolicy

	// MaxDuration bounds the total polling time.
	MaxDuration time.Duration
}

// Validate checks if the task can be polled.
func (t Task) Validate() error {
	if t.Probe == nil {
		return fmt.Errorf("poll task %q has no probe", t.Name)
	}
	if t.MaxDuration <= 0 {
		return fmt.Errorf("poll task %q: max duration must be positive", t.Name)
	}
	return t.Policy.Validate()
}

var (
	// ErrPollTimeout is returned when a task stays pending past its max duration.
	ErrPollTimeout = errors.New("poll timeout")

	// ErrCancelled is returned when the caller cancels the wait.
	ErrCancelled = errors.New("poll cancelled")

	// ErrSchedulerClosed is returned when submitting to a stopped scheduler.
	ErrSchedulerClosed = errors.New("poll scheduler closed")
)
