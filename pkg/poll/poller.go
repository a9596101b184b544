package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Observer receives one callback per probe invocation.
type Observer interface {
	ObserveProbe(task string, outcome OutcomeKind)
}

// Poller evaluates poll tasks on the calling goroutine.
type Poller struct {
	now      Clock
	newTimer TimerConstructor
	observer Observer
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock used for deadline checks.
func WithClock(clock Clock) Option {
	return func(p *Poller) {
		p.now = clock
	}
}

// WithTimer replaces the timer used to sleep between observations.
func WithTimer(ctor TimerConstructor) Option {
	return func(p *Poller) {
		p.newTimer = ctor
	}
}

// WithObserver registers a probe observer, typically the flow metrics.
func WithObserver(o Observer) Option {
	return func(p *Poller) {
		p.observer = o
	}
}

// NewPoller creates a poller using the system clock unless overridden.
func NewPoller(opts ...Option) *Poller {
	p := &Poller{
		now:      time.Now,
		newTimer: NewTimer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultPoller = NewPoller()

// Poll runs the task on the calling goroutine with the system clock.
func Poll(ctx context.Context, task Task) (interface{}, error) {
	return defaultPoller.Poll(ctx, task)
}

// Poll invokes the task's probe until it succeeds or fails, sleeping per the
// task's policy while it is pending. A pending probe is retried until
// MaxDuration has elapsed, then ErrPollTimeout is returned. Cancelling ctx
// interrupts the sleep and returns ErrCancelled.
func (p *Poller) Poll(ctx context.Context, task Task) (interface{}, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	intervals := task.Policy.NewBackOff()
	start := p.now()
	deadline := start.Add(task.MaxDuration)
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCancelled, task.Name, err)
		}

		attempts++
		out := task.Probe(ctx)
		if p.observer != nil {
			p.observer.ObserveProbe(task.Name, out.Kind)
		}

		switch out.Kind {
		case OutcomeSucceeded:
			return out.Value, nil
		case OutcomeFailed:
			return nil, fmt.Errorf("probe %s failed after %d attempts: %w", task.Name, attempts, out.Cause)
		case OutcomePending:
		default:
			return nil, fmt.Errorf("probe %s returned unknown outcome %q", task.Name, out.Kind)
		}

		remaining := deadline.Sub(p.now())
		if remaining <= 0 {
			return nil, p.timeout(task, attempts, start)
		}

		wait := intervals.NextBackOff()
		if wait == backoff.Stop || wait > remaining {
			wait = remaining
		}

		if err := Yield(ctx, func(ctx context.Context) error { return p.sleep(ctx, wait) }); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCancelled, task.Name, err)
		}

		if !p.now().Before(deadline) {
			return nil, p.timeout(task, attempts, start)
		}
	}
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	timer := p.newTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.Channel():
		return nil
	}
}

func (p *Poller) timeout(task Task, attempts int, start time.Time) error {
	return fmt.Errorf("%w: %s still pending after %s (%d attempts)",
		ErrPollTimeout, task.Name, p.now().Sub(start).Round(time.Millisecond), attempts)
}
