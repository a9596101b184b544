// Package retry provides a generic retry wrapper for calls that fail with
// eventually-consistent errors, such as reading a resource right after it
// was created.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/poll"
)

// Policy controls which errors are retried and how often.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first one.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`

	// Delay is the fixed wait between attempts.
	Delay time.Duration `yaml:"delay" json:"delay" validate:"gte=0"`

	// Classes lists the error classes that are retried.
	Classes []flow.ErrorClass `yaml:"classes" json:"classes"`

	// Errors lists sentinel errors that are retried, matched with errors.Is.
	Errors []error `yaml:"-" json:"-"`

	// All retries every error except context cancellation.
	All bool `yaml:"all" json:"all"`
}

// DefaultPolicy retries not-found-yet errors three times in total, five
// seconds apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       5 * time.Second,
		Classes:     []flow.ErrorClass{flow.ErrorClassNotFoundYet},
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", p.Delay)
	}
	return nil
}

// Retryable reports whether err matches the policy's retryable set.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if p.All {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	for _, target := range p.Errors {
		if errors.Is(err, target) {
			return true
		}
	}
	class, ok := flow.ClassOf(err)
	if !ok {
		return false
	}
	for _, c := range p.Classes {
		if c == class {
			return true
		}
	}
	return false
}

// Notify is called after a retryable failure, before sleeping.
type Notify func(err error, attempt int, wait time.Duration)

// Do calls fn until it succeeds, returns a non-retryable error, or the policy's
// attempts are exhausted. The last error is returned unchanged. The slot
// carried by ctx is yielded between attempts.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), notify ...Notify) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotifyWithTimerAndData(op, b, func(err error, wait time.Duration) {
		for _, n := range notify {
			n(err, attempt, wait)
		}
	}, newYieldingTimer(ctx))
}

// yieldingTimer sleeps in Start so the wait runs through poll.Sleep. C fires
// only when the sleep completed.
type yieldingTimer struct {
	ctx context.Context
	c   chan time.Time
}

func newYieldingTimer(ctx context.Context) *yieldingTimer {
	return &yieldingTimer{ctx: ctx, c: make(chan time.Time, 1)}
}

func (t *yieldingTimer) Start(d time.Duration) {
	if poll.Sleep(t.ctx, d) == nil {
		t.c <- time.Now()
	}
}

func (t *yieldingTimer) Stop() {}

func (t *yieldingTimer) C() <-chan time.Time { return t.c }

// Run is Do for functions without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error, notify ...Notify) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, notify...)
	return err
}
