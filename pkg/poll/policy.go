package poll

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IntervalKind selects how the wait between pending observations evolves.
type IntervalKind string

const (
	// IntervalFixed waits the same interval between every observation.
	IntervalFixed IntervalKind = "fixed"

	// IntervalExponential multiplies the interval after each observation, capped at Max.
	IntervalExponential IntervalKind = "exponential"
)

// IntervalPolicy configures the wait between pending observations.
type IntervalPolicy struct {
	Kind       IntervalKind  `yaml:"kind" json:"kind" validate:"omitempty,oneof=fixed exponential"`
	Initial    time.Duration `yaml:"initial" json:"initial" validate:"gte=0"`
	Max        time.Duration `yaml:"max" json:"max" validate:"gte=0"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier" validate:"gte=0"`
	// Jitter is the randomization factor applied to exponential intervals (0 to 1).
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`
}

// FixedInterval returns a policy that always waits d.
func FixedInterval(d time.Duration) IntervalPolicy {
	return IntervalPolicy{Kind: IntervalFixed, Initial: d}
}

// ExponentialInterval returns a doubling policy starting at initial and capped at max.
func ExponentialInterval(initial, max time.Duration) IntervalPolicy {
	return IntervalPolicy{Kind: IntervalExponential, Initial: initial, Max: max, Multiplier: 2}
}

// Validate checks if the policy is usable.
func (p IntervalPolicy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.Initial)
	}
	switch p.Kind {
	case IntervalFixed, "":
		return nil
	case IntervalExponential:
		if p.Max != 0 && p.Max < p.Initial {
			return fmt.Errorf("max poll interval %s is below initial interval %s", p.Max, p.Initial)
		}
		if p.Multiplier != 0 && p.Multiplier < 1 {
			return fmt.Errorf("poll multiplier must be >= 1, got %v", p.Multiplier)
		}
		if p.Jitter < 0 || p.Jitter > 1 {
			return fmt.Errorf("poll jitter must be between 0 and 1, got %v", p.Jitter)
		}
		return nil
	default:
		return fmt.Errorf("invalid poll interval kind: %s", p.Kind)
	}
}

// NewBackOff returns a fresh interval generator for one poll run. The
// generator never stops on its own; the task's MaxDuration bounds the run.
func (p IntervalPolicy) NewBackOff() backoff.BackOff {
	if p.Kind != IntervalExponential {
		return backoff.NewConstantBackOff(p.Initial)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.RandomizationFactor = p.Jitter
	b.Multiplier = p.Multiplier
	if b.Multiplier == 0 {
		b.Multiplier = backoff.DefaultMultiplier
	}
	b.MaxInterval = p.Max
	if b.MaxInterval == 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
