package poll

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Slot is a unit of execution capacity held by a running flow instance or poll
// task. A slot is used by the goroutine of its owner only.
type Slot interface {
	// Acquire takes the slot back. It is a no-op while the slot is held.
	Acquire(ctx context.Context) error

	// Release gives the slot up. It is a no-op while the slot is not held.
	Release()
}

// NewSlot returns a released slot drawing one unit from sem.
func NewSlot(sem *semaphore.Weighted) Slot {
	return &weightedSlot{sem: sem}
}

type weightedSlot struct {
	sem  *semaphore.Weighted
	held bool
}

func (s *weightedSlot) Acquire(ctx context.Context) error {
	if s.held {
		return nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held = true
	return nil
}

func (s *weightedSlot) Release() {
	if !s.held {
		return
	}
	s.held = false
	s.sem.Release(1)
}

type slotKey struct{}

// WithSlot returns a context carrying the execution slot of an instance.
func WithSlot(ctx context.Context, s Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

// SlotFrom returns the slot carried by ctx, if any.
func SlotFrom(ctx context.Context) (Slot, bool) {
	s, ok := ctx.Value(slotKey{}).(Slot)
	return s, ok
}

func withoutSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey{}, nil)
}

// Yield releases the slot carried by ctx while wait runs and takes it back
// afterwards. Without a slot it just calls wait. The context passed to wait
// carries no slot.
func Yield(ctx context.Context, wait func(ctx context.Context) error) error {
	s, ok := SlotFrom(ctx)
	if !ok {
		return wait(ctx)
	}
	s.Release()
	err := wait(withoutSlot(ctx))
	if aerr := s.Acquire(ctx); aerr != nil && err == nil {
		err = aerr
	}
	return err
}

// Sleep waits for d or until ctx is done, yielding the slot carried by ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	return Yield(ctx, func(ctx context.Context) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
