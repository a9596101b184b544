package poll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances virtual time whenever a timer is created, so timers fire immediately.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

type firedTimer struct {
	ch chan time.Time
}

func (t *firedTimer) Channel() <-chan time.Time { return t.ch }
func (t *firedTimer) Stop() bool                { return false }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Timer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return &firedTimer{ch: ch}
}

func (c *fakeClock) poller() *Poller {
	return NewPoller(WithClock(c.Now), WithTimer(c.Timer))
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[OutcomeKind]int
}

func (o *countingObserver) ObserveProbe(_ string, outcome OutcomeKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[OutcomeKind]int)
	}
	o.counts[outcome]++
}

func pendingThen(n int, value interface{}, calls *int32) Probe {
	return func(context.Context) Outcome {
		if int(atomic.AddInt32(calls, 1)) <= n {
			return Pending()
		}
		return Succeeded(value)
	}
}

func TestPollSucceedsAfterPending(t *testing.T) {
	clock := newFakeClock()
	obs := &countingObserver{}
	p := NewPoller(WithClock(clock.Now), WithTimer(clock.Timer), WithObserver(obs))

	var calls int32
	value, err := p.Poll(context.Background(), Task{
		Name:        "instances-running",
		Probe:       pendingThen(2, "running", &calls),
		Policy:      FixedInterval(10 * time.Second),
		MaxDuration: time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "running", value)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, clock.waits)
	assert.Equal(t, 2, obs.counts[OutcomePending])
	assert.Equal(t, 1, obs.counts[OutcomeSucceeded])
}

func TestPollFailedIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	cause := errors.New("cluster deleted")

	var calls int32
	_, err := clock.poller().Poll(context.Background(), Task{
		Name: "cluster",
		Probe: func(context.Context) Outcome {
			atomic.AddInt32(&calls, 1)
			return Failed(cause)
		},
		Policy:      FixedInterval(time.Second),
		MaxDuration: time.Minute,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, int32(1), calls)
	assert.Empty(t, clock.waits)
}

func TestPollPendingForeverTimesOut(t *testing.T) {
	clock := newFakeClock()

	var calls int32
	_, err := clock.poller().Poll(context.Background(), Task{
		Name: "never",
		Probe: func(context.Context) Outcome {
			atomic.AddInt32(&calls, 1)
			return Pending()
		},
		Policy:      FixedInterval(10 * time.Second),
		MaxDuration: 35 * time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollTimeout)
	// Probes at 0s, 10s, 20s, 30s; the last wait is clamped to the deadline.
	assert.Equal(t, int32(4), calls)
	assert.Equal(t, 5*time.Second, clock.waits[len(clock.waits)-1])
}

func TestPollPendingForeverTimesOutOnWallClock(t *testing.T) {
	start := time.Now()
	_, err := Poll(context.Background(), Task{
		Name:        "never",
		Probe:       func(context.Context) Outcome { return Pending() },
		Policy:      FixedInterval(5 * time.Millisecond),
		MaxDuration: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollExponentialIntervalsAreCapped(t *testing.T) {
	clock := newFakeClock()

	var calls int32
	_, err := clock.poller().Poll(context.Background(), Task{
		Name:        "exp",
		Probe:       pendingThen(5, nil, &calls),
		Policy:      ExponentialInterval(time.Second, 4*time.Second),
		MaxDuration: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, clock.waits)
}

func TestPollCancellationInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Poll(ctx, Task{
		Name:        "slow",
		Probe:       func(context.Context) Outcome { return Pending() },
		Policy:      FixedInterval(time.Hour),
		MaxDuration: 2 * time.Hour,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollRejectsInvalidTasks(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"no probe", Task{Policy: FixedInterval(time.Second), MaxDuration: time.Minute}},
		{"no max duration", Task{Probe: func(context.Context) Outcome { return Pending() }, Policy: FixedInterval(time.Second)}},
		{"zero interval", Task{Probe: func(context.Context) Outcome { return Pending() }, MaxDuration: time.Minute}},
		{"bad kind", Task{
			Probe:       func(context.Context) Outcome { return Pending() },
			Policy:      IntervalPolicy{Kind: "linear", Initial: time.Second},
			MaxDuration: time.Minute,
		}},
		{"max below initial", Task{
			Probe:       func(context.Context) Outcome { return Pending() },
			Policy:      ExponentialInterval(time.Minute, time.Second),
			MaxDuration: time.Hour,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Poll(context.Background(), tt.task)
			assert.Error(t, err)
		})
	}
}
