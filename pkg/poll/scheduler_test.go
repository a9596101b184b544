package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startScheduler(t *testing.T, workers int) *Scheduler {
	t.Helper()
	s := NewScheduler(workers, 16)
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSchedulerRunsTasksConcurrently(t *testing.T) {
	s := startScheduler(t, 4)

	var calls int32
	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var own int32
			v, err := s.Poll(context.Background(), Task{
				Name: "task",
				Probe: func(context.Context) Outcome {
					atomic.AddInt32(&calls, 1)
					if atomic.AddInt32(&own, 1) < 3 {
						return Pending()
					}
					return Succeeded(i)
				},
				Policy:      FixedInterval(time.Millisecond),
				MaxDuration: 5 * time.Second,
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for i, v := range results {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int32(24), atomic.LoadInt32(&calls))
}

func TestFutureCancel(t *testing.T) {
	s := startScheduler(t, 1)

	f := s.Submit(context.Background(), Task{
		Name:        "forever",
		Probe:       func(context.Context) Outcome { return Pending() },
		Policy:      FixedInterval(time.Hour),
		MaxDuration: 2 * time.Hour,
	})
	f.Cancel()

	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future did not complete after cancel")
	}
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFutureWaitCancelledByCaller(t *testing.T) {
	s := startScheduler(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Poll(ctx, Task{
		Name:        "forever",
		Probe:       func(context.Context) Outcome { return Pending() },
		Policy:      FixedInterval(time.Hour),
		MaxDuration: 2 * time.Hour,
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSchedulerRecoversProbePanic(t *testing.T) {
	s := startScheduler(t, 1)

	_, err := s.Poll(context.Background(), Task{
		Name:        "broken",
		Probe:       func(context.Context) Outcome { panic("boom") },
		Policy:      FixedInterval(time.Millisecond),
		MaxDuration: time.Second,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: boom")

	v, err := s.Poll(context.Background(), Task{
		Name:        "healthy",
		Probe:       func(context.Context) Outcome { return Succeeded("ok") },
		Policy:      FixedInterval(time.Millisecond),
		MaxDuration: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestSchedulerRejectsAfterStop(t *testing.T) {
	s := NewScheduler(1, 1)
	s.Start(context.Background())
	require.NoError(t, s.Stop())

	_, err := s.Submit(context.Background(), Task{
		Name:        "late",
		Probe:       func(context.Context) Outcome { return Succeeded(nil) },
		Policy:      FixedInterval(time.Millisecond),
		MaxDuration: time.Second,
	}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
