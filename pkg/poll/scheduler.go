package poll

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Future is the handle of a submitted poll task.
type Future struct {
	task   Task
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	value interface{}
	err   error
}

func newFuture(ctx context.Context, task Task) *Future {
	fctx, cancel := context.WithCancel(ctx)
	return &Future{
		task:   task,
		ctx:    fctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *Future) complete(value interface{}, err error) {
	f.value = value
	f.err = err
	f.cancel()
	close(f.done)
}

// Cancel interrupts the task. Waiters receive ErrCancelled.
func (f *Future) Cancel() {
	f.cancel()
}

// Done is closed once the task has a result.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task completes or ctx is cancelled. Cancelling ctx
// also cancels the task.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		f.cancel()
		return nil, fmt.Errorf("%w: %s: %w", ErrCancelled, f.task.Name, ctx.Err())
	}
}

// Scheduler runs each poll task on its own goroutine. A task holds one of
// workers slots while its probe runs and none while it sleeps, so workers
// bounds concurrent probes against providers.
type Scheduler struct {
	poller *Poller
	slots  *semaphore.Weighted
	queue  chan *Future

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	// sendMu is held shared by Submit while it enqueues and exclusively by
	// Stop while it drains the queue.
	sendMu   sync.RWMutex
	stopping chan struct{}
}

// NewScheduler creates a scheduler with the given pool and queue sizes.
func NewScheduler(workers, queueSize int, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Scheduler{
		poller:   NewPoller(opts...),
		slots:    semaphore.NewWeighted(int64(workers)),
		queue:    make(chan *Future, queueSize),
		stopping: make(chan struct{}),
	}
}

// Start launches the dispatcher. It runs until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.closed {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		s.dispatch(ctx)
		return nil
	})
	s.running = true
}

// Stop cancels running tasks and waits for them to exit. Tasks still
// queued complete with ErrSchedulerClosed.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopping)
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Wait()
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case f := <-s.queue:
			f.complete(nil, ErrSchedulerClosed)
		default:
			return err
		}
	}
}

// Submit enqueues the task. The returned future is cancelled with ctx.
// Submitting to a stopped scheduler yields a future failed with ErrSchedulerClosed.
// The task runs on a scheduler worker, so it never sees the slot carried by ctx.
func (s *Scheduler) Submit(ctx context.Context, task Task) *Future {
	f := newFuture(withoutSlot(ctx), task)

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		f.complete(nil, ErrSchedulerClosed)
		return f
	}

	select {
	case s.queue <- f:
	case <-s.stopping:
		f.complete(nil, ErrSchedulerClosed)
	case <-ctx.Done():
		f.complete(nil, fmt.Errorf("%w: %s: %w", ErrCancelled, task.Name, ctx.Err()))
	}
	return f
}

// Poll submits the task and waits for its result, yielding the slot carried
// by ctx while it waits.
func (s *Scheduler) Poll(ctx context.Context, task Task) (interface{}, error) {
	var value interface{}
	err := Yield(ctx, func(ctx context.Context) error {
		var werr error
		value, werr = s.Submit(ctx, task).Wait(ctx)
		return werr
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.queue:
			slot := NewSlot(s.slots)
			if err := slot.Acquire(ctx); err != nil {
				f.complete(nil, ErrSchedulerClosed)
				return
			}
			s.group.Go(func() error {
				defer slot.Release()
				s.run(ctx, f, slot)
				return nil
			})
		}
	}
}

func (s *Scheduler) run(ctx context.Context, f *Future, slot Slot) {
	stop := context.AfterFunc(ctx, f.cancel)
	defer stop()

	var (
		value interface{}
		err   error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("probe %s panicked: %v", f.task.Name, r)
			}
		}()
		value, err = s.poller.Poll(WithSlot(f.ctx, slot), f.task)
	}()
	f.complete(value, err)
}
