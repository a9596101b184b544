package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

var (
	// ErrPoolClosed is returned when submitting to a stopped pool.
	ErrPoolClosed = errors.New("engine pool is closed")

	// ErrAlreadyQueued is returned when the instance is already queued or running.
	ErrAlreadyQueued = errors.New("flow instance is already queued")
)

// Runner runs one instance to completion.
type Runner interface {
	Run(ctx context.Context, inst *flow.Instance) error
}

// Pool runs each instance on its own goroutine. At most workers instances
// execute at once: a running instance holds an execution slot, and gives it up
// while it sleeps in a poll or between retries.
type Pool struct {
	runner  Runner
	slots   *semaphore.Weighted
	queue   chan *flow.Instance
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	onDone  func(*flow.Instance, error)

	mu       sync.Mutex
	inflight map[string]struct{}
	running  bool
	closed   bool
	cancel   context.CancelFunc
	group    *errgroup.Group

	// sendMu is held shared by Submit while it enqueues and exclusively by
	// Stop while it drains the queue.
	sendMu   sync.RWMutex
	stopping chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// OnDone registers a callback invoked after every run, with the error the
// run ended with.
func OnDone(fn func(*flow.Instance, error)) PoolOption {
	return func(p *Pool) { p.onDone = fn }
}

// PoolTelemetry sets the logger and metrics of the pool.
func PoolTelemetry(t *telemetry.Telemetry) PoolOption {
	return func(p *Pool) {
		p.logger = t.Logger.NewComponentLogger("pool")
		p.metrics = t.Metrics
	}
}

// NewPool creates a pool running at most workers instances at once, with the
// given queue size.
func NewPool(runner Runner, workers, queueSize int, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 10
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		runner:   runner,
		slots:    semaphore.NewWeighted(int64(workers)),
		queue:    make(chan *flow.Instance, queueSize),
		logger:   telemetry.Nop(),
		inflight: make(map[string]struct{}),
		stopping: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the dispatcher. It runs until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.group.Go(func() error {
		p.dispatch(ctx)
		return nil
	})
	p.running = true
}

// Stop cancels running instances at their next step boundary and waits for
// their goroutines. Queued instances stay persisted and are resumed on the next start.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopping)
	cancel, group := p.cancel, p.group
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Wait()
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	dropped := 0
	for {
		select {
		case inst := <-p.queue:
			p.finish(inst)
			dropped++
		default:
			if dropped > 0 {
				p.logger.Infof("Pool stopped with %d queued flows left for resume", dropped)
			}
			p.metrics.SetQueuedFlows(0)
			return err
		}
	}
}

// Submit queues an instance. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, inst *flow.Instance) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.inflight[inst.ID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, inst.ID)
	}
	p.inflight[inst.ID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.queue <- inst:
		p.metrics.SetQueuedFlows(float64(len(p.queue)))
		return nil
	case <-p.stopping:
		p.finish(inst)
		return ErrPoolClosed
	case <-ctx.Done():
		p.finish(inst)
		return ctx.Err()
	}
}

// Inflight returns the number of queued and running instances.
func (p *Pool) Inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case inst := <-p.queue:
			p.metrics.SetQueuedFlows(float64(len(p.queue)))
			slot := poll.NewSlot(p.slots)
			if err := slot.Acquire(ctx); err != nil {
				p.finish(inst)
				return
			}
			p.group.Go(func() error {
				defer slot.Release()
				p.run(poll.WithSlot(ctx, slot), inst)
				return nil
			})
		}
	}
}

func (p *Pool) run(ctx context.Context, inst *flow.Instance) {
	err := p.runner.Run(ctx, inst)
	p.finish(inst)

	logger := p.logger.WithFlowID(inst.ID).WithResourceID(inst.ResourceID)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("Flow stopped with the pool")
	default:
		logger.WithError(err).Error("Flow run ended with an error")
	}
	if p.onDone != nil {
		p.onDone(inst, err)
	}
}

func (p *Pool) finish(inst *flow.Instance) {
	p.mu.Lock()
	delete(p.inflight, inst.ID)
	p.mu.Unlock()
}
