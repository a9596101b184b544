package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/history"
	"github.com/stackflow/stackflow/pkg/stores"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// ErrHalted is returned when running an instance halted on a definition
// defect. Only an abort moves it on.
var ErrHalted = errors.New("flow instance is halted")

// Definitions resolves flow types to their definitions.
type Definitions interface {
	Definition(id string) (*flow.Definition, error)
}

// Releaser is told when an instance reaches a terminal state.
type Releaser interface {
	Release(inst *flow.Instance) bool
}

// Engine drives flow instances through their definitions. An instance must
// be run by one goroutine at a time; the Pool guarantees that.
type Engine struct {
	defs     Definitions
	store    stores.Store
	recorder *history.Recorder
	features flow.FeatureLookup
	poller   flow.Poller
	releaser Releaser
	strict   bool
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the history recorder that forwards notifications.
func WithRecorder(r *history.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithFeatures sets the feature lookup handed to actions.
func WithFeatures(f flow.FeatureLookup) Option {
	return func(e *Engine) { e.features = f }
}

// WithPoller sets the poller handed to actions.
func WithPoller(p flow.Poller) Option {
	return func(e *Engine) { e.poller = p }
}

// WithReleaser sets the component released when an instance ends.
func WithReleaser(r Releaser) Option {
	return func(e *Engine) { e.releaser = r }
}

// WithStrict makes programming errors panic instead of halting the instance.
func WithStrict(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithTelemetry sets the logger, metrics and tracer.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(e *Engine) {
		e.logger = t.Logger.NewComponentLogger("engine")
		e.metrics = t.Metrics
		e.tracer = t.Tracer
	}
}

// WithClock sets the time source for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine.
func New(defs Definitions, store stores.Store, opts ...Option) *Engine {
	e := &Engine{
		defs:   defs,
		store:  store,
		logger: telemetry.Nop(),
		tracer: telemetry.NoopTracer(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = history.NewRecorder(store, history.WithLogger(e.logger.Zerolog()), history.WithMetrics(e.metrics))
	}
	return e
}

// Run steps the instance until it reaches a terminal state, the context is
// cancelled or a programming error halts it.
func (e *Engine) Run(ctx context.Context, inst *flow.Instance) error {
	ctx, span := e.tracer.StartFlowSpan(ctx, inst.ID, inst.ResourceID, inst.DefinitionID)
	defer span.End()

	if err := e.refresh(ctx, inst); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	for inst.Active() {
		if _, err := e.Step(ctx, inst); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
	}
	telemetry.RecordSuccess(span)
	return nil
}

// refresh replaces a stale snapshot with the persisted instance, so an
// instance queued again after it moved on resumes where it stands.
func (e *Engine) refresh(ctx context.Context, inst *flow.Instance) error {
	stored, err := e.store.LoadInstance(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load flow %s: %w", inst.ID, err)
	}
	if stored.Version > inst.Version {
		*inst = *stored
	}
	return nil
}

// Step executes the action of the current state and commits the resulting
// transition. It returns the run status after the step.
//
// A cancelled context stops the step without a transition; the instance
// stays resumable and the interrupted action runs again on resume.
func (e *Engine) Step(ctx context.Context, inst *flow.Instance) (flow.RunStatus, error) {
	if !inst.Active() {
		return inst.Status, nil
	}
	if err := ctx.Err(); err != nil {
		return inst.Status, err
	}

	logger := e.logger.WithFlowID(inst.ID).WithResourceID(inst.ResourceID).
		WithState(inst.DefinitionID, string(inst.CurrentState))

	def, err := e.defs.Definition(inst.DefinitionID)
	if err != nil {
		return inst.Status, e.halt(ctx, inst, logger, err)
	}

	aborted, err := e.abortRequested(ctx, inst)
	if err != nil {
		return inst.Status, err
	}
	if aborted {
		return e.abort(ctx, def, inst, logger)
	}

	if inst.Halted {
		return inst.Status, fmt.Errorf("%w: flow %s at %s: %s", ErrHalted, inst.ID, inst.CurrentState, inst.Error)
	}

	action, err := def.Action(inst.CurrentState)
	if err != nil {
		return inst.Status, e.halt(ctx, inst, logger, err)
	}

	ac := flow.NewActionContext(inst, logger.Zerolog())
	ac.Features = e.features
	ac.Poller = e.poller
	ac.Reporter = e.recorder

	stepCtx, span := e.tracer.StartStepSpan(ctx, inst.ID, inst.DefinitionID, string(inst.CurrentState))
	start := e.now()
	ev, actionErr := execute(stepCtx, action, ac)
	e.metrics.RecordStep(inst.DefinitionID, string(inst.CurrentState), e.now().Sub(start))

	if ctx.Err() != nil {
		span.End()
		logger.Info("Flow interrupted, state kept for resume")
		return inst.Status, ctx.Err()
	}

	ev, err = toEvent(ev, actionErr)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return inst.Status, e.halt(ctx, inst, logger, err)
	}

	var next flow.StateID
	if ev.Fatal {
		next = def.FailureState()
		logger.WithError(ev.Cause).Error("Unexpected action failure, routing to failure state")
	} else {
		next, err = def.NextState(inst.CurrentState, ev.Kind)
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return inst.Status, e.halt(ctx, inst, logger, err)
		}
	}
	span.SetAttributes(telemetry.AttrEvent.String(string(ev.Kind)), telemetry.AttrNextState.String(string(next)))
	if ev.Cause != nil {
		telemetry.RecordError(span, ev.Cause)
		if class, ok := flow.ClassOf(ev.Cause); ok {
			e.metrics.RecordError(string(class))
		} else {
			e.metrics.RecordError("unclassified")
		}
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()

	if err := e.transition(ctx, def, inst, ac.Payload, ev, next, false); err != nil {
		return inst.Status, err
	}
	return inst.Status, nil
}

// transition commits the move to the next state together with its history
// entry, then notifies. inst is updated only after the commit succeeded.
func (e *Engine) transition(ctx context.Context, def *flow.Definition, inst *flow.Instance,
	payload map[string]interface{}, ev flow.Event, next flow.StateID, aborted bool) error {
	status, runStatus := historyStatus(def, next, aborted)
	now := e.now().UTC()

	updated := inst.Clone()
	updated.Payload = maps.Clone(payload)
	if updated.Payload == nil {
		updated.Payload = make(map[string]interface{}, len(ev.Payload)+1)
	}
	maps.Copy(updated.Payload, ev.Payload)
	if ev.Cause != nil {
		updated.Payload[flow.PayloadLastError] = ev.Cause.Error()
	}
	updated.CurrentState = next
	updated.Status = runStatus
	updated.Halted = false
	updated.Sequence++
	updated.LastTransitionAt = now
	switch {
	case ev.Cause != nil && runStatus.IsTerminal():
		updated.Error = ev.Cause.Error()
	case runStatus == flow.RunStatusFailed:
		updated.Error = updated.Str(flow.PayloadLastError)
	}

	entry := &flow.HistoryEntry{
		FlowID:     inst.ID,
		ResourceID: inst.ResourceID,
		Sequence:   updated.Sequence,
		State:      next,
		Event:      ev.Kind,
		Status:     status,
		Message:    historyMessage(def, inst.CurrentState, next, ev),
		Timestamp:  now,
	}

	if err := e.store.CommitTransition(ctx, updated, entry); err != nil {
		return fmt.Errorf("failed to commit %s --%s--> %s for flow %s: %w",
			inst.CurrentState, ev.Kind, next, inst.ID, err)
	}
	from := inst.CurrentState
	*inst = *updated

	e.metrics.RecordTransition(inst.DefinitionID, string(from), string(ev.Kind))
	e.logger.WithFlowID(inst.ID).WithResourceID(inst.ResourceID).
		WithField("from", string(from)).
		WithField("event", string(ev.Kind)).
		WithField("to", string(next)).
		Debug("Transition committed")

	e.recorder.Record(context.WithoutCancel(ctx), entry)

	if runStatus.IsTerminal() {
		e.metrics.RecordFlowCompleted(inst.DefinitionID, string(runStatus), now.Sub(inst.CreatedAt))
		if e.releaser != nil {
			e.releaser.Release(inst)
		}
		e.logger.WithFlowID(inst.ID).WithResourceID(inst.ResourceID).
			WithField("status", string(runStatus)).
			Info("Flow finished")
	}
	return nil
}

// abortRequested reads the abort flag of the persisted instance.
func (e *Engine) abortRequested(ctx context.Context, inst *flow.Instance) (bool, error) {
	if inst.AbortRequested {
		return true, nil
	}
	stored, err := e.store.LoadInstance(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return false, fmt.Errorf("flow %s vanished from the store: %w", inst.ID, err)
		}
		return false, fmt.Errorf("failed to load flow %s: %w", inst.ID, err)
	}
	if stored.AbortRequested {
		inst.AbortRequested = true
	}
	return inst.AbortRequested, nil
}

// abort moves the instance to the failure state with status ABORTED.
func (e *Engine) abort(ctx context.Context, def *flow.Definition, inst *flow.Instance, logger *telemetry.Logger) (flow.RunStatus, error) {
	logger.Info("Abort requested, routing to failure state")
	e.metrics.RecordError(string(flow.ErrorClassCancelled))

	ev := flow.Event{
		Kind:  flow.EventAbort,
		Cause: flow.NewCancelledError("aborted by user", nil).WithResource(inst.ResourceID).WithState(inst.CurrentState),
	}
	if err := e.transition(ctx, def, inst, inst.Payload, ev, def.FailureState(), true); err != nil {
		return inst.Status, err
	}
	return inst.Status, nil
}

// halt handles a definition defect: strict engines panic, others persist the
// instance as halted together with a HALTED entry. A halted instance keeps its
// resource claimed and is not resumed until it is aborted.
func (e *Engine) halt(ctx context.Context, inst *flow.Instance, logger *telemetry.Logger, err error) error {
	if e.strict {
		panic(err)
	}
	if inst.Halted {
		return err
	}
	logger.WithError(err).Error("Flow halted on a definition defect")
	e.metrics.RecordError(string(flow.ErrorClassProgramming))

	ctx = context.WithoutCancel(ctx)
	halted := inst.Clone()
	halted.Halted = true
	halted.Error = err.Error()
	entry := &flow.HistoryEntry{
		FlowID:     inst.ID,
		ResourceID: inst.ResourceID,
		Sequence:   inst.Sequence,
		State:      inst.CurrentState,
		Status:     flow.StatusHalted,
		Message:    err.Error(),
		Timestamp:  e.now().UTC(),
	}
	if commitErr := e.store.CommitTransition(ctx, halted, entry); commitErr != nil {
		logger.WithError(commitErr).Warn("Failed to persist halt")
		return err
	}
	*inst = *halted
	e.recorder.Record(ctx, entry)
	return err
}
