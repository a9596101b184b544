// Package service is the entry point for clients of the flow engine. It
// gates flow starts with admission policies, schedules instances on the
// engine pool and reports status and history per resource.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackflow/stackflow/pkg/engine"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/policy"
	"github.com/stackflow/stackflow/pkg/registry"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// Scheduler runs instances asynchronously. engine.Pool implements it.
type Scheduler interface {
	Submit(ctx context.Context, inst *flow.Instance) error
}

// Admission decides whether a flow may start. policy.Engine implements it.
type Admission interface {
	Evaluate(ctx context.Context, input policy.Input) (*policy.Decision, error)
}

// FlowStatus is the state of a resource's active or most recent flow.
type FlowStatus struct {
	Instance *flow.Instance `json:"instance"`

	// Status is the user-facing status of the last recorded transition.
	Status flow.Status `json:"status"`

	// Terminal is true once the flow has ended.
	Terminal bool `json:"terminal"`

	// LastEntry is the last non-progress history entry of the instance.
	LastEntry *flow.HistoryEntry `json:"last_entry,omitempty"`
}

// Service exposes flow operations keyed by resource.
type Service struct {
	registry  *registry.Registry
	scheduler Scheduler
	admission Admission
	logger    zerolog.Logger
	tracer    *telemetry.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithAdmission gates StartFlow with admission policies.
func WithAdmission(a Admission) Option {
	return func(s *Service) { s.admission = a }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTracer sets the tracer used for service calls.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// New creates a service.
func New(reg *registry.Registry, scheduler Scheduler, opts ...Option) *Service {
	s := &Service{
		registry:  reg,
		scheduler: scheduler,
		logger:    zerolog.Nop(),
		tracer:    telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartFlow creates an instance of flowType for the resource and schedules
// it. Policy denials are returned as *policy.DeniedError. An instance that
// was created but could not be queued is returned with the error; it stays
// active and is picked up by Resume.
func (s *Service) StartFlow(ctx context.Context, resourceID, flowType string, payload map[string]interface{}) (*flow.Instance, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartFlow", trace.WithAttributes(
		attribute.String("resource.id", resourceID),
		attribute.String("flow.definition", flowType),
	))
	defer span.End()

	inst, err := s.CreateFlow(ctx, resourceID, flowType, payload)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("flow.id", inst.ID))

	if err := s.scheduler.Submit(ctx, inst.Clone()); err != nil {
		telemetry.RecordError(span, err)
		s.logger.Error().Err(err).
			Str("flow_id", inst.ID).
			Str("resource_id", resourceID).
			Msg("Flow created but not scheduled")
		return inst, fmt.Errorf("flow %s created but not scheduled: %w", inst.ID, err)
	}
	telemetry.RecordSuccess(span)
	return inst, nil
}

// CreateFlow admits and persists an instance without scheduling it. A
// serving process picks it up with Resume.
func (s *Service) CreateFlow(ctx context.Context, resourceID, flowType string, payload map[string]interface{}) (*flow.Instance, error) {
	if _, err := s.registry.Definition(flowType); err != nil {
		return nil, err
	}
	if err := s.admit(ctx, resourceID, flowType, payload); err != nil {
		return nil, err
	}
	return s.registry.Start(ctx, resourceID, flowType, payload)
}

func (s *Service) admit(ctx context.Context, resourceID, flowType string, payload map[string]interface{}) error {
	if s.admission == nil {
		return nil
	}
	input := policy.Input{
		ResourceID: resourceID,
		FlowType:   flowType,
		Payload:    payload,
	}
	if v, ok := payload[flow.PayloadActorID].(string); ok {
		input.ActorID = v
	}
	if v, ok := payload[flow.PayloadAccountID].(string); ok {
		input.AccountID = v
	}

	decision, err := s.admission.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to evaluate admission policies: %w", err)
	}
	for _, w := range decision.Warnings {
		s.logger.Warn().
			Str("policy", w.Policy).
			Str("resource_id", resourceID).
			Str("definition", flowType).
			Msg(w.Message)
	}
	if err := decision.Err(); err != nil {
		s.logger.Info().
			Str("resource_id", resourceID).
			Str("definition", flowType).
			Int("violations", len(decision.Violations)).
			Msg("Flow start denied by policy")
		return err
	}
	return nil
}

// GetFlowStatus returns the active flow of a resource, or its most recent
// one when none is active.
func (s *Service) GetFlowStatus(ctx context.Context, resourceID string) (*FlowStatus, error) {
	inst, err := s.registry.Status(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	entries, err := s.registry.History(ctx, resourceID, 0)
	if err != nil {
		return nil, err
	}

	status := &FlowStatus{
		Instance: inst,
		Status:   flow.StatusInProgress,
		Terminal: !inst.Active(),
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.FlowID != inst.ID || e.Status == flow.StatusProgress {
			continue
		}
		status.LastEntry = e
		status.Status = e.Status
		break
	}
	return status, nil
}

// AbortFlow requests abortion of the active flow of a resource. The flow
// ends in its failure state at the next step boundary.
func (s *Service) AbortFlow(ctx context.Context, resourceID string) (*flow.Instance, error) {
	return s.registry.Abort(ctx, resourceID)
}

// GetHistory returns every history entry of a resource in append order.
func (s *Service) GetHistory(ctx context.Context, resourceID string) ([]*flow.HistoryEntry, error) {
	return s.registry.History(ctx, resourceID, 0)
}

// Definitions returns the registered flow types.
func (s *Service) Definitions() []string {
	return s.registry.Definitions()
}

// Definition returns a flow definition by type.
func (s *Service) Definition(flowType string) (*flow.Definition, error) {
	return s.registry.Definition(flowType)
}

// Resume schedules every persisted active instance. It returns the number
// of instances scheduled.
func (s *Service) Resume(ctx context.Context) (int, error) {
	instances, err := s.registry.ResumeAll(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, inst := range instances {
		if err := s.scheduler.Submit(ctx, inst); err != nil {
			if errors.Is(err, engine.ErrAlreadyQueued) {
				continue
			}
			return scheduled, fmt.Errorf("failed to resume flow %s: %w", inst.ID, err)
		}
		scheduled++
		s.logger.Info().
			Str("flow_id", inst.ID).
			Str("resource_id", inst.ResourceID).
			Str("definition", inst.DefinitionID).
			Str("state", string(inst.CurrentState)).
			Msg("Flow resumed")
	}
	return scheduled, nil
}
