// Package registry tracks the active flow instance of every resource and
// creates, resumes and aborts instances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/stores"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

var (
	// ErrAlreadyRunning is returned when a resource already has an active
	// instance of the requested flow type.
	ErrAlreadyRunning = errors.New("flow already running for resource")

	// ErrNotFound is returned when a resource has no matching instance.
	ErrNotFound = errors.New("no flow found for resource")
)

type activeKey struct {
	resourceID   string
	definitionID string
}

// Registry owns the in-memory index of active instances. The store's
// uniqueness constraint backs the index across processes and restarts.
type Registry struct {
	store   stores.Store
	catalog *flow.Catalog
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	active map[activeKey]string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock sets the time source for instance timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator sets the instance ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// New creates a registry over a store and a definition catalog.
func New(store stores.Store, catalog *flow.Catalog, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		catalog: catalog,
		logger:  zerolog.Nop(),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		active:  make(map[activeKey]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Definition returns the definition of a flow type.
func (r *Registry) Definition(id string) (*flow.Definition, error) {
	return r.catalog.Definition(id)
}

// Definitions returns the registered flow types.
func (r *Registry) Definitions() []string {
	return r.catalog.IDs()
}

// Start creates an instance at the initial state of the flow type. The
// check against the active index and the insert happen under one lock.
func (r *Registry) Start(ctx context.Context, resourceID, definitionID string, payload map[string]interface{}) (*flow.Instance, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("resource id is required")
	}
	def, err := r.catalog.Definition(definitionID)
	if err != nil {
		return nil, err
	}

	key := activeKey{resourceID: resourceID, definitionID: definitionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.active[key]; ok {
		current, err := r.store.LoadInstance(ctx, id)
		switch {
		case err == nil && current.Active():
			return nil, fmt.Errorf("%w: %s has %s instance %s", ErrAlreadyRunning, resourceID, definitionID, id)
		case err == nil, errors.Is(err, stores.ErrNotFound):
			// ended without being released
			delete(r.active, key)
		default:
			return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
		}
	}

	now := r.now().UTC()
	inst := &flow.Instance{
		ID:               r.newID(),
		ResourceID:       resourceID,
		DefinitionID:     definitionID,
		CurrentState:     def.Initial(),
		Status:           flow.RunStatusRunning,
		Payload:          copyPayload(payload),
		CreatedAt:        now,
		LastTransitionAt: now,
	}
	if err := r.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, stores.ErrActiveExists) {
			return nil, fmt.Errorf("%w: %s has an active %s instance", ErrAlreadyRunning, resourceID, definitionID)
		}
		return nil, fmt.Errorf("failed to create %s instance for %s: %w", definitionID, resourceID, err)
	}
	r.active[key] = inst.ID

	r.metrics.RecordFlowStarted(definitionID)
	r.logger.Info().
		Str("flow_id", inst.ID).
		Str("resource_id", resourceID).
		Str("definition", definitionID).
		Msg("Flow started")
	return inst, nil
}

// Resume returns the active instance of a resource and indexes it.
func (r *Registry) Resume(ctx context.Context, resourceID string) (*flow.Instance, error) {
	inst, err := r.store.FindActive(ctx, resourceID, "")
	if err != nil {
		return nil, r.mapNotFound(err, resourceID)
	}
	r.track(inst)
	return inst, nil
}

// ResumeAll indexes every persisted active instance and returns the resumable
// ones, oldest first. Halted instances stay indexed until they are aborted.
func (r *Registry) ResumeAll(ctx context.Context) ([]*flow.Instance, error) {
	instances, err := r.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	resumable := make([]*flow.Instance, 0, len(instances))
	for _, inst := range instances {
		r.track(inst)
		if !inst.Resumable() {
			r.logger.Warn().
				Str("flow_id", inst.ID).
				Str("resource_id", inst.ResourceID).
				Str("state", string(inst.CurrentState)).
				Msg("Flow is halted, abort it to release the resource")
			continue
		}
		resumable = append(resumable, inst)
	}
	return resumable, nil
}

// Release removes an instance from the active index if it is still the
// indexed instance for its resource and flow type.
func (r *Registry) Release(inst *flow.Instance) bool {
	key := activeKey{resourceID: inst.ResourceID, definitionID: inst.DefinitionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.active[key]; ok && id == inst.ID {
		delete(r.active, key)
		return true
	}
	return false
}

// Abort flags the active instance of a resource for abortion. The engine
// honours the flag at the next step boundary.
func (r *Registry) Abort(ctx context.Context, resourceID string) (*flow.Instance, error) {
	inst, err := r.store.FindActive(ctx, resourceID, "")
	if err != nil {
		return nil, r.mapNotFound(err, resourceID)
	}
	if err := r.store.RequestAbort(ctx, inst.ID); err != nil {
		if errors.Is(err, stores.ErrNotActive) || errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s has no active flow", ErrNotFound, resourceID)
		}
		return nil, fmt.Errorf("failed to abort flow %s: %w", inst.ID, err)
	}
	inst.AbortRequested = true

	r.logger.Info().
		Str("flow_id", inst.ID).
		Str("resource_id", resourceID).
		Msg("Flow abort requested")
	return inst, nil
}

// Status returns the active instance of a resource, or its most recent one.
func (r *Registry) Status(ctx context.Context, resourceID string) (*flow.Instance, error) {
	inst, err := r.store.FindActive(ctx, resourceID, "")
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	inst, err = r.store.LatestInstance(ctx, resourceID)
	if err != nil {
		return nil, r.mapNotFound(err, resourceID)
	}
	return inst, nil
}

// History returns the history of a resource in append order. A positive
// limit keeps only the most recent entries.
func (r *Registry) History(ctx context.Context, resourceID string, limit int) ([]*flow.HistoryEntry, error) {
	entries, err := r.store.ListHistory(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", resourceID, err)
	}
	return entries, nil
}

// Active returns the IDs of the indexed active instances, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for _, id := range r.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) track(inst *flow.Instance) {
	if !inst.Active() {
		return
	}
	r.mu.Lock()
	r.active[activeKey{resourceID: inst.ResourceID, definitionID: inst.DefinitionID}] = inst.ID
	r.mu.Unlock()
}

func (r *Registry) mapNotFound(err error, resourceID string) error {
	if errors.Is(err, stores.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	}
	return err
}

func copyPayload(p map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
