package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stackflow/stackflow/pkg/flow"
)

// MemoryStore keeps instances and history in process memory. It honours the
// same atomicity and uniqueness rules as the persistent stores.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*flow.Instance
	order     []string
	history   map[string][]*flow.HistoryEntry
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*flow.Instance),
		history:   make(map[string][]*flow.HistoryEntry),
	}
}

func (s *MemoryStore) CreateInstance(_ context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("flow instance %s already exists", inst.ID)
	}
	if inst.Active() {
		for _, other := range s.instances {
			if other.Active() && other.ResourceID == inst.ResourceID && other.DefinitionID == inst.DefinitionID {
				return fmt.Errorf("%w: resource %s, definition %s", ErrActiveExists, inst.ResourceID, inst.DefinitionID)
			}
		}
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	s.instances[inst.ID] = inst.Clone()
	s.order = append(s.order, inst.ID)
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) SaveInstance(_ context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(inst); err != nil {
		return err
	}
	return nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry *flow.HistoryEntry) error {
	if entry == nil || entry.ResourceID == "" {
		return fmt.Errorf("history entry requires a resource id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.append(entry)
	return nil
}

func (s *MemoryStore) CommitTransition(_ context.Context, inst *flow.Instance, entry *flow.HistoryEntry) error {
	if err := checkTransition(inst, entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.update(inst); err != nil {
		return err
	}
	s.append(entry)
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, resourceID, definitionID string) (*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		inst := s.instances[s.order[i]]
		if inst.ResourceID != resourceID || !inst.Active() {
			continue
		}
		if definitionID != "" && inst.DefinitionID != definitionID {
			continue
		}
		return inst.Clone(), nil
	}
	return nil, fmt.Errorf("%w: no active flow for resource %s", ErrNotFound, resourceID)
}

func (s *MemoryStore) LatestInstance(_ context.Context, resourceID string) (*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		if inst := s.instances[s.order[i]]; inst.ResourceID == resourceID {
			return inst.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no flow for resource %s", ErrNotFound, resourceID)
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*flow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := []*flow.Instance{}
	for _, id := range s.order {
		if inst := s.instances[id]; inst.Active() {
			instances = append(instances, inst.Clone())
		}
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

func (s *MemoryStore) ListHistory(_ context.Context, resourceID string, limit int) ([]*flow.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.history[resourceID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	entries := make([]*flow.HistoryEntry, 0, len(all))
	for _, e := range all {
		c := *e
		entries = append(entries, &c)
	}
	return entries, nil
}

func (s *MemoryStore) RequestAbort(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !inst.Active() {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	inst.AbortRequested = true
	return nil
}

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) update(inst *flow.Instance) error {
	stored, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
	}
	if stored.Version != inst.Version {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.ID, inst.Version)
	}

	next := inst.Clone()
	next.Version = stored.Version + 1
	next.AbortRequested = stored.AbortRequested || inst.AbortRequested
	next.CreatedAt = stored.CreatedAt
	s.instances[inst.ID] = next
	inst.Version = next.Version
	return nil
}

func (s *MemoryStore) append(entry *flow.HistoryEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.nextID++
	entry.ID = s.nextID
	c := *entry
	s.history[entry.ResourceID] = append(s.history[entry.ResourceID], &c)
}
