package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stackflow/stackflow/pkg/flow"
)

var (
	// ErrNotFound is returned when an instance does not exist.
	ErrNotFound = errors.New("flow instance not found")

	// ErrActiveExists is returned when creating a second active instance for
	// the same resource and definition.
	ErrActiveExists = errors.New("active flow instance already exists")

	// ErrVersionConflict is returned when a save races with another writer.
	ErrVersionConflict = errors.New("flow instance version conflict")

	// ErrNotActive is returned when aborting an instance that already ended.
	ErrNotActive = errors.New("flow instance is not active")
)

// Store persists flow instances and their history.
//
// CommitTransition is the write-ahead step of the engine: the instance snapshot
// and the history entry of one transition are stored atomically, so a crash
// never leaves a transition without its entry or an entry without its
// transition. Saves use optimistic concurrency on Instance.Version; on success
// the store increments the version of the passed instance.
type Store interface {
	// CreateInstance persists a new instance. It fails with ErrActiveExists
	// when an active instance exists for the same resource and definition.
	CreateInstance(ctx context.Context, inst *flow.Instance) error

	// LoadInstance returns the instance with the given ID or ErrNotFound.
	LoadInstance(ctx context.Context, id string) (*flow.Instance, error)

	// SaveInstance stores the instance snapshot without a history entry.
	SaveInstance(ctx context.Context, inst *flow.Instance) error

	// AppendHistory appends an entry that is not tied to a transition. The
	// store assigns the entry ID.
	AppendHistory(ctx context.Context, entry *flow.HistoryEntry) error

	// CommitTransition stores the instance snapshot and its history entry atomically.
	CommitTransition(ctx context.Context, inst *flow.Instance, entry *flow.HistoryEntry) error

	// FindActive returns the most recent active instance for the resource.
	// An empty definitionID matches any definition.
	FindActive(ctx context.Context, resourceID, definitionID string) (*flow.Instance, error)

	// LatestInstance returns the most recently created instance for the
	// resource, active or not.
	LatestInstance(ctx context.Context, resourceID string) (*flow.Instance, error)

	// ListActive returns every active instance, oldest first.
	ListActive(ctx context.Context) ([]*flow.Instance, error)

	// ListHistory returns the history of a resource in append order. A
	// positive limit keeps only the most recent entries.
	ListHistory(ctx context.Context, resourceID string, limit int) ([]*flow.HistoryEntry, error)

	// RequestAbort sets the abort flag of an active instance. The flag does
	// not change the instance version.
	RequestAbort(ctx context.Context, id string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

func encodePayload(p map[string]interface{}) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(s string) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if s == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}

func checkInstance(inst *flow.Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" || inst.ResourceID == "" || inst.DefinitionID == "" {
		return fmt.Errorf("instance requires id, resource id and definition id")
	}
	if err := inst.Status.Validate(); err != nil {
		return err
	}
	return nil
}

func checkTransition(inst *flow.Instance, entry *flow.HistoryEntry) error {
	if err := checkInstance(inst); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("history entry is nil")
	}
	if entry.FlowID != inst.ID || entry.ResourceID != inst.ResourceID {
		return fmt.Errorf("history entry does not belong to instance %s", inst.ID)
	}
	return nil
}
