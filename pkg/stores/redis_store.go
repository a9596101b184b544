package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackflow/stackflow/pkg/flow"
)

const maxWatchRetries = 5

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	Addrs     []string
	Password  string
	DB        int
	Namespace string
}

// RedisStore implements the Store interface on Redis. Instances are JSON
// documents; commits run as WATCH/MULTI transactions on the instance key and
// creates claim the active (resource, definition) pair in the same transaction
// as the write.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore connects to Redis
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "stackflow"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(args ...string) string {
	return fmt.Sprintf("%s:%s", s.namespace, strings.Join(args, ":"))
}

func (s *RedisStore) instanceKey(id string) string { return s.key("instance", id) }

func (s *RedisStore) abortKey(id string) string { return s.key("abort", id) }

func (s *RedisStore) resourceKey(resourceID string) string { return s.key("resource", resourceID) }

func (s *RedisStore) historyKey(resourceID string) string { return s.key("history", resourceID) }

func (s *RedisStore) activeSetKey() string { return s.key("active") }

func (s *RedisStore) activePairKey(resourceID, definitionID string) string {
	return s.key("active", resourceID, definitionID)
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// CreateInstance claims the active (resource, definition) pair and writes the
// instance in one WATCH/MULTI transaction. A claim whose instance is missing
// or has ended is taken over.
func (s *RedisStore) CreateInstance(ctx context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}
	if inst.Version == 0 {
		inst.Version = 1
	}

	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	pairKey := s.activePairKey(inst.ResourceID, inst.DefinitionID)
	score := float64(inst.CreatedAt.UnixMicro())
	txf := func(tx *redis.Tx) error {
		stale := ""
		if inst.Active() {
			owner, err := s.staleClaim(ctx, tx, pairKey, inst)
			if err != nil {
				return err
			}
			stale = owner
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.instanceKey(inst.ID), data, 0)
			pipe.ZAdd(ctx, s.resourceKey(inst.ResourceID), redis.Z{Score: score, Member: inst.ID})
			if inst.Active() {
				pipe.Set(ctx, pairKey, inst.ID, 0)
				pipe.ZAdd(ctx, s.activeSetKey(), redis.Z{Score: score, Member: inst.ID})
			}
			if stale != "" {
				pipe.ZRem(ctx, s.activeSetKey(), stale)
			}
			if inst.AbortRequested {
				pipe.Set(ctx, s.abortKey(inst.ID), "1", 0)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, pairKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrActiveExists) {
			return err
		}
		return fmt.Errorf("failed to create flow instance: %w", err)
	}
	return fmt.Errorf("%w: resource %s, definition %s: too many concurrent writers",
		ErrActiveExists, inst.ResourceID, inst.DefinitionID)
}

// staleClaim reads the claim on pairKey. It fails with ErrActiveExists while
// the claiming instance is active and otherwise returns the ID of a stale
// owner, if any.
func (s *RedisStore) staleClaim(ctx context.Context, tx *redis.Tx, pairKey string, inst *flow.Instance) (string, error) {
	owner, err := tx.Get(ctx, pairKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read active claim: %w", err)
	}

	stored, err := s.getInstance(ctx, tx, owner)
	switch {
	case errors.Is(err, ErrNotFound):
		return owner, nil
	case err != nil:
		return "", err
	case stored.Active():
		return "", fmt.Errorf("%w: resource %s, definition %s", ErrActiveExists, inst.ResourceID, inst.DefinitionID)
	}
	return owner, nil
}

func (s *RedisStore) LoadInstance(ctx context.Context, id string) (*flow.Instance, error) {
	inst, err := s.getInstance(ctx, s.client, id)
	if err != nil {
		return nil, err
	}

	n, err := s.client.Exists(ctx, s.abortKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read abort flag: %w", err)
	}
	inst.AbortRequested = n > 0
	return inst, nil
}

func (s *RedisStore) SaveInstance(ctx context.Context, inst *flow.Instance) error {
	if err := checkInstance(inst); err != nil {
		return err
	}
	return s.commit(ctx, inst, nil)
}

func (s *RedisStore) AppendHistory(ctx context.Context, entry *flow.HistoryEntry) error {
	if entry == nil || entry.ResourceID == "" {
		return fmt.Errorf("history entry requires a resource id")
	}
	data, err := s.prepareEntry(ctx, entry)
	if err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.historyKey(entry.ResourceID), data).Err(); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *RedisStore) CommitTransition(ctx context.Context, inst *flow.Instance, entry *flow.HistoryEntry) error {
	if err := checkTransition(inst, entry); err != nil {
		return err
	}
	return s.commit(ctx, inst, entry)
}

func (s *RedisStore) FindActive(ctx context.Context, resourceID, definitionID string) (*flow.Instance, error) {
	if definitionID != "" {
		id, err := s.client.Get(ctx, s.activePairKey(resourceID, definitionID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: no active flow for resource %s", ErrNotFound, resourceID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find active flow instance: %w", err)
		}
		return s.LoadInstance(ctx, id)
	}

	ids, err := s.client.ZRevRange(ctx, s.resourceKey(resourceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flow instances: %w", err)
	}
	for _, id := range ids {
		inst, err := s.LoadInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Active() {
			return inst, nil
		}
	}
	return nil, fmt.Errorf("%w: no active flow for resource %s", ErrNotFound, resourceID)
}

func (s *RedisStore) LatestInstance(ctx context.Context, resourceID string) (*flow.Instance, error) {
	ids, err := s.client.ZRevRange(ctx, s.resourceKey(resourceID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flow instances: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no flow for resource %s", ErrNotFound, resourceID)
	}
	return s.LoadInstance(ctx, ids[0])
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*flow.Instance, error) {
	ids, err := s.client.ZRange(ctx, s.activeSetKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active flow instances: %w", err)
	}

	instances := make([]*flow.Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.LoadInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Active() {
			instances = append(instances, inst)
		}
	}
	return instances, nil
}

func (s *RedisStore) ListHistory(ctx context.Context, resourceID string, limit int) ([]*flow.HistoryEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}

	items, err := s.client.LRange(ctx, s.historyKey(resourceID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	entries := make([]*flow.HistoryEntry, 0, len(items))
	for _, item := range items {
		var entry flow.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *RedisStore) RequestAbort(ctx context.Context, id string) error {
	inst, err := s.getInstance(ctx, s.client, id)
	if err != nil {
		return err
	}
	if !inst.Active() {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if err := s.client.Set(ctx, s.abortKey(id), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to request abort: %w", err)
	}
	return nil
}

func (s *RedisStore) commit(ctx context.Context, inst *flow.Instance, entry *flow.HistoryEntry) error {
	var entryData []byte
	if entry != nil {
		data, err := s.prepareEntry(ctx, entry)
		if err != nil {
			return err
		}
		entryData = data
	}

	key := s.instanceKey(inst.ID)
	txf := func(tx *redis.Tx) error {
		stored, err := s.getInstance(ctx, tx, inst.ID)
		if err != nil {
			return err
		}
		if stored.Version != inst.Version {
			return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.ID, inst.Version)
		}

		next := inst.Clone()
		next.Version = stored.Version + 1
		next.CreatedAt = stored.CreatedAt
		next.AbortRequested = false
		data, err := encodeInstance(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if inst.AbortRequested {
				pipe.Set(ctx, s.abortKey(inst.ID), "1", 0)
			}
			if stored.Active() && !next.Active() {
				pipe.Del(ctx, s.activePairKey(inst.ResourceID, inst.DefinitionID))
				pipe.ZRem(ctx, s.activeSetKey(), inst.ID)
			}
			if entryData != nil {
				pipe.RPush(ctx, s.historyKey(inst.ResourceID), entryData)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			inst.Version++
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s: too many concurrent writers", ErrVersionConflict, inst.ID)
}

// prepareEntry assigns the entry ID and timestamp and encodes it.
func (s *RedisStore) prepareEntry(ctx context.Context, entry *flow.HistoryEntry) ([]byte, error) {
	id, err := s.client.Incr(ctx, s.key("history-seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate history id: %w", err)
	}
	entry.ID = id
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history entry: %w", err)
	}
	return data, nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getInstance(ctx context.Context, c stringGetter, id string) (*flow.Instance, error) {
	data, err := c.Get(ctx, s.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow instance: %w", err)
	}

	var inst flow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to decode flow instance: %w", err)
	}
	if inst.Payload == nil {
		inst.Payload = make(map[string]interface{})
	}
	return &inst, nil
}

func encodeInstance(inst *flow.Instance) ([]byte, error) {
	c := inst.Clone()
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastTransitionAt = c.LastTransitionAt.UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow instance: %w", err)
	}
	return data, nil
}
