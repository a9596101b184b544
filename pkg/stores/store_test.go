package stores

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/flow"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLiteStore(context.Background(), SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// setupRedisStore creates a Redis store backed by miniredis for testing
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	store := NewRedisStoreWithClient(client, "test")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var backends = []struct {
	name string
	open func(t *testing.T) Store
}{
	{"memory", func(*testing.T) Store { return NewMemoryStore() }},
	{"sqlite", func(t *testing.T) Store { return setupTestStore(t) }},
	{"redis", func(t *testing.T) Store { return setupRedisStore(t) }},
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newInstance(id, resourceID, definitionID string, offset time.Duration) *flow.Instance {
	created := epoch.Add(offset)
	return &flow.Instance{
		ID:               id,
		ResourceID:       resourceID,
		DefinitionID:     definitionID,
		CurrentState:     "Init",
		Status:           flow.RunStatusRunning,
		Payload:          map[string]interface{}{"count": 3, flow.PayloadActorID: "u-1"},
		CreatedAt:        created,
		LastTransitionAt: created,
	}
}

func transition(inst *flow.Instance, to flow.StateID, status flow.Status) *flow.HistoryEntry {
	inst.CurrentState = to
	inst.Sequence++
	inst.LastTransitionAt = inst.LastTransitionAt.Add(time.Second)
	return &flow.HistoryEntry{
		FlowID:     inst.ID,
		ResourceID: inst.ResourceID,
		Sequence:   inst.Sequence,
		State:      to,
		Event:      flow.EventSuccess,
		Status:     status,
		Message:    fmt.Sprintf("entered %s", to),
		Timestamp:  inst.LastTransitionAt,
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, b.open(t))
		})
	}
}

func TestCreateAndLoadInstance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.HealthCheck(ctx))

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))
		assert.Equal(t, int64(1), inst.Version)

		loaded, err := s.LoadInstance(ctx, "f-1")
		require.NoError(t, err)
		assert.Equal(t, "cluster-1", loaded.ResourceID)
		assert.Equal(t, flow.StateID("Init"), loaded.CurrentState)
		assert.Equal(t, flow.RunStatusRunning, loaded.Status)
		assert.Equal(t, "u-1", loaded.Str(flow.PayloadActorID))
		assert.EqualValues(t, 3, loaded.Payload["count"])
		assert.True(t, epoch.Equal(loaded.CreatedAt))

		_, err = s.LoadInstance(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSingleActiveInstancePerResource(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, first))

		err := s.CreateInstance(ctx, newInstance("f-2", "cluster-1", "upscale", time.Second))
		assert.ErrorIs(t, err, ErrActiveExists)

		// A different definition on the same resource is allowed.
		require.NoError(t, s.CreateInstance(ctx, newInstance("f-3", "cluster-1", "cluster-upgrade", 2*time.Second)))

		entry := transition(first, "Finished", flow.StatusSucceeded)
		first.Status = flow.RunStatusSucceeded
		require.NoError(t, s.CommitTransition(ctx, first, entry))

		require.NoError(t, s.CreateInstance(ctx, newInstance("f-4", "cluster-1", "upscale", 3*time.Second)))
	})
}

func TestCommitTransitionAppendsHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))

		for _, to := range []flow.StateID{"AddInstances", "Validate"} {
			entry := transition(inst, to, flow.StatusInProgress)
			inst.Payload["last"] = string(to)
			require.NoError(t, s.CommitTransition(ctx, inst, entry))
			assert.NotZero(t, entry.ID)
		}
		assert.Equal(t, int64(3), inst.Version)

		loaded, err := s.LoadInstance(ctx, "f-1")
		require.NoError(t, err)
		assert.Equal(t, flow.StateID("Validate"), loaded.CurrentState)
		assert.Equal(t, int64(2), loaded.Sequence)
		assert.Equal(t, int64(3), loaded.Version)
		assert.Equal(t, "Validate", loaded.Str("last"))

		history, err := s.ListHistory(ctx, "cluster-1", 0)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, flow.StateID("AddInstances"), history[0].State)
		assert.Equal(t, flow.StateID("Validate"), history[1].State)
		assert.Equal(t, int64(1), history[0].Sequence)
		assert.Equal(t, "f-1", history[1].FlowID)
		assert.Less(t, history[0].ID, history[1].ID)

		latest, err := s.ListHistory(ctx, "cluster-1", 1)
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, flow.StateID("Validate"), latest[0].State)
	})
}

func TestHaltedInstanceStaysActive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))

		inst.Halted = true
		inst.Error = "no transition for event SKIP"
		require.NoError(t, s.CommitTransition(ctx, inst, &flow.HistoryEntry{
			FlowID:     inst.ID,
			ResourceID: inst.ResourceID,
			Sequence:   inst.Sequence,
			State:      inst.CurrentState,
			Status:     flow.StatusHalted,
			Message:    inst.Error,
			Timestamp:  epoch,
		}))

		loaded, err := s.LoadInstance(ctx, "f-1")
		require.NoError(t, err)
		assert.True(t, loaded.Halted)
		assert.Equal(t, "no transition for event SKIP", loaded.Error)
		assert.False(t, loaded.Resumable())

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.True(t, active[0].Halted)

		err = s.CreateInstance(ctx, newInstance("f-2", "cluster-1", "upscale", time.Second))
		assert.ErrorIs(t, err, ErrActiveExists)

		require.NoError(t, s.RequestAbort(ctx, "f-1"))
		loaded, err = s.LoadInstance(ctx, "f-1")
		require.NoError(t, err)
		assert.True(t, loaded.Resumable())
	})
}

func TestStaleSaveIsRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))
		stale := inst.Clone()

		require.NoError(t, s.CommitTransition(ctx, inst, transition(inst, "AddInstances", flow.StatusInProgress)))

		err := s.CommitTransition(ctx, stale, transition(stale, "Validate", flow.StatusInProgress))
		assert.ErrorIs(t, err, ErrVersionConflict)

		history, err := s.ListHistory(ctx, "cluster-1", 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)

		err = s.SaveInstance(ctx, newInstance("ghost", "cluster-1", "upscale", 0))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRequestAbort(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))
		require.NoError(t, s.RequestAbort(ctx, "f-1"))

		// The engine's copy does not know about the flag yet; saving it must not clear it.
		require.NoError(t, s.SaveInstance(ctx, inst))

		loaded, err := s.LoadInstance(ctx, "f-1")
		require.NoError(t, err)
		assert.True(t, loaded.AbortRequested)

		loaded.Status = flow.RunStatusAborted
		require.NoError(t, s.CommitTransition(ctx, loaded, transition(loaded, "Fail", flow.StatusAborted)))

		assert.ErrorIs(t, s.RequestAbort(ctx, "f-1"), ErrNotActive)
		assert.ErrorIs(t, s.RequestAbort(ctx, "missing"), ErrNotFound)
	})
}

func TestActiveLookups(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.FindActive(ctx, "cluster-1", "")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.LatestInstance(ctx, "cluster-1")
		assert.ErrorIs(t, err, ErrNotFound)

		upscale := newInstance("f-1", "cluster-1", "upscale", 0)
		upgrade := newInstance("f-2", "cluster-1", "cluster-upgrade", time.Minute)
		other := newInstance("f-3", "cluster-2", "upscale", 2*time.Minute)
		for _, inst := range []*flow.Instance{upscale, upgrade, other} {
			require.NoError(t, s.CreateInstance(ctx, inst))
		}

		found, err := s.FindActive(ctx, "cluster-1", "")
		require.NoError(t, err)
		assert.Equal(t, "f-2", found.ID)

		found, err = s.FindActive(ctx, "cluster-1", "upscale")
		require.NoError(t, err)
		assert.Equal(t, "f-1", found.ID)

		upgrade.Status = flow.RunStatusFailed
		require.NoError(t, s.CommitTransition(ctx, upgrade, transition(upgrade, "Fail", flow.StatusFailed)))

		found, err = s.FindActive(ctx, "cluster-1", "")
		require.NoError(t, err)
		assert.Equal(t, "f-1", found.ID)

		latest, err := s.LatestInstance(ctx, "cluster-1")
		require.NoError(t, err)
		assert.Equal(t, "f-2", latest.ID)
		assert.Equal(t, flow.RunStatusFailed, latest.Status)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(active))
		for _, inst := range active {
			ids = append(ids, inst.ID)
		}
		assert.Equal(t, []string{"f-1", "f-3"}, ids)
	})
}

func TestAppendHistoryWithoutTransition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		entry := &flow.HistoryEntry{
			ResourceID: "cluster-1",
			Status:     flow.StatusProgress,
			Message:    "waiting for instances",
		}
		require.NoError(t, s.AppendHistory(ctx, entry))
		assert.NotZero(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())

		history, err := s.ListHistory(ctx, "cluster-1", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, flow.StatusProgress, history[0].Status)
		assert.Empty(t, history[0].FlowID)

		assert.Error(t, s.AppendHistory(ctx, &flow.HistoryEntry{Message: "no resource"}))
	})
}

func TestCommitRejectsForeignEntry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		inst := newInstance("f-1", "cluster-1", "upscale", 0)
		require.NoError(t, s.CreateInstance(ctx, inst))

		err := s.CommitTransition(ctx, inst, &flow.HistoryEntry{FlowID: "f-9", ResourceID: "cluster-1"})
		assert.Error(t, err)
	})
}

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))

	for _, table := range []string{"flow_instances", "flow_history"} {
		var count int
		err := store.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count)
		assert.NoError(t, err, table)
	}
}

func TestRedisCreateTakesOverDanglingClaim(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()

	// A claim without its instance, as left by a writer that died mid-create.
	require.NoError(t, s.client.Set(ctx, s.activePairKey("cluster-1", "upscale"), "f-lost", 0).Err())

	inst := newInstance("f-1", "cluster-1", "upscale", 0)
	require.NoError(t, s.CreateInstance(ctx, inst))

	found, err := s.FindActive(ctx, "cluster-1", "upscale")
	require.NoError(t, err)
	assert.Equal(t, "f-1", found.ID)

	err = s.CreateInstance(ctx, newInstance("f-2", "cluster-1", "upscale", time.Second))
	assert.ErrorIs(t, err, ErrActiveExists)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "f-1", active[0].ID)
}

func TestRedisCreateLeavesNothingBehindOnConflict(t *testing.T) {
	s := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, newInstance("f-1", "cluster-1", "upscale", 0)))
	err := s.CreateInstance(ctx, newInstance("f-2", "cluster-1", "upscale", time.Second))
	require.ErrorIs(t, err, ErrActiveExists)

	_, err = s.LoadInstance(ctx, "f-2")
	assert.ErrorIs(t, err, ErrNotFound)
	owner, err := s.client.Get(ctx, s.activePairKey("cluster-1", "upscale")).Result()
	require.NoError(t, err)
	assert.Equal(t, "f-1", owner)
}
