package flows

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/engine"
	"github.com/stackflow/stackflow/pkg/features"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/history"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/provider"
	"github.com/stackflow/stackflow/pkg/provider/mock"
	"github.com/stackflow/stackflow/pkg/registry"
	"github.com/stackflow/stackflow/pkg/retry"
	"github.com/stackflow/stackflow/pkg/stores"
)

func testOptions() Options {
	return Options{
		Poll:        poll.FixedInterval(time.Millisecond),
		PollTimeout: 2 * time.Second,
		Lookup: retry.Policy{
			MaxAttempts: 3,
			Delay:       time.Millisecond,
			Classes:     []flow.ErrorClass{flow.ErrorClassNotFoundYet},
		},
	}
}

type harness struct {
	provider *mock.Provider
	store    *stores.MemoryStore
	registry *registry.Registry
	engine   *engine.Engine
	sink     *history.MemorySink
}

func newHarness(t *testing.T, entitlements features.Static) *harness {
	t.Helper()
	p := mock.New()
	p.AddCluster(provider.Cluster{ID: "cluster-1", AccountID: "acc-1", Instances: 3, RuntimeVersion: "7.2.16"})
	p.AddDatabase("db-1", provider.DatabaseStopped)

	catalog, err := Catalog(p, testOptions())
	require.NoError(t, err)

	store := stores.NewMemoryStore()
	reg := registry.New(store, catalog)
	sink := history.NewMemorySink()
	rec := history.NewRecorder(store, history.WithSink("memory", sink))
	eng := engine.New(catalog, store,
		engine.WithRecorder(rec),
		engine.WithReleaser(reg),
		engine.WithFeatures(features.NewLookup(entitlements)),
	)
	return &harness{provider: p, store: store, registry: reg, engine: eng, sink: sink}
}

func (h *harness) run(t *testing.T, resourceID, flowType string, payload map[string]interface{}) *flow.Instance {
	t.Helper()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload[flow.PayloadActorID] = "crn:user:1"
	if _, ok := payload[flow.PayloadAccountID]; !ok {
		payload[flow.PayloadAccountID] = "acc-1"
	}
	inst, err := h.registry.Start(context.Background(), resourceID, flowType, payload)
	require.NoError(t, err)
	require.NoError(t, h.engine.Run(context.Background(), inst))
	return inst
}

// transitions returns the states of the transition entries, skipping progress.
func (h *harness) transitions(t *testing.T, resourceID string) []flow.StateID {
	t.Helper()
	entries, err := h.store.ListHistory(context.Background(), resourceID, 0)
	require.NoError(t, err)
	var out []flow.StateID
	for _, e := range entries {
		if e.Status != flow.StatusProgress {
			out = append(out, e.State)
		}
	}
	return out
}

func TestDefinitionsAreValid(t *testing.T) {
	defs, err := Definitions(mock.New(), DefaultOptions())
	require.NoError(t, err)

	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		require.NoError(t, flow.Validate(d))
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{Upscale, UpscaleFull, ClusterUpgrade, DatabaseStart}, ids)
}

func TestUpscale(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.run(t, "cluster-1", Upscale, map[string]interface{}{PayloadInstanceCount: 2})

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.Equal(t, []flow.StateID{"AddInstances", "Validate", "Finished"}, h.transitions(t, "cluster-1"))
	assert.Equal(t, 1, h.provider.Calls(mock.OpAddInstances))
	assert.Equal(t, 1, h.provider.Calls(mock.OpValidateInstances))

	c, err := h.provider.GetCluster(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.Instances)
	assert.Equal(t, 5, c.RunningCount)
}

func TestUpscaleRejectsMissingCount(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.run(t, "cluster-1", Upscale, nil)

	assert.Equal(t, flow.RunStatusFailed, inst.Status)
	assert.Contains(t, inst.Error, PayloadInstanceCount)
	assert.Zero(t, h.provider.Calls(mock.OpAddInstances))
}

func TestUpscaleWaitsForClusterToAppear(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.HideCluster("cluster-1", 2)

	inst := h.run(t, "cluster-1", Upscale, map[string]interface{}{PayloadInstanceCount: 1})

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.Contains(t, h.sink.Statuses(), flow.StatusProgress)
}

func TestUpscaleFailsWhenClusterNeverAppears(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.HideCluster("cluster-1", 10)

	inst := h.run(t, "cluster-1", Upscale, map[string]interface{}{PayloadInstanceCount: 1})

	assert.Equal(t, flow.RunStatusFailed, inst.Status)
	assert.Equal(t, flow.StateID("Fail"), inst.CurrentState)
	assert.Contains(t, inst.Error, "not found")
}

func TestAddInstancesSkipsRequestedInstancesOnResume(t *testing.T) {
	p := mock.New(mock.WithSettleAfter(0))
	p.AddCluster(provider.Cluster{ID: "cluster-1", Instances: 3})
	a := &actions{p: p, opts: testOptions()}

	inst := &flow.Instance{
		ID:           "flow-1",
		ResourceID:   "cluster-1",
		DefinitionID: Upscale,
		CurrentState: "AddInstances",
		Payload:      map[string]interface{}{PayloadDesiredInstances: float64(5)},
	}
	for i := 0; i < 2; i++ {
		ac := flow.NewActionContext(inst, zerolog.Nop())
		ev, err := a.addInstances(context.Background(), ac)
		require.NoError(t, err)
		assert.Equal(t, flow.EventSuccess, ev.Kind)
	}
	assert.Equal(t, 1, p.Calls(mock.OpAddInstances))
}

func TestUpscaleFullWithClusterProxy(t *testing.T) {
	h := newHarness(t, features.Static{"acc-1": {features.FeatureClusterProxy}})
	inst := h.run(t, "cluster-1", UpscaleFull, map[string]interface{}{PayloadInstanceCount: 1})

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.Equal(t, []flow.StateID{
		"AddInstances", "Validate", "Bootstrap", "CollectMetadata", "Install",
		"UpdateClusterProxy", "UpdateMetadata", "Finished",
	}, h.transitions(t, "cluster-1"))
	assert.Equal(t, 1, h.provider.Calls(mock.OpRegisterClusterProxy))
	assert.Len(t, inst.Payload[PayloadHosts], 4)
}

func TestUpscaleFullWithoutClusterProxy(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.run(t, "cluster-1", UpscaleFull, map[string]interface{}{PayloadInstanceCount: 1})

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.NotContains(t, h.transitions(t, "cluster-1"), flow.StateID("UpdateClusterProxy"))
	assert.Zero(t, h.provider.Calls(mock.OpRegisterClusterProxy))
}

func TestClusterUpgrade(t *testing.T) {
	h := newHarness(t, features.Static{"*": {features.FeatureRuntimeUpgrade}})
	inst := h.run(t, "cluster-1", ClusterUpgrade, map[string]interface{}{PayloadTargetVersion: "7.2.17"})

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.Equal(t, []string{provider.StatusUpdateInProgress, provider.StatusAvailable},
		h.provider.ClusterStatuses("cluster-1"))

	c, err := h.provider.GetCluster(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, "7.2.17", c.RuntimeVersion)
	assert.Equal(t, "Runtime upgraded to 7.2.17", c.StatusReason)
}

func TestClusterUpgradeFailureIsRecorded(t *testing.T) {
	h := newHarness(t, features.Static{"*": {features.FeatureRuntimeUpgrade}})
	h.provider.Fail(mock.OpUpgradeRuntime, flow.NewPermanentError("image not found", nil), 1)

	inst := h.run(t, "cluster-1", ClusterUpgrade, map[string]interface{}{PayloadTargetVersion: "7.2.17"})

	assert.Equal(t, flow.RunStatusFailed, inst.Status)
	assert.Equal(t, []flow.StateID{"UpgradeStarted", "Upgrade", "HandleFailure", "Fail"}, h.transitions(t, "cluster-1"))
	assert.Equal(t, []string{provider.StatusUpdateInProgress, provider.StatusUpdateFailed},
		h.provider.ClusterStatuses("cluster-1"))
	assert.Contains(t, inst.Error, "image not found")

	c, err := h.provider.GetCluster(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Contains(t, c.StatusReason, "image not found")
}

func TestClusterUpgradeRequiresEntitlement(t *testing.T) {
	h := newHarness(t, features.Static{"acc-2": {features.FeatureRuntimeUpgrade}})
	inst := h.run(t, "cluster-1", ClusterUpgrade, map[string]interface{}{PayloadTargetVersion: "7.2.17"})

	assert.Equal(t, flow.RunStatusFailed, inst.Status)
	assert.Equal(t, []flow.StateID{"Fail"}, h.transitions(t, "cluster-1"))
	assert.Empty(t, h.provider.ClusterStatuses("cluster-1"))
	assert.Contains(t, inst.Error, "not entitled")
}

func TestDatabaseStart(t *testing.T) {
	h := newHarness(t, nil)
	inst := h.run(t, "db-1", DatabaseStart, nil)

	assert.Equal(t, flow.RunStatusSucceeded, inst.Status)
	assert.Equal(t, []flow.StateID{"WaitAvailable", "Finished"}, h.transitions(t, "db-1"))

	status, err := h.provider.DatabaseStatus(context.Background(), "db-1")
	require.NoError(t, err)
	assert.Equal(t, provider.DatabaseAvailable, status)
}

func TestDatabaseStartFailsOnFailedStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddDatabase("db-2", provider.DatabaseFailed)

	inst := h.run(t, "db-2", DatabaseStart, nil)

	assert.Equal(t, flow.RunStatusFailed, inst.Status)
	assert.Equal(t, []flow.StateID{"WaitAvailable", "Fail"}, h.transitions(t, "db-2"))
	assert.Contains(t, inst.Error, "entered status failed")
}
