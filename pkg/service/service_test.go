package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackflow/stackflow/pkg/engine"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/flows"
	"github.com/stackflow/stackflow/pkg/history"
	"github.com/stackflow/stackflow/pkg/policy"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/provider"
	"github.com/stackflow/stackflow/pkg/provider/mock"
	"github.com/stackflow/stackflow/pkg/registry"
	"github.com/stackflow/stackflow/pkg/retry"
	"github.com/stackflow/stackflow/pkg/stores"
)

type recordingScheduler struct {
	mu        sync.Mutex
	submitted []*flow.Instance
	err       error
}

func (s *recordingScheduler) Submit(_ context.Context, inst *flow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, inst)
	return nil
}

func (s *recordingScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type fixture struct {
	store    *stores.MemoryStore
	registry *registry.Registry
	engine   *engine.Engine
	sink     *history.MemorySink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := mock.New()
	p.AddCluster(provider.Cluster{ID: "cluster-1", AccountID: "acc-1", Instances: 3, RuntimeVersion: "7.2.16"})
	p.AddCluster(provider.Cluster{ID: "cluster-2", AccountID: "acc-1", Instances: 1, RuntimeVersion: "7.2.16"})

	catalog, err := flows.Catalog(p, flows.Options{
		Poll:        poll.FixedInterval(time.Millisecond),
		PollTimeout: 2 * time.Second,
		Lookup:      retry.Policy{MaxAttempts: 1},
	})
	require.NoError(t, err)

	store := stores.NewMemoryStore()
	reg := registry.New(store, catalog)
	sink := history.NewMemorySink()
	eng := engine.New(catalog, store,
		engine.WithRecorder(history.NewRecorder(store, history.WithSink("memory", sink))),
		engine.WithReleaser(reg),
	)
	return &fixture{store: store, registry: reg, engine: eng, sink: sink}
}

func upscaleBy(n int) map[string]interface{} {
	return map[string]interface{}{
		flows.PayloadInstanceCount: n,
		flow.PayloadAccountID:      "acc-1",
	}
}

func TestStartFlowRunsToCompletion(t *testing.T) {
	f := newFixture(t)

	done := make(chan *flow.Instance, 1)
	pool := engine.NewPool(f.engine, 2, 4, engine.OnDone(func(inst *flow.Instance, err error) {
		assert.NoError(t, err)
		done <- inst
	}))
	pool.Start(context.Background())
	defer pool.Stop()

	svc := New(f.registry, pool)
	inst, err := svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(2))
	require.NoError(t, err)
	assert.Equal(t, flow.StateID("Init"), inst.CurrentState)

	select {
	case finished := <-done:
		assert.Equal(t, inst.ID, finished.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("flow did not finish")
	}

	status, err := svc.GetFlowStatus(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.True(t, status.Terminal)
	assert.Equal(t, flow.StatusSucceeded, status.Status)
	require.NotNil(t, status.LastEntry)
	assert.Equal(t, flow.StateID("Finished"), status.LastEntry.State)
	assert.Equal(t, flow.RunStatusSucceeded, status.Instance.Status)

	entries, err := svc.GetHistory(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Equal(t, flow.StatusSucceeded, entries[len(entries)-1].Status)

	var notified []flow.Status
	for _, st := range f.sink.Statuses() {
		if st != flow.StatusProgress {
			notified = append(notified, st)
		}
	}
	assert.Equal(t, []flow.Status{flow.StatusInProgress, flow.StatusInProgress, flow.StatusSucceeded}, notified)
}

func TestStartFlowDeniedByPolicy(t *testing.T) {
	f := newFixture(t)
	admission, err := policy.NewEngine(zerolog.Nop(), policy.WithParams(policy.Params{MaxScaleStep: 1}))
	require.NoError(t, err)

	sched := &recordingScheduler{}
	svc := New(f.registry, sched, WithAdmission(admission))

	_, err = svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(2))
	var denied *policy.DeniedError
	require.True(t, errors.As(err, &denied))
	require.Len(t, denied.Violations, 1)
	assert.Equal(t, "max-scale-step", denied.Violations[0].Policy)
	assert.Zero(t, sched.count())

	_, err = svc.GetFlowStatus(context.Background(), "cluster-1")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	require.NoError(t, err)
	assert.Equal(t, 1, sched.count())
}

func TestStartFlowRejectsUnknownFlowType(t *testing.T) {
	f := newFixture(t)
	sched := &recordingScheduler{}
	svc := New(f.registry, sched)

	_, err := svc.StartFlow(context.Background(), "cluster-1", "reboot", nil)
	require.Error(t, err)
	assert.Zero(t, sched.count())
}

func TestStartFlowAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	svc := New(f.registry, &recordingScheduler{})

	_, err := svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	require.NoError(t, err)
	_, err = svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	assert.ErrorIs(t, err, registry.ErrAlreadyRunning)

	_, err = svc.StartFlow(context.Background(), "cluster-2", flows.Upscale, upscaleBy(1))
	assert.NoError(t, err)
}

func TestStartFlowReturnsUnscheduledInstance(t *testing.T) {
	f := newFixture(t)
	svc := New(f.registry, &recordingScheduler{err: engine.ErrPoolClosed})

	inst, err := svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	require.ErrorIs(t, err, engine.ErrPoolClosed)
	require.NotNil(t, inst)

	active, err := f.store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, inst.ID, active[0].ID)
}

func TestGetFlowStatusBeforeFirstStep(t *testing.T) {
	f := newFixture(t)
	svc := New(f.registry, &recordingScheduler{})

	inst, err := svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	require.NoError(t, err)

	status, err := svc.GetFlowStatus(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, status.Instance.ID)
	assert.Equal(t, flow.StatusInProgress, status.Status)
	assert.False(t, status.Terminal)
	assert.Nil(t, status.LastEntry)
}

func TestAbortFlow(t *testing.T) {
	f := newFixture(t)
	sched := &recordingScheduler{}
	svc := New(f.registry, sched)

	_, err := svc.StartFlow(context.Background(), "cluster-1", flows.Upscale, upscaleBy(1))
	require.NoError(t, err)

	aborted, err := svc.AbortFlow(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.True(t, aborted.AbortRequested)

	require.Equal(t, 1, sched.count())
	require.NoError(t, f.engine.Run(context.Background(), sched.submitted[0]))

	status, err := svc.GetFlowStatus(context.Background(), "cluster-1")
	require.NoError(t, err)
	assert.True(t, status.Terminal)
	assert.Equal(t, flow.StatusAborted, status.Status)
	assert.Equal(t, flow.RunStatusAborted, status.Instance.Status)

	_, err = svc.AbortFlow(context.Background(), "cluster-1")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestResumeSchedulesActiveFlows(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"cluster-1", "cluster-2"} {
		_, err := f.registry.Start(context.Background(), id, flows.Upscale, upscaleBy(1))
		require.NoError(t, err)
	}

	sched := &recordingScheduler{}
	svc := New(registry.New(f.store, mustCatalog(t, f)), sched)

	n, err := svc.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, sched.count())
}

func mustCatalog(t *testing.T, f *fixture) *flow.Catalog {
	t.Helper()
	ids := f.registry.Definitions()
	defs := make([]*flow.Definition, 0, len(ids))
	for _, id := range ids {
		d, err := f.registry.Definition(id)
		require.NoError(t, err)
		defs = append(defs, d)
	}
	catalog, err := flow.NewCatalog(defs...)
	require.NoError(t, err)
	return catalog
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t)
	svc := New(f.registry, &recordingScheduler{})

	assert.ElementsMatch(t, []string{flows.Upscale, flows.UpscaleFull, flows.ClusterUpgrade, flows.DatabaseStart}, svc.Definitions())
	def, err := svc.Definition(flows.DatabaseStart)
	require.NoError(t, err)
	assert.Equal(t, flows.DatabaseStart, def.ID())
}
