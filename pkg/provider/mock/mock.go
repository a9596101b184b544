// Package mock provides an in-memory Provider whose resources converge after
// a configurable number of observations. Faults can be injected per operation.
package mock

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/provider"
)

// Operation names usable with Fail and Calls.
const (
	OpGetCluster           = "GetCluster"
	OpAddInstances         = "AddInstances"
	OpValidateInstances    = "ValidateInstances"
	OpBootstrap            = "Bootstrap"
	OpCollectMetadata      = "CollectMetadata"
	OpInstall              = "Install"
	OpRegisterClusterProxy = "RegisterClusterProxy"
	OpUpgradeRuntime       = "UpgradeRuntime"
	OpUpdateClusterStatus  = "UpdateClusterStatus"
	OpStartDatabase        = "StartDatabase"
	OpDatabaseStatus       = "DatabaseStatus"
)

type clusterState struct {
	cluster        provider.Cluster
	hidden         int
	pendingAdds    int
	targetVersion  string
	pendingUpgrade int
	statuses       []string
}

type databaseState struct {
	status  string
	pending int
}

type fault struct {
	err       error
	remaining int
}

// Provider is an in-memory provider.
type Provider struct {
	mu          sync.Mutex
	settleAfter int
	clusters    map[string]*clusterState
	databases   map[string]*databaseState
	faults      map[string]*fault
	calls       map[string]int
}

// Option configures a Provider.
type Option func(*Provider)

// WithSettleAfter sets how many observations a change stays pending.
func WithSettleAfter(n int) Option {
	return func(p *Provider) { p.settleAfter = n }
}

// New creates an empty provider. Changes settle after two observations.
func New(opts ...Option) *Provider {
	p := &Provider{
		settleAfter: 2,
		clusters:    make(map[string]*clusterState),
		databases:   make(map[string]*databaseState),
		faults:      make(map[string]*fault),
		calls:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddCluster registers a running cluster.
func (p *Provider) AddCluster(c provider.Cluster) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Status == "" {
		c.Status = provider.StatusAvailable
	}
	if c.RunningCount == 0 {
		c.RunningCount = c.Instances
	}
	p.clusters[c.ID] = &clusterState{cluster: c}
}

// HideCluster makes the next n lookups of the cluster miss.
func (p *Provider) HideCluster(id string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clusters[id]; ok {
		c.hidden = n
	}
}

// AddDatabase registers a database in the given status.
func (p *Provider) AddDatabase(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.databases[id] = &databaseState{status: status}
}

// Fail makes the next n calls of op fail with err. A negative n fails every call.
func (p *Provider) Fail(op string, err error, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = &fault{err: err, remaining: n}
}

// Calls returns how often op was called.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// ClusterStatuses returns the business statuses recorded for a cluster.
func (p *Provider) ClusterStatuses(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clusters[id]; ok {
		return append([]string(nil), c.statuses...)
	}
	return nil
}

// enter records the call and returns an injected fault. It must be called
// with the lock held.
func (p *Provider) enter(op string) error {
	p.calls[op]++
	f, ok := p.faults[op]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(p.faults, op)
		}
	}
	return f.err
}

func (p *Provider) cluster(id string) (*clusterState, error) {
	c, ok := p.clusters[id]
	if !ok {
		return nil, flow.NewPermanentError(fmt.Sprintf("cluster %s does not exist", id), nil).
			WithCode(flow.ErrCodeProviderFailed).WithResource(id)
	}
	return c, nil
}

// GetCluster implements provider.Provider. Every lookup counts as an
// observation of pending changes.
func (p *Provider) GetCluster(_ context.Context, id string) (*provider.Cluster, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpGetCluster); err != nil {
		return nil, err
	}
	c, ok := p.clusters[id]
	if !ok || c.hidden > 0 {
		if ok {
			c.hidden--
		}
		return nil, flow.NewNotFoundYetError(fmt.Sprintf("cluster %s not found", id), nil).WithResource(id)
	}

	if c.pendingAdds > 0 {
		c.pendingAdds--
		if c.pendingAdds == 0 {
			c.cluster.RunningCount = c.cluster.Instances
		}
	}
	if c.pendingUpgrade > 0 {
		c.pendingUpgrade--
		if c.pendingUpgrade == 0 {
			c.cluster.RuntimeVersion = c.targetVersion
		}
	}

	out := c.cluster
	out.Metadata = maps.Clone(c.cluster.Metadata)
	return &out, nil
}

// AddInstances implements provider.Provider.
func (p *Provider) AddInstances(_ context.Context, id string, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpAddInstances); err != nil {
		return err
	}
	c, err := p.cluster(id)
	if err != nil {
		return err
	}
	c.cluster.Instances += count
	c.pendingAdds = p.settleAfter
	if c.pendingAdds == 0 {
		c.cluster.RunningCount = c.cluster.Instances
	}
	return nil
}

// ValidateInstances implements provider.Provider.
func (p *Provider) ValidateInstances(_ context.Context, id string) error {
	return p.simple(OpValidateInstances, id)
}

// Bootstrap implements provider.Provider.
func (p *Provider) Bootstrap(_ context.Context, id string) error {
	return p.simple(OpBootstrap, id)
}

// CollectMetadata implements provider.Provider.
func (p *Provider) CollectMetadata(_ context.Context, id string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpCollectMetadata); err != nil {
		return nil, err
	}
	c, err := p.cluster(id)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]string, c.cluster.Instances)
	for i := 0; i < c.cluster.Instances; i++ {
		metadata[fmt.Sprintf("%s-host-%d", id, i)] = fmt.Sprintf("10.0.0.%d", i+10)
	}
	c.cluster.Metadata = metadata
	return maps.Clone(metadata), nil
}

// Install implements provider.Provider.
func (p *Provider) Install(_ context.Context, id string) error {
	return p.simple(OpInstall, id)
}

// RegisterClusterProxy implements provider.Provider.
func (p *Provider) RegisterClusterProxy(_ context.Context, id string) error {
	return p.simple(OpRegisterClusterProxy, id)
}

// UpgradeRuntime implements provider.Provider.
func (p *Provider) UpgradeRuntime(_ context.Context, id, version string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpUpgradeRuntime); err != nil {
		return err
	}
	c, err := p.cluster(id)
	if err != nil {
		return err
	}
	c.targetVersion = version
	c.pendingUpgrade = p.settleAfter
	if c.pendingUpgrade == 0 {
		c.cluster.RuntimeVersion = version
	}
	return nil
}

// UpdateClusterStatus implements provider.Provider.
func (p *Provider) UpdateClusterStatus(_ context.Context, id, status, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpUpdateClusterStatus); err != nil {
		return err
	}
	c, err := p.cluster(id)
	if err != nil {
		return err
	}
	c.cluster.Status = status
	c.cluster.StatusReason = reason
	c.statuses = append(c.statuses, status)
	return nil
}

// StartDatabase implements provider.Provider. Available and failed
// databases keep their status.
func (p *Provider) StartDatabase(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpStartDatabase); err != nil {
		return err
	}
	db, ok := p.databases[id]
	if !ok {
		return flow.NewPermanentError(fmt.Sprintf("database %s does not exist", id), nil).WithResource(id)
	}
	if db.status == provider.DatabaseAvailable || db.status == provider.DatabaseFailed {
		return nil
	}
	db.status = provider.DatabaseStarting
	db.pending = p.settleAfter
	if db.pending == 0 {
		db.status = provider.DatabaseAvailable
	}
	return nil
}

// DatabaseStatus implements provider.Provider.
func (p *Provider) DatabaseStatus(_ context.Context, id string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(OpDatabaseStatus); err != nil {
		return "", err
	}
	db, ok := p.databases[id]
	if !ok {
		return "", flow.NewNotFoundYetError(fmt.Sprintf("database %s not found", id), nil).WithResource(id)
	}
	if db.pending > 0 {
		db.pending--
		if db.pending == 0 && db.status == provider.DatabaseStarting {
			db.status = provider.DatabaseAvailable
		}
	}
	return db.status, nil
}

// SetDatabaseStatus forces the status of a database.
func (p *Provider) SetDatabaseStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.databases[id]; ok {
		db.status = status
		db.pending = 0
	}
}

func (p *Provider) simple(op, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(op); err != nil {
		return err
	}
	_, err := p.cluster(id)
	return err
}

var _ provider.Provider = (*Provider)(nil)
