// Package flows holds the built-in flow definitions: cluster upscale, runtime
// upgrade and database start. Actions talk to the cloud through a
// provider.Provider and wait for convergence with poll tasks.
package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/provider"
	"github.com/stackflow/stackflow/pkg/retry"
)

// Flow types.
const (
	Upscale        = "upscale"
	UpscaleFull    = "upscale-full"
	ClusterUpgrade = "cluster-upgrade"
	DatabaseStart  = "database-start"
)

// Payload keys read or written by the built-in flows.
const (
	PayloadInstanceCount    = "instance_count"
	PayloadDesiredInstances = "desired_instances"
	PayloadTargetVersion    = "target_version"
	PayloadHosts            = "hosts"
	PayloadInstances        = "instances"
)

// Options tunes waiting and lookups of the built-in flows.
type Options struct {
	// Poll is the interval policy of convergence polls.
	Poll poll.IntervalPolicy

	// PollTimeout bounds every convergence poll.
	PollTimeout time.Duration

	// Lookup is the retry policy of resource lookups.
	Lookup retry.Policy
}

// DefaultOptions polls every 5s to 1m for up to 30 minutes and retries
// lookups of not-yet-visible resources.
func DefaultOptions() Options {
	return Options{
		Poll:        poll.ExponentialInterval(5*time.Second, time.Minute),
		PollTimeout: 30 * time.Minute,
		Lookup:      retry.DefaultPolicy(),
	}
}

// Definitions builds every built-in definition over the provider.
func Definitions(p provider.Provider, opts Options) ([]*flow.Definition, error) {
	a := &actions{p: p, opts: opts}
	builders := []func() (*flow.Definition, error){
		a.upscale,
		a.upscaleFull,
		a.clusterUpgrade,
		a.databaseStart,
	}
	defs := make([]*flow.Definition, 0, len(builders))
	for _, build := range builders {
		def, err := build()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Catalog returns a catalog holding every built-in definition.
func Catalog(p provider.Provider, opts Options) (*flow.Catalog, error) {
	defs, err := Definitions(p, opts)
	if err != nil {
		return nil, err
	}
	return flow.NewCatalog(defs...)
}

// Actions returns the built-in actions by name, for definitions loaded from
// files.
func Actions(p provider.Provider, opts Options) map[string]flow.Action {
	a := &actions{p: p, opts: opts}
	return map[string]flow.Action{
		"cluster.upscale_init":     flow.ActionFunc(a.initUpscale),
		"cluster.add_instances":    flow.ActionFunc(a.addInstances),
		"cluster.validate":         flow.ActionFunc(a.validateInstances),
		"cluster.bootstrap":        flow.ActionFunc(a.bootstrap),
		"cluster.collect_metadata": flow.ActionFunc(a.collectMetadata),
		"cluster.install":          flow.ActionFunc(a.install),
		"cluster.register_proxy":   flow.ActionFunc(a.registerClusterProxy),
		"cluster.update_metadata":  flow.ActionFunc(a.updateMetadata),
		"runtime.upgrade_init":     flow.ActionFunc(a.initUpgrade),
		"runtime.upgrade_started":  flow.ActionFunc(a.upgradeStarted),
		"runtime.upgrade":          flow.ActionFunc(a.upgradeRuntime),
		"runtime.upgrade_finished": flow.ActionFunc(a.upgradeFinished),
		"runtime.upgrade_failed":   flow.ActionFunc(a.upgradeFailed),
		"database.start":           flow.ActionFunc(a.startDatabase),
		"database.wait_available":  flow.ActionFunc(a.waitDatabase),
	}
}

type actions struct {
	p    provider.Provider
	opts Options
}

// cluster looks the cluster up, retrying while it is not visible yet.
func (a *actions) cluster(ctx context.Context, ac *flow.ActionContext) (*provider.Cluster, error) {
	return retry.Do(ctx, a.opts.Lookup, func(ctx context.Context) (*provider.Cluster, error) {
		return a.p.GetCluster(ctx, ac.ResourceID)
	}, func(_ error, attempt int, _ time.Duration) {
		ac.Progress(ctx, fmt.Sprintf("Cluster %s is not visible yet (attempt %d)", ac.ResourceID, attempt))
	})
}

// waitFor polls check until it reports done. Transient and not-found-yet
// errors keep the poll pending.
func (a *actions) waitFor(ctx context.Context, ac *flow.ActionContext, name string, check func(ctx context.Context) (bool, error)) error {
	_, err := ac.Poll(ctx, poll.Task{
		Name:        name,
		Policy:      a.opts.Poll,
		MaxDuration: a.opts.PollTimeout,
		Probe: func(ctx context.Context) poll.Outcome {
			done, err := check(ctx)
			switch {
			case err == nil && done:
				return poll.Succeeded(true)
			case err == nil, flow.IsTransient(err), flow.IsNotFoundYet(err):
				ac.Progress(ctx, fmt.Sprintf("Waiting for %s", name))
				return poll.Pending()
			default:
				return poll.Failed(err)
			}
		},
	})
	return err
}

func invalidPayload(ac *flow.ActionContext, format string, args ...interface{}) error {
	return flow.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithResource(ac.ResourceID).WithState(ac.State)
}
