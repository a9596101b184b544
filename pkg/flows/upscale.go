package flows

import (
	"context"
	"fmt"

	"github.com/stackflow/stackflow/pkg/features"
	"github.com/stackflow/stackflow/pkg/flow"
)

// EventClusterProxy is emitted by Install when the account uses the cluster proxy.
const EventClusterProxy flow.EventKind = "CLUSTER_PROXY"

func (a *actions) upscale() (*flow.Definition, error) {
	return flow.NewBuilder(Upscale).
		Initial("Init", flow.ActionFunc(a.initUpscale), flow.Describe("Upscale requested")).
		Step("AddInstances", flow.ActionFunc(a.addInstances), flow.Describe("Adding instances")).
		Step("Validate", flow.ActionFunc(a.validateInstances), flow.Describe("Validating new instances")).
		Succeed("Finished", flow.Describe("Upscale finished")).
		Fail("Fail", flow.Describe("Upscale failed")).
		Then("Init", "AddInstances").
		Then("AddInstances", "Validate").
		Then("Validate", "Finished").
		Build()
}

func (a *actions) upscaleFull() (*flow.Definition, error) {
	return flow.NewBuilder(UpscaleFull).
		Initial("Init", flow.ActionFunc(a.initUpscale), flow.Describe("Upscale requested")).
		Step("AddInstances", flow.ActionFunc(a.addInstances), flow.Describe("Adding instances")).
		Step("Validate", flow.ActionFunc(a.validateInstances), flow.Describe("Validating new instances")).
		Step("Bootstrap", flow.ActionFunc(a.bootstrap), flow.Describe("Bootstrapping new instances")).
		Step("CollectMetadata", flow.ActionFunc(a.collectMetadata), flow.Describe("Collecting host metadata")).
		Step("Install", flow.ActionFunc(a.install),
			flow.Emits(flow.EventSuccess, EventClusterProxy), flow.Describe("Installing services")).
		Step("UpdateClusterProxy", flow.ActionFunc(a.registerClusterProxy), flow.Describe("Updating cluster proxy")).
		Step("UpdateMetadata", flow.ActionFunc(a.updateMetadata), flow.Describe("Updating cluster metadata")).
		Succeed("Finished", flow.Describe("Upscale finished")).
		Fail("Fail", flow.Describe("Upscale failed")).
		Then("Init", "AddInstances").
		Then("AddInstances", "Validate").
		Then("Validate", "Bootstrap").
		Then("Bootstrap", "CollectMetadata").
		Then("CollectMetadata", "Install").
		Then("Install", "UpdateMetadata").
		On("Install", EventClusterProxy, "UpdateClusterProxy").
		Then("UpdateClusterProxy", "UpdateMetadata").
		Then("UpdateMetadata", "Finished").
		Build()
}

func (a *actions) initUpscale(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	count, ok := ac.Int(PayloadInstanceCount)
	if !ok || count <= 0 {
		return flow.Event{}, invalidPayload(ac, "%s must be a positive number", PayloadInstanceCount)
	}
	c, err := a.cluster(ctx, ac)
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Success().With(PayloadDesiredInstances, c.Instances+count), nil
}

// addInstances requests only the instances still missing, so a resumed
// flow does not add them twice.
func (a *actions) addInstances(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	desired, ok := ac.Int(PayloadDesiredInstances)
	if !ok {
		return flow.Event{}, invalidPayload(ac, "%s is missing", PayloadDesiredInstances)
	}
	c, err := a.cluster(ctx, ac)
	if err != nil {
		return flow.Event{}, err
	}
	if missing := desired - c.Instances; missing > 0 {
		if err := a.p.AddInstances(ctx, ac.ResourceID, missing); err != nil {
			return flow.Event{}, err
		}
		ac.Logger.Info().Int("count", missing).Msg("Instances requested")
	}

	err = a.waitFor(ctx, ac, "instances-running", func(ctx context.Context) (bool, error) {
		c, err := a.p.GetCluster(ctx, ac.ResourceID)
		if err != nil {
			return false, err
		}
		return c.RunningCount >= desired, nil
	})
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Success(), nil
}

func (a *actions) validateInstances(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	return flow.Success(), a.p.ValidateInstances(ctx, ac.ResourceID)
}

func (a *actions) bootstrap(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	return flow.Success(), a.p.Bootstrap(ctx, ac.ResourceID)
}

func (a *actions) collectMetadata(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	hosts, err := a.p.CollectMetadata(ctx, ac.ResourceID)
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Success().With(PayloadHosts, hosts), nil
}

func (a *actions) install(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	if err := a.p.Install(ctx, ac.ResourceID); err != nil {
		return flow.Event{}, err
	}
	proxy, err := ac.FeatureEnabled(ctx, features.FeatureClusterProxy)
	if err != nil {
		return flow.Event{}, flow.NewTransientError("entitlement lookup failed", err)
	}
	if proxy {
		return flow.Emit(EventClusterProxy), nil
	}
	return flow.Success(), nil
}

func (a *actions) registerClusterProxy(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	return flow.Success(), a.p.RegisterClusterProxy(ctx, ac.ResourceID)
}

func (a *actions) updateMetadata(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	c, err := a.cluster(ctx, ac)
	if err != nil {
		return flow.Event{}, err
	}
	desired, _ := ac.Int(PayloadDesiredInstances)
	if c.RunningCount < desired {
		return flow.Event{}, flow.NewPermanentError(
			fmt.Sprintf("cluster reports %d running instances, expected %d", c.RunningCount, desired), nil).
			WithResource(ac.ResourceID)
	}
	return flow.Success().With(PayloadInstances, c.RunningCount), nil
}
