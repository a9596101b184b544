package flows

import (
	"context"
	"fmt"

	"github.com/stackflow/stackflow/pkg/features"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/provider"
)

func (a *actions) clusterUpgrade() (*flow.Definition, error) {
	b := flow.NewBuilder(ClusterUpgrade).
		Initial("Init", flow.ActionFunc(a.initUpgrade), flow.Describe("Runtime upgrade requested")).
		Step("UpgradeStarted", flow.ActionFunc(a.upgradeStarted), flow.Describe("Runtime upgrade started")).
		Step("Upgrade", flow.ActionFunc(a.upgradeRuntime), flow.Describe("Upgrading runtime")).
		Step("UpgradeFinished", flow.ActionFunc(a.upgradeFinished), flow.Describe("Runtime upgraded")).
		Step("HandleFailure", flow.ActionFunc(a.upgradeFailed), flow.Describe("Recording upgrade failure")).
		Succeed("Finished", flow.Describe("Runtime upgrade finished")).
		Fail("Fail", flow.Describe("Runtime upgrade failed")).
		Then("Init", "UpgradeStarted").
		Then("UpgradeStarted", "Upgrade").
		Then("Upgrade", "UpgradeFinished").
		Then("UpgradeFinished", "Finished").
		Then("HandleFailure", "Fail")

	for _, s := range []flow.StateID{"UpgradeStarted", "Upgrade", "UpgradeFinished"} {
		b.On(s, flow.EventFailure, "HandleFailure").On(s, flow.EventTimeout, "HandleFailure")
	}
	return b.Build()
}

func (a *actions) initUpgrade(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	if ac.Str(PayloadTargetVersion) == "" {
		return flow.Event{}, invalidPayload(ac, "%s is required", PayloadTargetVersion)
	}
	entitled, err := ac.FeatureEnabled(ctx, features.FeatureRuntimeUpgrade)
	if err != nil {
		return flow.Event{}, flow.NewTransientError("entitlement lookup failed", err)
	}
	if !entitled {
		return flow.Event{}, flow.NewPermanentError(
			fmt.Sprintf("account %s is not entitled to runtime upgrades", ac.Str(flow.PayloadAccountID)), nil).
			WithResource(ac.ResourceID)
	}
	if _, err := a.cluster(ctx, ac); err != nil {
		return flow.Event{}, err
	}
	return flow.Success(), nil
}

func (a *actions) upgradeStarted(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	return flow.Success(), a.p.UpdateClusterStatus(ctx, ac.ResourceID, provider.StatusUpdateInProgress, "")
}

func (a *actions) upgradeRuntime(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	target := ac.Str(PayloadTargetVersion)
	c, err := a.cluster(ctx, ac)
	if err != nil {
		return flow.Event{}, err
	}
	if c.RuntimeVersion != target {
		if err := a.p.UpgradeRuntime(ctx, ac.ResourceID, target); err != nil {
			return flow.Event{}, err
		}
	}
	err = a.waitFor(ctx, ac, "runtime-upgraded", func(ctx context.Context) (bool, error) {
		c, err := a.p.GetCluster(ctx, ac.ResourceID)
		if err != nil {
			return false, err
		}
		return c.RuntimeVersion == target, nil
	})
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Success(), nil
}

func (a *actions) upgradeFinished(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	reason := fmt.Sprintf("Runtime upgraded to %s", ac.Str(PayloadTargetVersion))
	return flow.Success(), a.p.UpdateClusterStatus(ctx, ac.ResourceID, provider.StatusAvailable, reason)
}

func (a *actions) upgradeFailed(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	return flow.Success(), a.p.UpdateClusterStatus(ctx, ac.ResourceID, provider.StatusUpdateFailed, ac.Str(flow.PayloadLastError))
}
