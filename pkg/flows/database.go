package flows

import (
	"context"
	"fmt"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/provider"
)

func (a *actions) databaseStart() (*flow.Definition, error) {
	return flow.NewBuilder(DatabaseStart).
		Initial("Start", flow.ActionFunc(a.startDatabase), flow.Describe("Starting database")).
		Step("WaitAvailable", flow.ActionFunc(a.waitDatabase), flow.Describe("Waiting for database")).
		Succeed("Finished", flow.Describe("Database available")).
		Fail("Fail", flow.Describe("Database start failed")).
		Then("Start", "WaitAvailable").
		Then("WaitAvailable", "Finished").
		Build()
}

func (a *actions) startDatabase(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	if err := a.p.StartDatabase(ctx, ac.ResourceID); err != nil {
		if _, classified := flow.ClassOf(err); classified {
			return flow.Event{}, err
		}
		return flow.Event{}, flow.NewTransientError("start request failed", err).
			WithCode(flow.ErrCodeProviderFailed).WithResource(ac.ResourceID)
	}
	return flow.Success(), nil
}

func (a *actions) waitDatabase(ctx context.Context, ac *flow.ActionContext) (flow.Event, error) {
	err := a.waitFor(ctx, ac, "database-available", func(ctx context.Context) (bool, error) {
		status, err := a.p.DatabaseStatus(ctx, ac.ResourceID)
		if err != nil {
			return false, err
		}
		if status == provider.DatabaseFailed {
			return false, flow.NewPermanentError(fmt.Sprintf("database %s entered status %s", ac.ResourceID, status), nil).
				WithCode(flow.ErrCodeProviderFailed).WithResource(ac.ResourceID)
		}
		return status == provider.DatabaseAvailable, nil
	})
	if err != nil {
		return flow.Event{}, err
	}
	return flow.Success(), nil
}
