package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stackflow/stackflow/pkg/engine"
	"github.com/stackflow/stackflow/pkg/flow"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the flow engine",
		Long: `Run the flow engine until interrupted.

On start every persisted active flow is resumed from its current state. The
store is scanned again periodically, so flows created with "start --detach"
by other processes sharing the store are picked up as well.

The process also runs:
  - the stall watchdog
  - the Prometheus metrics endpoint
  - entitlement and policy file watchers, when enabled`,
		Example: `  # Serve with an SQLite store
  STACKFLOW_STORE_DRIVER=sqlite stackflow serve

  # Serve the demo resources
  stackflow serve --config stackflow.yaml --fixtures resources.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, appOptions{
		onDone: func(inst *flow.Instance, err error) {
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("flow_id", inst.ID).Msg("Flow stopped")
			}
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	a.start(ctx)
	if err := a.telemetry.StartMetricsServer(ctx); err != nil {
		return err
	}

	n, err := a.service.Resume(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("resumed", n).
		Int("workers", cfg.Engine.Workers).
		Strs("definitions", a.service.Definitions()).
		Str("store", cfg.Store.Driver).
		Msg("StackFlow engine started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.NewWatchdog(a.store, cfg.Engine.StallCeiling, cfg.Engine.WatchdogInterval, a.telemetry).Run(ctx)
	})
	g.Go(func() error {
		return resumeLoop(ctx, a, cfg.Engine.WatchdogInterval)
	})
	err = g.Wait()

	log.Info().Msg("StackFlow engine stopping")
	return err
}

// resumeLoop schedules active flows that appear in the store.
func resumeLoop(ctx context.Context, a *app, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.service.Resume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Msg("Resume scan failed")
				continue
			}
			if n > 0 {
				log.Info().Int("scheduled", n).Msg("Picked up active flows")
			}
		}
	}
}
