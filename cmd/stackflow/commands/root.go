package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackflow/stackflow/pkg/config"
)

var (
	// Global flags
	configPath   string
	fixturesPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackflow",
		Short: "StackFlow - durable flow orchestration for cloud resources",
		Long: `StackFlow drives long-running operations on cloud resources (upscaling a
cluster, upgrading its runtime, starting a database) as persisted state
machines.

Features:
  - Table-driven flow definitions, built in or written in CUE
  - Starlark script actions
  - Backoff polling and retry of eventually consistent lookups
  - Durable history with log or NATS notifications
  - Admission policies (OPA/rego) checked before a flow starts
  - Crash recovery of active flows`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&fixturesPath, "fixtures", "", "resources to seed the in-memory provider with")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDefinitionsCommand())
	rootCmd.AddCommand(newPoliciesCommand())

	return rootCmd
}

// loadConfig reads the configuration selected by the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	log.Debug().Str("config", configPath).Str("store", cfg.Store.Driver).Msg("Configuration loaded")
	return cfg, nil
}
