package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/service"
)

func newStartCommand() *cobra.Command {
	var (
		params  map[string]string
		payload string
		actor   string
		account string
		detach  bool
	)

	cmd := &cobra.Command{
		Use:   "start <resource-id> <flow-type>",
		Short: "Start a flow on a resource",
		Long: `Start a flow on a resource.

Admission policies are evaluated first. Without --detach the flow runs in
this process until it ends and its history is printed. With --detach the
flow is only persisted; a "serve" process sharing the store runs it.

Integer and boolean parameter values keep their type; everything else is
passed as a string.`,
		Example: `  # Add two instances to a cluster
  stackflow start cluster-1 upscale --param instance_count=2

  # Upgrade the runtime, entitlements are checked for the account
  stackflow start cluster-1 cluster-upgrade --account acc-1 --param target_version=7.2.17

  # Pass a JSON payload and let the server run it
  stackflow start db-1 database-start --payload '{"reason":"maintenance"}' --detach`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resourceID, flowType := args[0], args[1]

			p, err := buildPayload(payload, params)
			if err != nil {
				return err
			}
			if actor != "" {
				p[flow.PayloadActorID] = actor
			}
			if account != "" {
				p[flow.PayloadAccountID] = account
			}
			return runStart(cmd.Context(), cmd, resourceID, flowType, p, detach)
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "payload values (key=value)")
	cmd.Flags().StringVar(&payload, "payload", "", "payload as a JSON object")
	cmd.Flags().StringVar(&actor, "actor", "", "actor requesting the flow")
	cmd.Flags().StringVar(&account, "account", "", "account owning the resource")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "persist the flow without running it")

	return cmd
}

func runStart(ctx context.Context, cmd *cobra.Command, resourceID, flowType string, payload map[string]interface{}, detach bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	a, err := newApp(ctx, cfg, appOptions{
		workers:   1,
		queueSize: 1,
		onDone:    func(_ *flow.Instance, err error) { done <- err },
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()

	if detach {
		inst, err := a.service.CreateFlow(ctx, resourceID, flowType, payload)
		if err != nil {
			return err
		}
		return printResult(cmd, inst, func() {
			fmt.Fprintf(cmd.OutOrStdout(), "Flow %s (%s) created for %s\n", inst.ID, flowType, resourceID)
		})
	}

	a.start(ctx)
	inst, err := a.service.StartFlow(ctx, resourceID, flowType, payload)
	if err != nil {
		return err
	}
	log.Info().Str("flow_id", inst.ID).Msg("Flow running")

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return fmt.Errorf("interrupted, flow %s stays active and resumes on the next serve: %w", inst.ID, ctx.Err())
	}

	status, err := a.service.GetFlowStatus(ctx, resourceID)
	if err != nil {
		return err
	}
	entries, err := a.service.GetHistory(ctx, resourceID)
	if err != nil {
		return err
	}
	return printResult(cmd, status, func() {
		printEntries(cmd, entries, inst.ID)
		printStatus(cmd, status)
	})
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <resource-id>",
		Short: "Show the active or most recent flow of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				status, err := a.service.GetFlowStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(cmd, status, func() { printStatus(cmd, status) })
			})
		},
	}
}

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <resource-id>",
		Short: "Abort the active flow of a resource",
		Long: `Request abortion of the active flow of a resource. The engine running the
flow moves it to its failure state before the next step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				inst, err := a.service.AbortFlow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResult(cmd, inst, func() {
					fmt.Fprintf(cmd.OutOrStdout(), "Abort requested for flow %s (%s) in state %s\n", inst.ID, inst.DefinitionID, inst.CurrentState)
				})
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var progress bool

	cmd := &cobra.Command{
		Use:   "history <resource-id>",
		Short: "Show the flow history of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				entries, err := a.service.GetHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !progress {
					kept := entries[:0]
					for _, e := range entries {
						if e.Status != flow.StatusProgress {
							kept = append(kept, e)
						}
					}
					entries = kept
				}
				return printResult(cmd, entries, func() { printEntries(cmd, entries, "") })
			})
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", false, "include progress entries")
	return cmd
}

// withApp runs fn against the configured store without starting workers.
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, appOptions{workers: 1, queueSize: 1})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
	}()
	return fn(a)
}

// buildPayload merges a JSON payload with key=value parameters.
func buildPayload(raw string, params map[string]string) (map[string]interface{}, error) {
	payload := make(map[string]interface{})
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}
	for k, v := range params {
		payload[k] = parseScalar(v)
	}
	return payload, nil
}

// parseScalar keeps integers and booleans typed. Everything else, versions
// like 7.4 included, stays a string.
func parseScalar(v string) interface{} {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func printResult(cmd *cobra.Command, v interface{}, text func()) error {
	if !jsonOutput {
		text()
		return nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(cmd *cobra.Command, s *service.FlowStatus) {
	inst := s.Instance
	fmt.Fprintf(cmd.OutOrStdout(), "Flow:      %s\n", inst.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "Type:      %s\n", inst.DefinitionID)
	fmt.Fprintf(cmd.OutOrStdout(), "Resource:  %s\n", inst.ResourceID)
	fmt.Fprintf(cmd.OutOrStdout(), "State:     %s (%s)\n", inst.CurrentState, inst.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "Status:    %s\n", s.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "Started:   %s\n", inst.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(cmd.OutOrStdout(), "Updated:   %s\n", inst.LastTransitionAt.Format(time.RFC3339))
	if inst.Halted && !s.Terminal {
		fmt.Fprintln(cmd.OutOrStdout(), "Halted:    yes, abort the flow to release the resource")
	}
	if inst.AbortRequested && !s.Terminal {
		fmt.Fprintln(cmd.OutOrStdout(), "Abort:     requested")
	}
	if inst.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Error:     %s\n", inst.Error)
	}
	if s.LastEntry != nil && s.LastEntry.Message != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Message:   %s\n", s.LastEntry.Message)
	}
}

func printEntries(cmd *cobra.Command, entries []*flow.HistoryEntry, flowID string) {
	for _, e := range entries {
		if flowID != "" && e.FlowID != flowID {
			continue
		}
		line := fmt.Sprintf("%s  #%-3d %-12s %-20s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Sequence, e.Status, e.State)
		if e.Message != "" {
			line += "  " + e.Message
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(line, " "))
	}
}
