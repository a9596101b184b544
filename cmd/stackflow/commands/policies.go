package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/policy"
)

func newPoliciesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List admission policies",
		Long: `List the admission policies a flow start is checked against: the built-in
ones and those loaded from the configured policy directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicies(cmd.Context())
			if err != nil {
				return err
			}
			policies := eng.Policies()
			return printResult(cmd, policies, func() {
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
				for _, p := range policies {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, p.Source, p.Description)
				}
				_ = w.Flush()
			})
		},
	}
	cmd.AddCommand(newPoliciesEvalCommand())
	return cmd
}

func newPoliciesEvalCommand() *cobra.Command {
	var (
		params  map[string]string
		actor   string
		account string
	)

	cmd := &cobra.Command{
		Use:   "eval <resource-id> <flow-type>",
		Short: "Check a flow start against the admission policies",
		Long: `Evaluate the admission policies for a flow start without starting it. The
command fails when the start would be denied.`,
		Example: `  stackflow policies eval cluster-1 upscale --param instance_count=5`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := buildPayload("", params)
			if err != nil {
				return err
			}
			if actor != "" {
				payload[flow.PayloadActorID] = actor
			}
			if account != "" {
				payload[flow.PayloadAccountID] = account
			}

			eng, err := loadPolicies(cmd.Context())
			if err != nil {
				return err
			}
			decision, err := eng.Evaluate(cmd.Context(), policy.Input{
				ResourceID: args[0],
				FlowType:   args[1],
				ActorID:    actor,
				AccountID:  account,
				Payload:    payload,
			})
			if err != nil {
				return err
			}
			if err := printResult(cmd, decision, func() { printDecision(cmd, decision) }); err != nil {
				return err
			}
			return decision.Err()
		},
	}

	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "payload values (key=value)")
	cmd.Flags().StringVar(&actor, "actor", "", "actor requesting the flow")
	cmd.Flags().StringVar(&account, "account", "", "account owning the resource")
	return cmd
}

func loadPolicies(ctx context.Context) (*policy.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	eng, err := policy.NewEngine(log.Logger, policy.WithParams(cfg.Policies.Params))
	if err != nil {
		return nil, err
	}
	if cfg.Policies.Dir != "" {
		if err := eng.LoadPolicies(ctx, []string{cfg.Policies.Dir}); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func printDecision(cmd *cobra.Command, d *policy.Decision) {
	out := cmd.OutOrStdout()
	if d.Allowed {
		fmt.Fprintf(out, "Allowed (%d policies evaluated in %s)\n", len(d.EvaluatedPolicies), d.Duration)
	} else {
		fmt.Fprintf(out, "Denied (%d policies evaluated in %s)\n", len(d.EvaluatedPolicies), d.Duration)
	}
	for _, v := range d.Violations {
		fmt.Fprintf(out, "  violation [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
	for _, v := range d.Warnings {
		fmt.Fprintf(out, "  warning   [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
	}
}
