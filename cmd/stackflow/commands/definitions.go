package commands

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackflow/stackflow/pkg/definitions"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/flows"
	"github.com/stackflow/stackflow/pkg/provider/mock"
)

func newDefinitionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "List, show and validate flow definitions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			ids := catalog.IDs()
			return printResult(cmd, ids, func() {
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
			})
		},
	}
	cmd.AddCommand(newDefinitionsShowCommand())
	cmd.AddCommand(newDefinitionsValidateCommand())
	return cmd
}

func newDefinitionsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <flow-type>",
		Short: "Show the states and transitions of a flow type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			def, err := catalog.Definition(args[0])
			if err != nil {
				return err
			}
			view := describeDefinition(def)
			return printResult(cmd, view, func() { printDefinition(cmd, view) })
		},
	}
}

func newDefinitionsValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir|file>...",
		Short: "Validate CUE flow definition files",
		Long: `Validate CUE flow definition files without starting anything. Every
problem found is reported with its file and position.`,
		Example: `  stackflow definitions validate ./flows
  stackflow definitions validate restart.cue scale.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := validateDefinitions(args)
			if err != nil {
				var loadErr *definitions.LoadError
				if errors.As(err, &loadErr) {
					for _, p := range loadErr.Problems {
						fmt.Fprintln(cmd.ErrOrStderr(), p.String())
					}
					return fmt.Errorf("%d definition problem(s) found", len(loadErr.Problems))
				}
				return err
			}
			ids := make([]string, 0, len(defs))
			for _, d := range defs {
				ids = append(ids, d.ID())
			}
			return printResult(cmd, ids, func() {
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", id)
				}
			})
		},
	}
}

// validateDefinitions loads definition files against the built-in action
// library. Directories are loaded whole.
func validateDefinitions(paths []string) ([]*flow.Definition, error) {
	loader, err := definitions.NewLoader(flows.Actions(mock.New(), flows.DefaultOptions()))
	if err != nil {
		return nil, err
	}
	var (
		defs  []*flow.Definition
		files []string
	)
	for _, p := range paths {
		if strings.HasSuffix(p, ".cue") {
			files = append(files, p)
			continue
		}
		loaded, err := loader.LoadDir(p)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	if len(files) > 0 {
		loaded, err := loader.LoadFiles(files...)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return defs, nil
}

// loadCatalog builds the catalog the configured process would run with.
func loadCatalog() (*flow.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	p, err := loadFixtures(fixturesPath)
	if err != nil {
		return nil, err
	}
	return buildCatalog(p, flows.Options{
		Poll:        cfg.Poll.Interval,
		PollTimeout: cfg.Poll.Timeout,
		Lookup:      cfg.Lookup,
	}, cfg.Definitions)
}

type definitionView struct {
	ID      string       `json:"id"`
	Initial flow.StateID `json:"initial"`
	Failure flow.StateID `json:"failure"`
	States  []stateView  `json:"states"`
}

type stateView struct {
	flow.State
	Transitions map[flow.EventKind]flow.StateID `json:"transitions,omitempty"`
}

func describeDefinition(def *flow.Definition) definitionView {
	view := definitionView{
		ID:      def.ID(),
		Initial: def.Initial(),
		Failure: def.FailureState(),
	}
	for _, s := range def.States() {
		view.States = append(view.States, stateView{State: s, Transitions: def.Transitions(s.ID)})
	}
	return view
}

func printDefinition(cmd *cobra.Command, view definitionView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Flow:     %s\n", view.ID)
	fmt.Fprintf(out, "Initial:  %s\n", view.Initial)
	fmt.Fprintf(out, "Failure:  %s\n\n", view.Failure)
	for _, s := range view.States {
		fmt.Fprintf(out, "%s [%s]\n", s.ID, s.Kind)
		if s.Message != "" {
			fmt.Fprintf(out, "    message: %s\n", s.Message)
		}
		events := make([]string, 0, len(s.Transitions))
		for e := range s.Transitions {
			events = append(events, string(e))
		}
		sort.Strings(events)
		for _, e := range events {
			fmt.Fprintf(out, "    %-10s -> %s\n", e, s.Transitions[flow.EventKind(e)])
		}
	}
}
