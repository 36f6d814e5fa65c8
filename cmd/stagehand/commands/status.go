package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/stores"
)

// statusReport is the JSON form of the status command.
type statusReport struct {
	State            *engine.RunState `json:"state"`
	TriggerInstalled bool             `json:"trigger_installed"`
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted run state",
		Long: `Show the run state file and whether a resume trigger is registered.

With --follow the state is printed again after every change until
interrupted.`,
		Example: `  # Show the current run
  stagehand status

  # Watch a run progress
  stagehand status --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			out := cmd.OutOrStdout()
			show := func(state *engine.RunState) {
				installed, err := a.triggers.Exists(ctx)
				if err != nil {
					a.logger.Warn().Err(err).Msg("Failed to query resume trigger")
				}
				if g.jsonOutput {
					if err := printJSON(out, statusReport{State: state, TriggerInstalled: installed}); err != nil {
						a.logger.Warn().Err(err).Msg("Failed to write status")
					}
					return
				}
				printState(out, state)
				fmt.Fprintf(out, "Resume trigger installed: %t\n", installed)
			}

			if follow {
				return stores.WatchState(ctx, a.store, a.logger, func(state *engine.RunState) {
					show(state)
					if !g.jsonOutput {
						fmt.Fprintln(out)
					}
				})
			}

			state, err := a.store.Load(ctx)
			if err != nil {
				return err
			}
			show(state)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print the state again after every change")

	return cmd
}
