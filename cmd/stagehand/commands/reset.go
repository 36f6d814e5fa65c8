package commands

import (
	"github.com/spf13/cobra"
)

func newResetCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Abandon the current run",
		Long: `Remove the resume trigger and the run state file. The abandoned run is
archived to the history first. The next 'stagehand run' starts fresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			if err := orch.Reset(ctx); err != nil {
				return err
			}
			a.logger.Info().Str("state", a.store.Path()).Msg("Run state reset")
			return nil
		},
	}
}
