package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTriggerCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Inspect or remove the resume trigger",
		Long: `Inspect or remove the boot-time resume trigger.

A checkpoint registers the trigger before restarting the host, and the
resumed run removes it. Use 'trigger remove' to clean up a trigger left
behind by an abandoned run.`,
	}

	cmd.AddCommand(newTriggerStatusCommand(g))
	cmd.AddCommand(newTriggerRemoveCommand(g))

	return cmd
}

func newTriggerStatusCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the resume trigger is registered",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			installed, err := a.triggers.Exists(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, map[string]interface{}{
					"name":      a.cfg.Trigger.Name,
					"backend":   a.cfg.Trigger.Backend,
					"installed": installed,
				})
			}
			fmt.Fprintf(out, "Trigger %s (%s) installed: %t\n", a.cfg.Trigger.Name, a.cfg.Trigger.Backend, installed)
			return nil
		},
	}
}

func newTriggerRemoveCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Remove the resume trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.triggers.Remove(ctx, ""); err != nil {
				return err
			}
			a.logger.Info().Str("trigger", a.cfg.Trigger.Name).Msg("Resume trigger removed")
			return nil
		},
	}
}
