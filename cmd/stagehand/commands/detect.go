package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// detectReport is the JSON form of the detect command.
type detectReport struct {
	Required bool     `json:"required"`
	Reasons  []string `json:"reasons"`
}

func newDetectCommand(g *globalOptions) *cobra.Command {
	var exitCode bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Check whether the host has a restart pending",
		Long: `Run the restart signals used by Check-mode checkpoints and report
whether the host needs a restart, with the reasons.`,
		Example: `  # Show pending restart reasons
  stagehand detect

  # Exit 2 when a restart is pending, for scripts
  stagehand detect --exit-code`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			required, reasons, err := a.detector.IsRequired(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				if reasons == nil {
					reasons = []string{}
				}
				if err := printJSON(out, detectReport{Required: required, Reasons: reasons}); err != nil {
					return err
				}
			} else if required {
				fmt.Fprintln(out, "Restart required:")
				for _, r := range reasons {
					fmt.Fprintf(out, "  - %s\n", r)
				}
			} else {
				fmt.Fprintln(out, "No restart required")
			}

			if exitCode && required {
				return &ExitError{Code: 2}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "exit with status 2 when a restart is pending")

	return cmd
}
