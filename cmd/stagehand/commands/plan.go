package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func newPlanCommand(g *globalOptions) *cobra.Command {
	var (
		role       string
		rebootMode string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the ordered steps for a role",
		Long: `Resolve the execution plan for a role and evaluate plan policies.

The plan lists every selected step in run order with its section and
priority. Missing dependencies are reported as warnings. Nothing is run.`,
		Example: `  # Show the plan for the web role
  stagehand plan --role web

  # Evaluate policies as if checkpoints always restart
  stagehand plan --role web --reboot-mode Always --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if role == "" {
				role = a.cfg.Role
			}
			mode, err := parseMode(rebootMode)
			if err != nil {
				return err
			}

			orch, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}
			report, err := orch.Plan(ctx, role, mode)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return printJSON(out, report)
			}

			fmt.Fprintf(out, "Plan for role %s: %d step(s)\n", role, report.Plan.Len())
			for _, line := range engine.FormatPlan(report.Plan) {
				fmt.Fprintln(out, line)
			}
			if len(report.Plan.Warnings) > 0 {
				fmt.Fprintln(out, "\nWarnings:")
				for _, w := range report.Plan.Warnings {
					fmt.Fprintf(out, "  %s\n", w)
				}
			}
			if len(report.Violations) > 0 {
				fmt.Fprintln(out, "\nPolicy violations:")
				printViolations(out, report.Violations)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "", "role to plan (default from config)")
	cmd.Flags().StringVar(&rebootMode, "reboot-mode", "", "checkpoint mode used for policy evaluation")

	return cmd
}
