package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// roleReport is the validation result of one role.
type roleReport struct {
	Role       string                   `json:"role"`
	Steps      int                      `json:"steps"`
	Warnings   []string                 `json:"warnings,omitempty"`
	Violations []engine.PolicyViolation `json:"violations,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func newValidateCommand(g *globalOptions) *cobra.Command {
	var roles []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config, steps and policies",
		Long: `Validate the configuration file, every step definition and catalog, and
resolve the plan for each role.

Without --role, every role named by a step tag is checked. Each plan is
evaluated against the plan policies. With policy.enforce set, a blocking
violation fails validation.`,
		Example: `  # Validate everything
  stagehand validate

  # Validate two roles
  stagehand validate --role web --role db`,
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
			if len(roles) == 0 {
				roles = tagRoles(a.steps.Steps())
			}

			failed := false
			reports := make([]roleReport, 0, len(roles))
			for _, role := range roles {
				rr := roleReport{Role: role}
				report, err := orch.Plan(ctx, role, "")
				if err != nil {
					rr.Error = err.Error()
					failed = true
					reports = append(reports, rr)
					continue
				}
				rr.Steps = report.Plan.Len()
				for _, w := range report.Plan.Warnings {
					rr.Warnings = append(rr.Warnings, w.String())
				}
				rr.Violations = report.Violations
				if a.cfg.Policy.Enforce && report.Blocking() {
					failed = true
				}
				reports = append(reports, rr)
			}

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				if err := printJSON(out, reports); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Config %s: %d step(s)\n", a.cfg.Path, a.steps.Len())
				for _, rr := range reports {
					if rr.Error != "" {
						fmt.Fprintf(out, "%-16s FAIL %s\n", rr.Role, rr.Error)
						continue
					}
					fmt.Fprintf(out, "%-16s ok   %d step(s)\n", rr.Role, rr.Steps)
					for _, w := range rr.Warnings {
						fmt.Fprintf(out, "  warning: %s\n", w)
					}
					printViolations(out, rr.Violations)
				}
			}

			if failed {
				return &ExitError{Code: 1, Err: fmt.Errorf("validation failed")}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&roles, "role", "r", nil, "roles to validate (default every tagged role)")

	return cmd
}

// tagRoles returns the distinct roles named by step tags, or AllRoles when
// every step is untargeted.
func tagRoles(steps []*engine.Step) []string {
	seen := make(map[string]bool)
	var roles []string
	for _, s := range steps {
		for _, t := range s.Tags {
			key := strings.ToLower(t)
			if key == engine.AllRoles || seen[key] {
				continue
			}
			seen[key] = true
			roles = append(roles, t)
		}
	}
	if len(roles) == 0 {
		return []string{engine.AllRoles}
	}
	sort.Strings(roles)
	return roles
}
