package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/telemetry"
)

func newRunCommand(g *globalOptions) *cobra.Command {
	var (
		role         string
		resumeFrom   int
		preview      bool
		whatIf       bool
		validateOnly bool
		force        bool
		retryFailed  bool
		rebootMode   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume the steps for a role",
		Long: `Run the steps selected for a role, or resume the run in progress.

A run stops at a checkpoint when the host needs a restart. The run state is
persisted, a resume trigger is registered and the host restarts. The trigger
relaunches 'stagehand run' with the role and resume offset, and the run
continues where it left off.

Exit codes:
  0  the run completed, previewed, validated, or stopped for a restart
  1  the run failed, was interrupted, or could not start`,
		Example: `  # Run the web role
  stagehand run --role web

  # Show what would run without changing anything
  stagehand run --role web --preview

  # Resolve the plan and check policies only
  stagehand run --role web --validate-only

  # Retry a failed run from its failed step
  stagehand run --retry-failed`,
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

			ctx, span := a.tracer.StartCommandSpan(ctx, "run", role)
			defer span.End()
			if id := telemetry.TraceID(ctx); id != "" {
				a.logger = a.logger.With().Str("trace_id", id).Logger()
			}

			orch, err := a.orchestrator(ctx)
			if err != nil {
				telemetry.RecordError(span, err)
				return err
			}

			outcome, err := orch.Start(ctx, engine.StartOptions{
				Role:         role,
				ResumeFrom:   resumeFrom,
				Preview:      preview || whatIf,
				ValidateOnly: validateOnly,
				Force:        force,
				RetryFailed:  retryFailed,
				RebootMode:   mode,
			})
			if err != nil && !engine.IsRestartPending(err) {
				telemetry.RecordError(span, err)
			}
			if outcome == nil {
				return err
			}

			a.pruneHistory(ctx)
			if perr := printOutcome(cmd.OutOrStdout(), g.jsonOutput, outcome); perr != nil {
				return perr
			}

			if code := outcome.Status.ExitCode(); code != 0 {
				return &ExitError{Code: code, Err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "", "role whose steps to run (default from config)")
	cmd.Flags().IntVar(&resumeFrom, "resume-from", -1, "resume at this 0-based step index when later than the persisted one")
	cmd.Flags().BoolVar(&preview, "preview", false, "list the steps that would run without running them")
	cmd.Flags().BoolVar(&whatIf, "whatif", false, "alias for --preview")
	cmd.Flags().BoolVar(&validateOnly, "validate-only", false, "resolve the plan and evaluate policies, then exit")
	cmd.Flags().BoolVar(&force, "force", false, "run apply even when detect reports a step as done")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "resume a failed run at its failed step")
	cmd.Flags().StringVar(&rebootMode, "reboot-mode", "", "checkpoint mode for a fresh run: Always, Check or Never")
	cmd.MarkFlagsMutuallyExclusive("preview", "validate-only")
	cmd.MarkFlagsMutuallyExclusive("whatif", "validate-only")

	return cmd
}

func parseMode(s string) (engine.RebootMode, error) {
	if s == "" {
		return "", nil
	}
	mode, err := engine.ParseRebootMode(s)
	if err != nil {
		return "", fmt.Errorf("--reboot-mode: %w", err)
	}
	return mode, nil
}

// pruneHistory drops archived runs beyond history_keep.
func (a *app) pruneHistory(ctx context.Context) {
	if a.history == nil || a.cfg.HistoryKeep <= 0 {
		return
	}
	n, err := a.history.PruneRuns(ctx, a.cfg.HistoryKeep)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to prune run history")
		return
	}
	if n > 0 {
		a.logger.Debug().Int64("pruned", n).Msg("Pruned run history")
	}
}
