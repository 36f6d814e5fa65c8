package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stagehand/pkg/engine"
	"github.com/openfroyo/stagehand/pkg/stores"
)

// sessionReport is the JSON form of history for one session.
type sessionReport struct {
	Run    *stores.RunRecord     `json:"run,omitempty"`
	Events []*stores.EventRecord `json:"events"`
}

func newHistoryCommand(g *globalOptions) *cobra.Command {
	var (
		limit  int
		offset int
		level  string
		events string
	)

	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List archived runs or the events of one run",
		Long: `List runs archived in the history database, newest first.

Given a session id, show that run and its recorded events in order.`,
		Example: `  # Last 20 runs
  stagehand history

  # Events of one run
  stagehand history 3f2b9c1e-6d0a-4c1b-9f1e-2a7c0d5e8b11

  # Only errors of one run
  stagehand history 3f2b9c1e-6d0a-4c1b-9f1e-2a7c0d5e8b11 --level error`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, g)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if a.history == nil {
				return fmt.Errorf("run history is disabled or unavailable")
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := a.history.ListRuns(ctx, limit, offset)
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return printJSON(out, runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(out, "No archived runs")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tROLE\tSTATUS\tSTARTED\tSTEPS\tFAILED\tREBOOTS")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n",
						r.SessionID, r.Role, r.Status, r.StartTime.Format(time.RFC3339),
						r.CompletedSteps, r.TotalSteps, r.FailedSteps, r.RebootCount)
				}
				return tw.Flush()
			}

			sessionID := args[0]
			run, err := a.history.GetRun(ctx, sessionID)
			if err != nil && !errors.Is(err, stores.ErrNotFound) {
				return err
			}
			records, err := a.history.ListEvents(ctx, stores.EventFilter{
				SessionID: sessionID,
				Level:     level,
				Type:      engine.EventType(events),
				Limit:     limit,
				Offset:    offset,
			})
			if err != nil {
				return err
			}

			if g.jsonOutput {
				return printJSON(out, sessionReport{Run: run, Events: records})
			}
			if run != nil {
				fmt.Fprintf(out, "Run %s: role %s, %s, %d/%d step(s), %d reboot(s)\n\n",
					run.SessionID, run.Role, run.Status, run.CompletedSteps, run.TotalSteps, run.RebootCount)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tSTEP\tMESSAGE")
			for _, e := range records {
				step := e.Step
				if step == "" {
					step = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format(time.RFC3339), e.Level, e.Type, step, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().StringVar(&events, "type", "", "only events of this type")

	return cmd
}
