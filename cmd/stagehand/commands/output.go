package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOutcome(w io.Writer, asJSON bool, outcome *engine.RunOutcome) error {
	if asJSON {
		return printJSON(w, outcome)
	}

	fmt.Fprintf(w, "Status:   %s\n", outcome.Status)
	fmt.Fprintf(w, "Steps:    %d executed, %d skipped, %d failed\n",
		len(outcome.Executed), len(outcome.Skipped), len(outcome.Failed))
	if len(outcome.Failed) > 0 {
		fmt.Fprintf(w, "Failed:   %s\n", strings.Join(outcome.Failed, ", "))
	}
	if outcome.Status == engine.OutcomePreviewed {
		for _, name := range outcome.Executed {
			fmt.Fprintf(w, "  would run  %s\n", name)
		}
		for _, name := range outcome.Skipped {
			fmt.Fprintf(w, "  done       %s\n", name)
		}
	}
	if r := outcome.Restart; r != nil && r.RestartError != "" {
		fmt.Fprintf(w, "Restart:  not underway after %s: %s\n", r.Checkpoint, r.RestartError)
		fmt.Fprintf(w, "          restart the host manually to resume at step %d\n", r.NextStep)
	} else if r != nil {
		fmt.Fprintf(w, "Restart:  after %s, resuming at step %d\n", r.Checkpoint, r.NextStep)
		for _, reason := range r.Reasons {
			fmt.Fprintf(w, "  - %s\n", reason)
		}
	}
	fmt.Fprintf(w, "Duration: %s\n", outcome.Duration.Round(time.Millisecond))
	return nil
}

func printViolations(w io.Writer, violations []engine.PolicyViolation) {
	for _, v := range violations {
		step := v.Step
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(w, "  [%s] %s (%s): %s\n", v.Severity, v.Policy, step, v.Message)
	}
}

func printState(w io.Writer, state *engine.RunState) {
	if state == nil {
		fmt.Fprintln(w, "No run in progress")
		return
	}
	fmt.Fprintf(w, "Session:  %s\n", state.SessionID)
	fmt.Fprintf(w, "Role:     %s\n", state.Role)
	fmt.Fprintf(w, "Status:   %s\n", state.Status)
	fmt.Fprintf(w, "Started:  %s\n", state.StartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Progress: %d/%d (section %d)\n", state.CurrentStep, state.TotalSteps, state.CurrentSection)
	fmt.Fprintf(w, "Reboots:  %d (mode %s)\n", state.RebootCount, state.RebootMode)
	for _, f := range state.FailedSteps {
		fmt.Fprintf(w, "  failed  %d %s: %s\n", f.Number, f.Name, f.ErrorMessage)
	}
	if state.ResumeTask != nil {
		fmt.Fprintf(w, "Trigger:  %s\n", state.ResumeTask.ID)
		if state.ResumeTask.RestartError != "" {
			fmt.Fprintf(w, "Restart:  not underway (%s), restart the host to resume at step %d\n",
				state.ResumeTask.RestartError, state.CurrentStep+1)
		}
	}
}
