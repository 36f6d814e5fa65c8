// Package policy evaluates Rego policies over resolved execution plans.
//
// Each policy is a Rego module with a deny set. The input document is the
// plan as seen by the run (see PlanInput):
//
//	{
//	  "role": "web",
//	  "mode": "Check",
//	  "steps": [
//	    {"index": 0, "name": "install-agent", "section": 0, "critical": true, "timeout_seconds": 0, ...},
//	    {"index": 1, "name": "reboot", "checkpoint": true, "checkpoint_mode": "Check", "next_section": 1, ...}
//	  ]
//	}
//
// Deny entries are strings or objects with message and, optionally, step and
// severity:
//
//	package site.policies.no_friday
//
//	import rego.v1
//
//	deny contains violation if {
//	    some step in input.steps
//	    step.checkpoint
//	    time.weekday(time.now_ns()) == "Friday"
//	    violation := {"message": "no restarts on Friday", "step": step.name, "severity": "error"}
//	}
//
// Built-in policies:
//
//   - section-order (error): sections never decrease along the plan.
//   - checkpoint-skip (error): no step between a checkpoint and its next
//     section.
//   - checkpoint-tail (warning): an Always checkpoint is not the last step.
//   - critical-timeout (warning): critical steps declare a timeout.
//   - reboot-mode-never (info): checkpoints that run in mode Never.
//
// Extra policies come from .rego files, named after the file with a default
// severity of warning, or from .json files that carry name, severity and rego.
package policy
