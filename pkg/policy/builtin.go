package policy

// GetBuiltinPolicies returns the plan policies shipped with stagehand.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sectionOrderPolicy(),
		checkpointSkipPolicy(),
		checkpointTailPolicy(),
		criticalTimeoutPolicy(),
		rebootModeNeverPolicy(),
	}
}

// sectionOrderPolicy rejects plans whose sections go backwards. Such steps
// are skipped when a checkpoint resumes at its next section.
func sectionOrderPolicy() Policy {
	return Policy{
		Name:        "section-order",
		Description: "Step sections must not decrease along the plan",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.section_order

import rego.v1

deny contains violation if {
	some i
	step := input.steps[i]
	i > 0
	prev := input.steps[i - 1]
	step.section < prev.section
	violation := {
		"message": sprintf("step %s in section %d runs after %s in section %d", [step.name, step.section, prev.name, prev.section]),
		"step": step.name,
	}
}
`,
	}
}

// checkpointSkipPolicy rejects steps placed after a checkpoint but before
// its resume section. A restart at the checkpoint resumes past them.
func checkpointSkipPolicy() Policy {
	return Policy{
		Name:        "checkpoint-skip",
		Description: "Steps after a checkpoint must be in its next section or later",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.checkpoint_skip

import rego.v1

deny contains violation if {
	some i, j
	cp := input.steps[i]
	cp.checkpoint
	cp.checkpoint_mode != "Never"
	step := input.steps[j]
	j > i
	not step.checkpoint
	step.section < cp.next_section
	violation := {
		"message": sprintf("step %s in section %d follows checkpoint %s and would be skipped when it resumes at section %d", [step.name, step.section, cp.name, cp.next_section]),
		"step": step.name,
	}
}
`,
	}
}

// checkpointTailPolicy warns about a restart with nothing left to run.
func checkpointTailPolicy() Policy {
	return Policy{
		Name:        "checkpoint-tail",
		Description: "An Always checkpoint should not be the last step of a plan",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.checkpoint_tail

import rego.v1

deny contains violation if {
	count(input.steps) > 0
	last := input.steps[count(input.steps) - 1]
	last.checkpoint
	last.checkpoint_mode == "Always"
	violation := {
		"message": sprintf("plan ends with checkpoint %s in mode Always; the host restarts with no steps left", [last.name]),
		"step": last.name,
	}
}
`,
	}
}

// criticalTimeoutPolicy warns about critical steps that can hang a run.
func criticalTimeoutPolicy() Policy {
	return Policy{
		Name:        "critical-timeout",
		Description: "Critical steps should declare a timeout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.critical_timeout

import rego.v1

deny contains violation if {
	some step in input.steps
	step.critical
	not step.checkpoint
	step.timeout_seconds == 0
	violation := {
		"message": sprintf("critical step %s has no timeout of its own", [step.name]),
		"step": step.name,
	}
}
`,
	}
}

// rebootModeNeverPolicy reports checkpoints that will not restart the host.
func rebootModeNeverPolicy() Policy {
	return Policy{
		Name:        "reboot-mode-never",
		Description: "Checkpoints in mode Never only report pending restarts",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.reboot_mode_never

import rego.v1

deny contains violation if {
	some step in input.steps
	step.checkpoint
	step.checkpoint_mode == "Never"
	violation := {
		"message": sprintf("checkpoint %s will not restart the host in mode Never", [step.name]),
		"step": step.name,
	}
}
`,
	}
}
