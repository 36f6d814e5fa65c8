// Package steps turns step definitions from the config file and CUE catalogs
// into engine steps.
//
// A definition's detect, apply and verify commands run on the host through a
// hostexec.Runner:
//
//   - detect exiting 0 means the step's effect is already present;
//   - apply exiting non-zero fails the step, transiently when the exit code is
//     listed in retry_exit_codes;
//   - verify exiting 0 confirms the step.
//
// A detect_script is Starlark that sets done = True instead of a detect
// command. Scripts can call sh(cmd) and exists(path).
//
// Checkpoint definitions become checkpoint steps of the CheckpointController.
// Every command receives STAGEHAND_ROLE, STAGEHAND_SESSION_ID and
// STAGEHAND_STEP, plus the role secret in secret_env when the step asks for it.
package steps
