// Package engine provides step orchestration with durable checkpoint/resume.
//
// # Overview
//
// A run configures one host for one role through an ordered set of
// idempotent steps. Some steps leave the host needing a restart before later
// steps can run safely. The engine works in four phases:
//
//  1. Register - steps are added to a Registry (unique names)
//  2. Resolve - Resolve filters steps by role and orders them by dependency
//  3. Run - Engine.Run walks the plan, persisting RunState after every step
//  4. Checkpoint - checkpoint steps may persist, create a resume trigger,
//     request a restart and stop the run
//
// After the restart the resume trigger relaunches the orchestrator with the
// role and resume offset. Orchestrator.Start reloads the RunState, removes
// the trigger and continues at max(persisted CurrentStep, offset).
//
// # Work Units
//
// A step's Work has an optional Detect, a required Apply and an optional
// Verify. The engine calls detect, skips the step when it reports done
// (unless forced), then apply, then verify. A false verify is a failure.
// Work units receive a *RunContext instead of reading ambient state.
//
// # Failure Handling
//
// Critical steps abort the run with Status Failed. Other failures are
// recorded in FailedSteps and the run continues. Timeouts count as failures.
// Retryable apply errors (see EngineError) are retried up to Step.Retries.
//
// # Restart Ordering
//
// At a checkpoint that decides to restart, RunState is saved with
// RebootCount incremented before any other action. A failure to persist or
// to create the resume trigger cancels the restart and the run continues.
package engine
