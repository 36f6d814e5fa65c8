package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the host asked us to slow down (package locks, rate limits).
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates contention with another actor on the host.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the step name that caused the error, if applicable.
	Step string `json:"step,omitempty"`

	// Operation is the work-unit phase (detect, apply, verify, checkpoint).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Step != "" && e.Operation != "":
		fmt.Fprintf(&b, " (step=%s, operation=%s)", e.Step, e.Operation)
	case e.Step != "":
		fmt.Fprintf(&b, " (step=%s)", e.Step)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithStep adds step context to an error.
func (e *EngineError) WithStep(name string) *EngineError {
	e.Step = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

func codeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Error codes.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeTimeout               = "TIMEOUT"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeDuplicateStep         = "DUPLICATE_STEP"
	ErrCodeCycleDetected         = "CYCLE_DETECTED"
	ErrCodeMissingDependency     = "MISSING_DEPENDENCY"
	ErrCodeStepFailed            = "STEP_FAILED"
	ErrCodeCriticalStepFailed    = "CRITICAL_STEP_FAILED"
	ErrCodeVerifyFailed          = "VERIFY_FAILED"
	ErrCodeCheckpointPersistence = "CHECKPOINT_PERSISTENCE"
	ErrCodeResumeTriggerCreation = "RESUME_TRIGGER_CREATION"
	ErrCodePolicyViolation       = "POLICY_VIOLATION"
	ErrCodeInterrupted           = "INTERRUPTED"
)

// DuplicateStepError is returned by Registry.Register when a name is already taken.
type DuplicateStepError struct {
	Name string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step name: %s", e.Name)
}

// Unwrap exposes the classified form so callers can use IsPermanent and friends.
func (e *DuplicateStepError) Unwrap() error {
	return NewPermanentError("step already registered", nil).
		WithCode(ErrCodeDuplicateStep).
		WithStep(e.Name)
}

// CycleDetectedError fails plan resolution when the dependency graph has a cycle.
type CycleDetectedError struct {
	// Step is the step re-encountered while still being visited.
	Step string

	// Path is the dependency chain that closes the cycle, e.g. [a b a].
	Path []string
}

func (e *CycleDetectedError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("circular dependency detected at step %s", e.Step)
	}
	return fmt.Sprintf("circular dependency detected at step %s: %s", e.Step, strings.Join(e.Path, " -> "))
}

func (e *CycleDetectedError) Unwrap() error {
	return NewPermanentError("circular dependency", nil).
		WithCode(ErrCodeCycleDetected).
		WithStep(e.Step)
}

// MissingDependencyWarning is produced when a DependsOn entry has no provider
// among the steps selected for a role. It is not fatal.
type MissingDependencyWarning struct {
	Step       string `json:"step"`
	Dependency string `json:"dependency"`
}

func (w MissingDependencyWarning) String() string {
	return fmt.Sprintf("step %s depends on %s which no selected step provides", w.Step, w.Dependency)
}

// RestartPending is returned by a checkpoint work unit once the run state has
// been persisted, the resume trigger exists, and a host restart was requested.
// The engine stops walking the plan when it sees it.
type RestartPending struct {
	Checkpoint string
	NextStep   int
	TriggerID  string
	Reasons    []string

	// RestartError is set when the host refused the restart request. The
	// trigger still resumes the run at the next session start.
	RestartError string `json:",omitempty"`
}

func (r *RestartPending) Error() string {
	return fmt.Sprintf("restart pending after checkpoint %s (resume at step %d)", r.Checkpoint, r.NextStep)
}

// IsDuplicateStep reports whether err is a DuplicateStepError.
func IsDuplicateStep(err error) bool {
	var d *DuplicateStepError
	return errors.As(err, &d)
}

// IsCycleDetected reports whether err is a CycleDetectedError.
func IsCycleDetected(err error) bool {
	var c *CycleDetectedError
	return errors.As(err, &c)
}

// IsCriticalFailure reports whether err aborted a run through a critical step.
func IsCriticalFailure(err error) bool {
	return codeOf(err) == ErrCodeCriticalStepFailed
}

// IsRestartPending reports whether err signals a clean exit for restart.
func IsRestartPending(err error) bool {
	var r *RestartPending
	return errors.As(err, &r)
}
