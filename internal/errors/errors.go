// Package errors provides centralized error definitions and error handling utilities
// for parallax. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - ExecutorError: errors raised by the parallel executor state machine
//   - MergeError: errors from the merge engine and the underlying git primitives
//   - WorkerError: errors from spawning or running an agent worker
//   - TrackerError: errors from task tracker backends
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewMergeError("merge failed", errors.ErrMergeConflict).
//		WithOperation("01HZX...").
//		WithBranch("parallax/worker/task-1-01HZX")
//
//	if errors.Is(err, errors.ErrMergeConflict) { ... }
//
//	var mergeErr *errors.MergeError
//	if errors.As(err, &mergeErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Executor-related sentinel errors
var (
	// ErrInvalidTransition indicates a state machine transition that is not allowed
	// from the current executor status.
	ErrInvalidTransition = New("invalid executor state transition")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrTaskFailed indicates that a task execution failed.
	ErrTaskFailed = New("task failed")
	// ErrDependencyCycle indicates a circular dependency in tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrNoPendingConflict indicates an operator action with no pending conflict.
	ErrNoPendingConflict = New("no pending conflict")
	// ErrDependencyIncomplete indicates a task whose dependency did not
	// complete earlier in the run.
	ErrDependencyIncomplete = New("dependency did not complete")
)

// Merge-related sentinel errors
var (
	// ErrMergeConflict indicates that a merge stopped on conflicting files.
	ErrMergeConflict = New("merge conflict")
	// ErrQueueEmpty indicates that the merge queue has nothing to process.
	ErrQueueEmpty = New("merge queue is empty")
	// ErrOperationNotFound indicates an unknown merge operation ID.
	ErrOperationNotFound = New("merge operation not found")
	// ErrNotFastForward indicates that a fast-forward merge was not possible.
	ErrNotFastForward = New("not possible to fast-forward")
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
)

// Worker-related sentinel errors
var (
	// ErrWorkerStartFailed indicates that the agent process could not be started.
	ErrWorkerStartFailed = New("worker failed to start")
	// ErrWorkerPanicked indicates that a worker goroutine panicked.
	ErrWorkerPanicked = New("worker panicked")
	// ErrNoResolver indicates that no AI resolver callback is configured.
	ErrNoResolver = New("no conflict resolver configured")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ParallaxError is the base interface for all parallax errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ParallaxError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ExecutorError represents errors raised by the parallel executor.
//
// Example:
//
//	err := errors.NewExecutorError("cannot pause", errors.ErrInvalidTransition).
//		WithStatus("idle")
type ExecutorError struct {
	baseError
	TaskID     string
	GroupIndex int
	Status     string
}

// NewExecutorError creates a new ExecutorError.
func NewExecutorError(message string, cause error) *ExecutorError {
	return &ExecutorError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
		GroupIndex: -1, // -1 indicates not set
	}
}

// WithTaskID adds a task ID to the error context.
func (e *ExecutorError) WithTaskID(id string) *ExecutorError {
	e.TaskID = id
	return e
}

// WithGroupIndex adds an execution group index to the error context.
func (e *ExecutorError) WithGroupIndex(idx int) *ExecutorError {
	e.GroupIndex = idx
	return e
}

// WithStatus adds the executor status at the time of the error.
func (e *ExecutorError) WithStatus(status string) *ExecutorError {
	e.Status = status
	return e
}

// Error returns the formatted error message.
func (e *ExecutorError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.GroupIndex >= 0 {
		parts = append(parts, fmt.Sprintf("group=%d", e.GroupIndex))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}
	return e.format("executor error", parts)
}

// MergeError represents errors from the merge engine or git primitives.
//
// Example:
//
//	err := errors.NewMergeError("merge --no-ff failed", cause).
//		WithBranch("parallax/worker/a-01HZX").
//		WithGitOutput(out)
type MergeError struct {
	baseError
	OperationID string
	Branch      string
	Repository  string
	GitOutput   string // Captured git command output
}

// NewMergeError creates a new MergeError.
func NewMergeError(message string, cause error) *MergeError {
	return &MergeError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithOperation adds a merge operation ID to the error context.
func (e *MergeError) WithOperation(id string) *MergeError {
	e.OperationID = id
	return e
}

// WithBranch adds a branch name to the error context.
func (e *MergeError) WithBranch(branch string) *MergeError {
	e.Branch = branch
	return e
}

// WithRepository adds a repository path to the error context.
func (e *MergeError) WithRepository(path string) *MergeError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *MergeError) WithGitOutput(output string) *MergeError {
	e.GitOutput = output
	return e
}

// Error returns the formatted error message.
func (e *MergeError) Error() string {
	var parts []string
	if e.OperationID != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.OperationID))
	}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	msg := e.format("merge error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, strings.TrimSpace(e.GitOutput))
	}
	return msg
}

// WorkerError represents errors from running an agent worker.
type WorkerError struct {
	baseError
	WorkerID string
	TaskID   string
}

// NewWorkerError creates a new WorkerError.
func NewWorkerError(message string, cause error) *WorkerError {
	return &WorkerError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithWorkerID adds a worker ID to the error context.
func (e *WorkerError) WithWorkerID(id string) *WorkerError {
	e.WorkerID = id
	return e
}

// WithTaskID adds a task ID to the error context.
func (e *WorkerError) WithTaskID(id string) *WorkerError {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *WorkerError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return e.format("worker error", parts)
}

// TrackerError represents errors from a task tracker backend.
type TrackerError struct {
	baseError
	Backend string
	TaskID  string
}

// NewTrackerError creates a new TrackerError.
func NewTrackerError(message string, cause error) *TrackerError {
	return &TrackerError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithBackend adds the tracker backend name to the error context.
func (e *TrackerError) WithBackend(backend string) *TrackerError {
	e.Backend = backend
	return e
}

// WithTaskID adds a task ID to the error context.
func (e *TrackerError) WithTaskID(id string) *TrackerError {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *TrackerError) Error() string {
	var parts []string
	if e.Backend != "" {
		parts = append(parts, fmt.Sprintf("backend=%s", e.Backend))
	}
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return e.format("tracker error", parts)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "auth-1")
//	fmt.Println(err) // "task 'auth-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is reports ValidationError as matching ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is reports TimeoutError as matching ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perr ParallaxError
	if As(err, &perr) {
		return perr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsConflict returns true if the error describes a merge conflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrMergeConflict)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Message returns err.Error(), or "" for a nil error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
