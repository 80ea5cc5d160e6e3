package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/agentloop/internal/models"
)

// ErrFatal marks an error as non-retryable. Attempters wrap it (fmt.Errorf("...: %w", ErrFatal))
// or return a *FatalExecutionError to abort the loop regardless of remaining attempts.
var ErrFatal = errors.New("fatal execution error")

// ExecutionPhase represents the phase of execution where an error occurred.
type ExecutionPhase int

const (
	// PhaseAttempt represents errors raised by the attempter.
	PhaseAttempt ExecutionPhase = iota
	// PhaseEvaluate represents errors raised by the evaluator.
	PhaseEvaluate
	// PhaseLoop represents errors of whole loops (cancellation, fan-out aggregation).
	PhaseLoop
	// PhaseResource represents errors acquiring or releasing a loop resource.
	PhaseResource
)

// String returns the string representation of ExecutionPhase.
func (p ExecutionPhase) String() string {
	switch p {
	case PhaseAttempt:
		return "attempt"
	case PhaseEvaluate:
		return "evaluate"
	case PhaseLoop:
		return "loop"
	case PhaseResource:
		return "resource"
	default:
		return "unknown"
	}
}

// TaskError represents an error that occurred while running one task's loop.
// It includes context about which task failed and when.
type TaskError struct {
	TaskID    string    // ID of the task that failed
	Message   string    // Human-readable error message
	Err       error     // Underlying error (optional)
	Timestamp time.Time // When the error occurred
}

// NewTaskError creates a new TaskError with the current timestamp.
func NewTaskError(id, msg string, err error) *TaskError {
	return &TaskError{
		TaskID:    id,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: %s", e.TaskID, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// ExecutionError aggregates multiple task errors that occurred during a fan-out.
// It provides context about which phase of execution failed and how many tasks were affected.
type ExecutionError struct {
	Phase       ExecutionPhase // Execution phase where errors occurred
	TaskErrors  []*TaskError   // Individual task errors
	TotalTasks  int            // Total number of tasks attempted
	FailedTasks int            // Number of tasks that failed
}

// NewExecutionError creates a new ExecutionError for the given phase.
func NewExecutionError(phase ExecutionPhase, total int) *ExecutionError {
	return &ExecutionError{
		Phase:      phase,
		TaskErrors: []*TaskError{},
		TotalTasks: total,
	}
}

// AddTask adds a task error to the execution error and increments the failed task count.
func (e *ExecutionError) AddTask(taskErr *TaskError) {
	e.TaskErrors = append(e.TaskErrors, taskErr)
	e.FailedTasks++
}

// Error implements the error interface for ExecutionError.
func (e *ExecutionError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("execution failed in %s phase: %d/%d tasks failed",
		e.Phase, e.FailedTasks, e.TotalTasks))

	if len(e.TaskErrors) > 0 {
		sb.WriteString(":")
		for _, taskErr := range e.TaskErrors {
			sb.WriteString(fmt.Sprintf("\n  - %s", taskErr.Error()))
		}
	}

	return sb.String()
}

// Unwrap returns the task errors for error unwrapping support.
// This allows errors.Is and errors.As to traverse the error chain.
func (e *ExecutionError) Unwrap() []error {
	if len(e.TaskErrors) == 0 {
		return nil
	}

	errs := make([]error, len(e.TaskErrors))
	for i, taskErr := range e.TaskErrors {
		errs[i] = taskErr
	}
	return errs
}

// TimeoutError represents an attempt that ran past its time bound.
type TimeoutError struct {
	TaskID          string        // ID of the task that timed out
	Attempt         int           // Zero-based attempt index
	TimeoutDuration time.Duration // Duration after which timeout occurred
	Context         string        // Additional context about what was happening (optional)
	Timestamp       time.Time     // When the timeout occurred
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(id string, attempt int, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		TaskID:          id,
		Attempt:         attempt,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("task %s: attempt %d timeout after %v", e.TaskID, e.Attempt, e.TimeoutDuration))
	if e.Context != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Context))
	}
	return sb.String()
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TransientExecutionError is a retryable attempter failure. It never escapes the controller;
// the loop records it on the attempt and retries while the budget allows.
type TransientExecutionError struct {
	TaskID  string
	Attempt int
	Err     error
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientExecutionError {
	return &TransientExecutionError{Err: err}
}

// Error implements the error interface for TransientExecutionError.
func (e *TransientExecutionError) Error() string {
	if e.Err == nil {
		return "transient execution error"
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *TransientExecutionError) Unwrap() error {
	return e.Err
}

// FatalExecutionError aborts a loop. It always escapes to the caller of Controller.Run
// and carries the partial record for diagnostics.
type FatalExecutionError struct {
	TaskID string
	Phase  ExecutionPhase
	Err    error
	Record *models.TaskRecord // Partial record at the time of the abort
}

// NewFatalError wraps err as non-retryable for the given phase.
func NewFatalError(phase ExecutionPhase, err error) *FatalExecutionError {
	return &FatalExecutionError{Phase: phase, Err: err}
}

// Error implements the error interface for FatalExecutionError.
func (e *FatalExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString("fatal")
	if e.TaskID != "" {
		sb.WriteString(fmt.Sprintf(" task %s", e.TaskID))
	}
	sb.WriteString(fmt.Sprintf(" in %s phase", e.Phase))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *FatalExecutionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrFatal) true for every FatalExecutionError.
func (e *FatalExecutionError) Is(target error) bool {
	return target == ErrFatal
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// IsExecutionError checks if the error is or wraps an ExecutionError.
func IsExecutionError(err error) bool {
	if err == nil {
		return false
	}
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsFatal checks if the error is or wraps a FatalExecutionError or ErrFatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrFatal)
}

// IsTransient reports whether an attempter error should be retried.
// Everything that is not fatal is transient.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}

// classifyAttemptError turns an attempter error into either a *TransientExecutionError or a
// *FatalExecutionError. loopCtx is the caller's context: its cancellation is fatal, while an
// expired per-attempt deadline becomes a transient *TimeoutError.
func classifyAttemptError(loopCtx context.Context, task models.Task, index int, timeout time.Duration, err error) error {
	if loopErr := loopCtx.Err(); loopErr != nil {
		return &FatalExecutionError{TaskID: task.ID, Phase: PhaseLoop, Err: errors.Join(loopErr, err)}
	}

	var fatal *FatalExecutionError
	if errors.As(err, &fatal) {
		if fatal.TaskID == "" {
			fatal.TaskID = task.ID
		}
		return fatal
	}
	if errors.Is(err, ErrFatal) {
		return &FatalExecutionError{TaskID: task.ID, Phase: PhaseAttempt, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		var te *TimeoutError
		if errors.As(err, &te) {
			return &TransientExecutionError{TaskID: task.ID, Attempt: index, Err: err}
		}
		te = NewTimeoutError(task.ID, index, timeout)
		te.Context = err.Error()
		return &TransientExecutionError{TaskID: task.ID, Attempt: index, Err: te}
	}

	var transient *TransientExecutionError
	if errors.As(err, &transient) {
		return &TransientExecutionError{TaskID: task.ID, Attempt: index, Err: transient.Err}
	}
	return &TransientExecutionError{TaskID: task.ID, Attempt: index, Err: err}
}
