package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrResultExists is returned when a second result is recorded for a task.
var ErrResultExists = errors.New("result already recorded")

// CircuitOpenError is returned without invoking the executor while the
// breaker for Service is open or its half-open trial slot is taken.
type CircuitOpenError struct {
	Service string
	Until   time.Time // Zero when rejected by a busy half-open trial
}

func (e *CircuitOpenError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("circuit breaker %q is half-open, trial call in flight", e.Service)
	}
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Service, e.Until.Format(time.RFC3339))
}

// TimeoutError is returned when a single attempt exceeds its adaptive deadline.
// It deliberately does not unwrap to context.DeadlineExceeded so that it is
// counted as a downstream failure rather than a caller cancellation.
type TimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %q timed out after %s", e.TaskID, e.Timeout)
}

// ExecutorError wraps a failure reported by the Executor.
type ExecutorError struct {
	TaskID    string
	Err       error
	Retryable bool
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("task %q: %v", e.TaskID, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// terminalError marks an error as not worth retrying.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable. Executors return it for failures that
// cannot succeed on another attempt, such as malformed input.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err, or any error it wraps, was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// IncompleteError is returned by Execute when at least one task did not
// succeed or come from cache. The accompanying Results are still complete.
type IncompleteError struct {
	Failed    []string
	Blocked   []string
	Cancelled []string
	Cause     error // Context error when the run was cancelled
}

func (e *IncompleteError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		parts = append(parts, fmt.Sprintf("failed: %s", strings.Join(e.Failed, ", ")))
	}
	if len(e.Blocked) > 0 {
		parts = append(parts, fmt.Sprintf("blocked: %s", strings.Join(e.Blocked, ", ")))
	}
	if len(e.Cancelled) > 0 {
		parts = append(parts, fmt.Sprintf("cancelled: %s", strings.Join(e.Cancelled, ", ")))
	}
	msg := "run incomplete (" + strings.Join(parts, "; ") + ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IncompleteError) Unwrap() error { return e.Cause }
