package dispatch

import (
	"fmt"
	"time"
)

// TimeoutError reports a single call attempt exceeding its deadline. The
// client retries these per the manifest policy; after the budget is spent
// the last one becomes the cause of an *ExecutionError.
type TimeoutError struct {
	Cattackle string
	Command   string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cattackle %s: command %s timed out after %s", e.Cattackle, e.Command, e.Timeout)
}

// ApplicationError is a failure reported by the cattackle itself. It is
// terminal: the call is not retried.
type ApplicationError struct {
	Cattackle string
	Command   string
	Message   string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("cattackle %s: command %s failed: %s", e.Cattackle, e.Command, e.Message)
}

// ExecutionError is the terminal wrapper returned once retries are
// exhausted. Cause carries the last underlying failure for the logs.
type ExecutionError struct {
	Cattackle string
	Command   string
	Attempts  int
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cattackle %s: command %s failed after %d attempts: %v",
		e.Cattackle, e.Command, e.Attempts, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
