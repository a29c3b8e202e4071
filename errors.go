package harness

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/op-harness/exitcodes"
)

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, file not found, etc.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError represents a failed run: test failures, crashes, leaks or
// zombie processes (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// RetryError reports an infrastructure failure after which the whole run may
// be retried (exit code 4)
type RetryError struct {
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry requested: %v", e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// NewRetryError creates a new RetryError
func NewRetryError(err error) *RetryError {
	return &RetryError{Err: err}
}

// IsRetryError checks if the error is or wraps a RetryError
func IsRetryError(err error) bool {
	var retryErr *RetryError
	return err != nil && errors.As(err, &retryErr)
}

// ExitCode maps an error returned by the harness to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case IsRetryError(err):
		return exitcodes.Retry
	case IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		return exitcodes.TestFailure
	}
}
