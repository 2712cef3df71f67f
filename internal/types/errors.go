package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for orchestrator errors.
type ErrorCode string

// Plan validation error codes. Validation failures are recovered locally
// with a single corrective retry; a second failure is terminal for the
// phase invocation.
const (
	VALIDATION_EMPTY_CONTEXT   ErrorCode = "VALIDATION_EMPTY_CONTEXT"
	VALIDATION_SCHEMA_MISMATCH ErrorCode = "VALIDATION_SCHEMA_MISMATCH"
	VALIDATION_EMPTY_PLAN      ErrorCode = "VALIDATION_EMPTY_PLAN"
)

// Capability error codes. A capability call that fails or times out is
// retried per policy; exhaustion marks the node error or the run failed.
const (
	REASONING_FAILED  ErrorCode = "REASONING_FAILED"
	REASONING_TIMEOUT ErrorCode = "REASONING_TIMEOUT"
	EXECUTION_FAILED  ErrorCode = "EXECUTION_FAILED"
	EXECUTION_TIMEOUT ErrorCode = "EXECUTION_TIMEOUT"
	CAPTURE_FAILED    ErrorCode = "CAPTURE_FAILED"
	CAPTURE_EMPTY     ErrorCode = "CAPTURE_EMPTY"
)

// Graph consistency and store error codes. Consistency failures are
// skip-and-report: the offending opportunity is marked error and the rest
// of the batch proceeds.
const (
	GRAPH_STORE_FAILED       ErrorCode = "GRAPH_STORE_FAILED"
	GRAPH_NODE_NOT_FOUND     ErrorCode = "GRAPH_NODE_NOT_FOUND"
	GRAPH_DANGLING_REFERENCE ErrorCode = "GRAPH_DANGLING_REFERENCE"
	GRAPH_ID_COLLISION       ErrorCode = "GRAPH_ID_COLLISION"
	GRAPH_STATUS_REGRESSION  ErrorCode = "GRAPH_STATUS_REGRESSION"
	SNAPSHOT_NOT_FOUND       ErrorCode = "SNAPSHOT_NOT_FOUND"
)

// Approval gate error codes. Gate outcomes transition the run to stopped,
// never failed, since no fault occurred.
const (
	APPROVAL_DENIED  ErrorCode = "APPROVAL_DENIED"
	APPROVAL_TIMEOUT ErrorCode = "APPROVAL_TIMEOUT"
)

// Fault injection codes. FAULT_INJECTED marks deliberate breakage from the
// break operation; it is a test hook, not a failure condition.
const (
	FAULT_INJECTED   ErrorCode = "FAULT_INJECTED"
	FAULT_NOT_ACTIVE ErrorCode = "FAULT_NOT_ACTIVE"
)

// Run lifecycle error codes
const (
	RUN_NOT_FOUND          ErrorCode = "RUN_NOT_FOUND"
	RUN_INVALID_TRANSITION ErrorCode = "RUN_INVALID_TRANSITION"
	RUN_ALREADY_TERMINAL   ErrorCode = "RUN_ALREADY_TERMINAL"
	RUN_STOP_REQUESTED     ErrorCode = "RUN_STOP_REQUESTED"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Database error codes
const (
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
)

// CoreError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// retry/repair policy decisions.
type CoreError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
// This enables using errors.Is() and errors.As() with wrapped errors.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
// Returns true if target is a CoreError with the same Code.
func (e *CoreError) Is(target error) bool {
	var coreErr *CoreError
	if errors.As(target, &coreErr) {
		return e.Code == coreErr.Code
	}
	return false
}

// NewError creates a new non-retryable CoreError with the given code and message.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// NewRetryableError creates a new retryable CoreError with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., network timeouts).
func NewRetryableError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable CoreError that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Retryable: false,
		Cause:     cause,
	}
}

// WrapRetryableError creates a retryable CoreError that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a CoreError.
// Returns an empty code when err carries no CoreError.
func CodeOf(err error) ErrorCode {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Code
	}
	return ""
}

// IsRetryable reports whether err is (or wraps) a CoreError marked retryable.
func IsRetryable(err error) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Retryable
	}
	return false
}
