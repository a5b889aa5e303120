// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrConnection = errors.New("connection error")
	ErrCommand    = errors.New("command execution error")
	ErrTransfer   = errors.New("transfer error")
	ErrTimeout    = errors.New("timeout")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "id", "prompt")
	Op       string // Operation that failed (e.g., "sshconn.execute")
	Path     string // Local or remote path involved, if any
	Stderr   string // Captured stderr for command failures
	ExitCode int    // Remote exit code for command failures
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so errors.Is()
// classifies by category while errors.Is/As still reach the original error.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a local or remote path.
func NotFound(what, path string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", what, path),
		Path:     path,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Op:       resource + " " + id,
	}
}

// Connection creates a transport establishment error wrapping the cause.
func Connection(op string, cause error) error {
	return &Error{
		Sentinel: ErrConnection,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Command creates an error for a remote command that exited nonzero or
// faulted mid-flight. Captured stderr is folded into the message.
func Command(op string, exitCode int, stderr string, cause error) error {
	msg := fmt.Sprintf("%s: exit %d", op, exitCode)
	if stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: ErrCommand,
		Message:  msg,
		Op:       op,
		Stderr:   stderr,
		ExitCode: exitCode,
		Cause:    cause,
	}
}

// Transfer creates a generic file-transfer error for a path.
func Transfer(op, path string, cause error) error {
	return &Error{
		Sentinel: ErrTransfer,
		Message:  fmt.Sprintf("%s %s: %v", op, path, cause),
		Op:       op,
		Path:     path,
		Cause:    cause,
	}
}

// Timeout creates a timeout error for an operation that exceeded its limit.
func Timeout(op string, limit time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s timed out after %s", op, limit),
		Op:       op,
	}
}
