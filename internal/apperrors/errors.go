// Package apperrors provides structured application errors with HTTP status
// and wire-code mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")

	// ErrIdempotencyMismatch marks reuse of an unexpired idempotency key
	// with a different request payload. Non-retryable: the caller must
	// mint a new key.
	ErrIdempotencyMismatch = errors.New("idempotency key mismatch")

	// ErrPersistence marks an underlying storage failure. Retryable.
	ErrPersistence = errors.New("persistence failure")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "type", "target.id")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "postgres.createJob")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel for errors.Is() and the cause for chains.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// IdempotencyMismatch creates the non-retryable error for an unexpired
// (key, scope) reused with a different request hash.
func IdempotencyMismatch(key, scope string) error {
	return &Error{
		Sentinel: ErrIdempotencyMismatch,
		Message:  fmt.Sprintf("idempotency key %q already used in scope %q with a different request payload; retry with a new key", key, scope),
		Resource: "idempotencyKey",
	}
}

// Persistence creates a retryable storage error wrapping an underlying cause.
func Persistence(op string, cause error) error {
	return &Error{
		Sentinel: ErrPersistence,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
