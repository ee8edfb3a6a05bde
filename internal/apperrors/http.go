package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrIdempotencyMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error to its wire-level error code. Clients branch on the
// code, not the message; IDEMPOTENCY_KEY_MISMATCH in particular requires
// distinct handling (mint a new key rather than retry).
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrIdempotencyMismatch):
		return "IDEMPOTENCY_KEY_MISMATCH"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_FAILURE"
	default:
		return "INTERNAL_ERROR"
	}
}

// Retryable reports whether the caller may retry the failed operation
// unchanged. Mismatch and validation failures are deterministic and must
// not be retried.
func Retryable(err error) bool {
	return HTTPStatus(err) >= http.StatusInternalServerError
}
