// Package errors provides structured error handling shared by the identity
// services.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidationFailed reports one or more offending form fields.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodeAccessDenied reports a caller lacking permission for the operation.
	CodeAccessDenied Code = "ACCESS_DENIED"
	// CodeNotFound reports a referenced record that does not resolve.
	CodeNotFound Code = "NOT_FOUND"
	// CodeFlowMismatch reports a registration/login flow pointed at the wrong account state.
	CodeFlowMismatch Code = "FLOW_MISMATCH"
	// CodeIntegrityViolation reports unrecoverable persistence state.
	CodeIntegrityViolation Code = "INTEGRITY_VIOLATION"
	// CodeConflict reports a concurrent write that lost a compare-and-swap.
	CodeConflict Code = "CONFLICT"
)

// HTTPStatus returns the response status the route layer uses for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeFlowMismatch:
		return http.StatusSeeOther
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether the error message may be shown to callers.
// Integrity and unknown failures stay opaque.
func (c Code) Public() bool {
	switch c {
	case CodeValidationFailed, CodeAccessDenied, CodeNotFound, CodeFlowMismatch, CodeConflict:
		return true
	default:
		return false
	}
}
