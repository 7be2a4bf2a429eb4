package errors

import (
	stderrors "errors"
	"sort"
	"strings"
)

// Domain is the error domain for identity service errors.
const Domain = "github.com/louisbranch/veil"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for responses
	Fields   []FieldError      // Offending fields for validation failures
	Cause    error             // Wrapped underlying error
}

// FieldError names one offending form field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return e.Message + ": " + strings.Join(names, ", ")
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata for response rendering.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the code of the first domain error in the chain.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var domainErr *Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeUnknown
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Validation accumulates field errors so a request reports every offending
// field at once.
type Validation struct {
	fields []FieldError
	seen   map[string]struct{}
}

// Add records a field failure; a field is reported once with its first reason.
func (v *Validation) Add(field, reason string) {
	if v.seen == nil {
		v.seen = make(map[string]struct{})
	}
	if _, ok := v.seen[field]; ok {
		return
	}
	v.seen[field] = struct{}{}
	v.fields = append(v.fields, FieldError{Field: field, Reason: reason})
}

// Merge copies the field errors of another validation failure.
func (v *Validation) Merge(err error) {
	var domainErr *Error
	if !stderrors.As(err, &domainErr) {
		return
	}
	for _, f := range domainErr.Fields {
		v.Add(f.Field, f.Reason)
	}
}

// Empty reports whether no field failed.
func (v *Validation) Empty() bool {
	return len(v.fields) == 0
}

// Err returns nil when nothing failed, otherwise a VALIDATION_FAILED error
// listing every field sorted by name.
func (v *Validation) Err() error {
	if v.Empty() {
		return nil
	}
	fields := append([]FieldError(nil), v.fields...)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &Error{
		Code:    CodeValidationFailed,
		Message: "validation failed",
		Fields:  fields,
	}
}

// FieldsOf returns the field errors carried by err, if any.
func FieldsOf(err error) []FieldError {
	var domainErr *Error
	if !stderrors.As(err, &domainErr) {
		return nil
	}
	return domainErr.Fields
}
