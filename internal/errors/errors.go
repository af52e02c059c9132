// Package errors defines the typed error taxonomy shared by all layers.
// Repositories and services return these; the HTTP layer maps them to
// status codes with HTTPStatus.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers and for HTTP mapping.
type Code string

const (
	ErrCodeValidation   Code = "VALIDATION"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidState Code = "INVALID_STATE"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is the concrete error type carried across layer boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports that a resource with the given id does not exist.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// InvalidInput reports a client-correctable validation failure on a field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeValidation, "%s: %s", field, message)
}

// InvalidState reports an operation attempted against a resource whose
// current state does not permit it.
func InvalidState(message string) *Error {
	return New(ErrCodeInvalidState, message)
}

// Conflict reports a uniqueness or concurrency conflict.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Unauthorized reports a failed authorization check.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// CodeOf extracts the Code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether the error chain carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return Is(err, ErrCodeNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return Is(err, ErrCodeConflict) }

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return Is(err, ErrCodeInvalidState) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return Is(err, ErrCodeValidation) }

// HTTPStatus maps an error to the HTTP status code the handler layer writes.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
