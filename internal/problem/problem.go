// Package problem defines the error taxonomy surfaced to clients. Every
// component returns one of these kinds; the HTTP layer maps kinds to status
// codes in one place.
package problem

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind classifies an error for status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindBadInput
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindUnprocessable
	KindUnavailable
)

// Error is the base error type for all service operations.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed
	Message string // Single-sentence message surfaced to the client
	Ref     string // Correlation id, set for internal errors only
	Err     error  // The underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindBadInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnprocessable:
		return http.StatusUnprocessableEntity
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// BadInput builds a 400-class error.
func BadInput(op, format string, args ...any) *Error {
	return newError(KindBadInput, op, format, args...)
}

// Unauthorized builds a 401-class error.
func Unauthorized(op, format string, args ...any) *Error {
	return newError(KindUnauthorized, op, format, args...)
}

// Forbidden builds a 403-class error.
func Forbidden(op, format string, args ...any) *Error {
	return newError(KindForbidden, op, format, args...)
}

// NotFound builds a 404-class error.
func NotFound(op, format string, args ...any) *Error {
	return newError(KindNotFound, op, format, args...)
}

// Conflict builds a 409-class error.
func Conflict(op, format string, args ...any) *Error {
	return newError(KindConflict, op, format, args...)
}

// Unprocessable builds a 422-class error.
func Unprocessable(op, format string, args ...any) *Error {
	return newError(KindUnprocessable, op, format, args...)
}

// Unavailable builds a 503-class error.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Message: "service unavailable", Err: err}
}

// Internal wraps an unclassified error with a fresh correlation ref. The
// cause stays server-side; clients see only the ref.
func Internal(op string, err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Op:      op,
		Message: "internal error",
		Ref:     "ref#" + uuid.NewString(),
		Err:     err,
	}
}

// As extracts a *Error from the chain.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	pe, ok := As(err)
	return ok && pe.Kind == kind
}
