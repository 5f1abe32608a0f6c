// SPDX-License-Identifier: MIT

// Package fault defines the error taxonomy shared by the HTTP surface and
// the background pipelines. Recoverable ingest outcomes (duplicate, orphan,
// spooled) are result values, not faults; this package covers only the
// conditions a caller must handle as failures.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a fault for both machine clients and HTTP mapping.
type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	NotFound        Kind = "not_found"
	Conflict        Kind = "conflict"
	Validation      Kind = "validation"
	RateLimited     Kind = "rate_limited"
	Unavailable     Kind = "unavailable"
	Internal        Kind = "internal"
)

// Error is a classified error with an optional machine-readable code and a
// safe, tenant-neutral message.
type Error struct {
	Kind       Kind
	Code       string // machine code, e.g. "reservation-overlap"
	Message    string
	RetryAfter time.Duration // only set for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps the fault kind onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a fault of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates a fault that carries an underlying cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Throttled creates a RateLimited fault with a retry-after hint.
func Throttled(code string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       RateLimited,
		Code:       code,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf returns the fault kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given fault kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As extracts the classified error from err if present.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
