// Package apierr defines the typed error taxonomy shared by every core
// package. Callers compare against Kind (via errors.As) rather than
// sentinel values, so the HTTP boundary can render a stable status code
// without knowing which package produced the error.
package apierr

import (
	"errors"
	"fmt"
)

// Kind discriminates the category of a core error. The zero value is
// KindInternal so a forgotten assignment still maps to 500 rather than
// a misleadingly specific status.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindAuthFailed
	KindForbidden
	KindNotFound
	KindConflict
	KindUnprocessable
	KindTimeout
	KindServiceUnavailable
	KindPartialSuccess
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindAuthFailed:
		return "auth_failed"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindTimeout:
		return "timeout"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindPartialSuccess:
		return "partial_success"
	default:
		return "internal"
	}
}

// Error is the typed error value propagated by every core package. Message
// is safe to return to callers; Cause may carry server-internal detail that
// should only be logged, never rendered.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, attaching cause for logging while
// keeping message as the only part safe to surface to a caller.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func BadRequest(format string, a ...any) *Error {
	return New(KindBadRequest, fmt.Sprintf(format, a...))
}

func NotFound(format string, a ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, a...))
}

func Conflict(format string, a ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, a...))
}

func ServiceUnavailable(format string, a ...any) *Error {
	return New(KindServiceUnavailable, fmt.Sprintf(format, a...))
}

func AuthFailed(format string, a ...any) *Error {
	return New(KindAuthFailed, fmt.Sprintf(format, a...))
}

func Forbidden(format string, a ...any) *Error {
	return New(KindForbidden, fmt.Sprintf(format, a...))
}

func Timeout(format string, a ...any) *Error {
	return New(KindTimeout, fmt.Sprintf(format, a...))
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}
