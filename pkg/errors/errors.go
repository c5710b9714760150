// Package errors provides structured error handling for the venue core.
// Errors carry a machine-readable Kind plus a human readable message so
// handlers can map them to transport responses without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions re-exported for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Validation error kinds returned synchronously on order intake.
const (
	KindInvalidSignature                = "InvalidSignature"
	KindInvalidPrice                    = "InvalidPrice"
	KindInvalidQuantity                 = "InvalidQuantity"
	KindExpired                         = "Expired"
	KindInsufficientCollateralSpecified = "InsufficientCollateralSpecified"
	KindInsufficientBalance             = "InsufficientBalance"
	KindNotFound                        = "NotFound"
	KindNotOwner                        = "NotOwner"
	KindConflict                        = "Conflict"
	KindUnavailable                     = "Unavailable"
	KindInternal                        = "Internal"
)

// Error is the venue's error type. Kind classifies the failure, Message is
// safe to surface to callers, cause preserves the wrapped error chain.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given kind and message.
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error,
// otherwise KindInternal.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the transport status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidSignature, KindInvalidPrice, KindInvalidQuantity,
		KindExpired, KindInsufficientCollateralSpecified, KindInsufficientBalance:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotOwner:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
