// Package apperr defines the error taxonomy shared by every layer of the
// server. Handlers translate a Kind into an HTTP status; services and the
// storage gateway only ever classify, never format responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the coarse classification of a failure.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPayloadTooLarge Kind = "payload_too_large"
	KindIntrovertBlock  Kind = "introvert_block"
	KindTransientDB     Kind = "transient_db"
	KindPushGone        Kind = "push_gone"
	KindPushTransient   Kind = "push_transient"
)

// Error carries a Kind, a caller-safe message and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that preserves the underlying cause for logging
// while exposing only the caller-safe message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err, or KindTransientDB for unclassified
// errors so that unexpected failures surface as 500 without leaking detail.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransientDB
}

// PublicMessage returns the caller-safe message for err. Unclassified errors
// collapse to a generic message.
func PublicMessage(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindIntrovertBlock:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
