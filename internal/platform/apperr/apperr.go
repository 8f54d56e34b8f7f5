// Package apperr defines the error kinds shared by services and handlers.
// Services return *Error values; handlers translate them to HTTP responses
// through Status, so a repository conflict surfaces as 409 and a missing
// record as 404 without the service knowing about HTTP at all.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindValidation Kind = iota
	KindAuth
	KindForbidden
	KindNotFound
	KindConflict
	KindCrypto
	KindDependency
	KindInternal
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func Validation(msg string) *Error { return New(KindValidation, msg) }
func Auth(msg string) *Error       { return New(KindAuth, msg) }
func Forbidden(msg string) *Error  { return New(KindForbidden, msg) }
func NotFound(msg string) *Error   { return New(KindNotFound, msg) }
func Conflict(msg string) *Error   { return New(KindConflict, msg) }

// IsKind reports whether err or anything it wraps carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Status maps an error to its HTTP status code. Unknown errors are
// treated as internal so repository failures never leak as client faults.
func Status(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindCrypto, KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the client-safe message for an error. Wrapped causes are
// kept out of responses; they belong in logs only.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Msg
	}
	return "internal server error"
}
