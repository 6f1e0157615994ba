// Package relayerr defines the error kinds shared across the relay, modeled
// as a closed enum rather than as distinct Go error types, so call sites
// branch on a Code with errors.As instead of matching on error strings or
// type-switching over a growing set of structs.
package relayerr

import "errors"

// Code is one of the error kinds the relay's components produce.
type Code string

const (
	Unreachable     Code = "unreachable"
	RateLimited     Code = "rate_limited"
	NotFound        Code = "not_found"
	ProtocolError   Code = "protocol_error"
	Duplicate       Code = "duplicate"
	InvalidArgument Code = "invalid_argument"
	Cancelled       Code = "cancelled"
	StorageError    Code = "storage_error"
)

// Error is a relay error carrying a kind, a message, and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error of the given kind.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error of the given kind around a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err isn't a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
