// Package errs defines the error-kind taxonomy TiraStore raises across
// the Normalizer, CrossNodeMutex, Store, and Facade layers.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable error kind, per the error handling design.
type Code string

const (
	InvalidArgument Code = "invalid_argument"
	PermissionDenied Code = "permission_denied"
	Timeout          Code = "timeout"
	Conflict         Code = "conflict"
	NotFound         Code = "not_found"
	Internal         Code = "internal"
)

// Error wraps a Code with a message and an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error with the given code, message, and cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func InvalidArgumentf(format string, args ...any) *Error {
	return New(InvalidArgument, format, args...)
}

func PermissionDeniedf(format string, args ...any) *Error {
	return New(PermissionDenied, format, args...)
}

func Timeoutf(format string, args ...any) *Error {
	return New(Timeout, format, args...)
}

func Internalf(cause error, format string, args ...any) *Error {
	return Wrap(Internal, cause, format, args...)
}

// Is reports whether err (or something it wraps) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the Code of err, or Internal if err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
