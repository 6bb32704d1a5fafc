// Package apperr defines the error taxonomy surfaced by the capture core.
// Every surfaced error carries a stable code so callers can branch on it and
// retry from a known-good state.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification
type Code string

const (
	CodePermission      Code = "PERMISSION"
	CodeInvalidState    Code = "INVALID_STATE"
	CodeBackend         Code = "BACKEND"
	CodeNoSegments      Code = "NO_SEGMENTS"
	CodeIO              Code = "IO"
	CodeTimeout         Code = "TIMEOUT"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Error is a coded error. Err is the optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so the sentinels
// below match any error of their class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrPermission      = &Error{Code: CodePermission, Message: "capture permission unavailable"}
	ErrInvalidState    = &Error{Code: CodeInvalidState, Message: "operation invalid in current state"}
	ErrBackend         = &Error{Code: CodeBackend, Message: "capture backend failure"}
	ErrNoSegments      = &Error{Code: CodeNoSegments, Message: "no segments to concatenate"}
	ErrIO              = &Error{Code: CodeIO, Message: "filesystem failure"}
	ErrTimeout         = &Error{Code: CodeTimeout, Message: "bounded wait exceeded"}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around cause. A nil cause yields nil.
func Wrap(code Code, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the message of the first *Error in err's chain, falling
// back to err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}
