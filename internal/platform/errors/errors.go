// Package errors provides coded application errors shared by the store,
// engine and transport layers. Every code is stable and safe to expose to
// callers so a UI can explain why an action failed.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is a stable, machine-readable error kind.
type Code string

const (
	ErrCodeNotFound         Code = "NOT_FOUND"
	ErrCodeRequestNotActive Code = "REQUEST_NOT_ACTIVE"
	ErrCodeNotCurrentStep   Code = "NOT_CURRENT_STEP"
	ErrCodeWrongApprover    Code = "WRONG_APPROVER"
	ErrCodeAlreadyProcessed Code = "ALREADY_PROCESSED"
	ErrCodeInvalidInput     Code = "INVALID_SUBMISSION"
	ErrCodeUnauthorized     Code = "UNAUTHORIZED"

	// Infrastructure codes. CONFLICT never leaves the engine: it is translated
	// into ALREADY_PROCESSED before reaching a caller.
	ErrCodeConflict    Code = "CONFLICT"
	ErrCodeUnavailable Code = "UNAVAILABLE"
	ErrCodeInternal    Code = "INTERNAL"
)

// Error is an error carrying a Code.
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

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput reports a rejected field value.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "invalid %s: %s", field, message)
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrCodeInternal when err carries none. A nil err yields "".
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As is errors.As from the standard library, re-exported so callers need a
// single errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
