// Package apperr defines the error taxonomy shared by every component:
// a small set of kind sentinels plus *Error values that carry a stable
// machine-readable code for presentation logic.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrConflict      = errors.New("conflict")
	ErrBackend       = errors.New("backend failure")
)

// Error is a coded error. Kind is one of the sentinels above and is what
// errors.Is matches against; Code is stable across releases.
type Error struct {
	Kind    error
	Code    string
	Message string
	Err     error
}

func New(kind error, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Wrap returns a copy of e with cause attached. The copy still matches e
// under errors.Is.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// Is matches another *Error with the same code, so wrapped copies of a
// sentinel compare equal to it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Backend wraps a storage or provider failure.
func Backend(op string, err error) error {
	return &Error{Kind: ErrBackend, Code: "backend_unavailable", Message: op, Err: err}
}

// Validation builds a descriptive validation error.
func Validation(code, message string) *Error {
	return New(ErrValidation, code, message)
}

// CodeOf returns the machine-readable code of err, or "" when err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
