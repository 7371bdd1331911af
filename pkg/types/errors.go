package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures the core recognises. Handlers convert
// errors into failure entries keyed by kind; only Fatal propagates out
// of a control loop.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not-found"
	KindPermissionDenied   ErrorKind = "permission-denied"
	KindPreconditionFailed ErrorKind = "precondition-failed"
	KindResourceExhausted  ErrorKind = "resource-exhausted"
	KindTransient          ErrorKind = "transient"
	KindFailure            ErrorKind = "failure"
	KindFatal              ErrorKind = "fatal"
)

// CoreError carries an ErrorKind alongside the wrapped cause
type CoreError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError creates a CoreError with the given kind
func NewError(kind ErrorKind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an existing error
func WrapError(kind ErrorKind, err error, msg string) *CoreError {
	return &CoreError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindFailure
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindFailure
}

// IsNotFound reports whether err carries KindNotFound
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsTransient reports whether err carries KindTransient
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
