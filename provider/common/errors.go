package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors surfaced to callers
type ErrorKind string

const (
	ErrKindFraming   ErrorKind = "framing"
	ErrKindProtocol  ErrorKind = "protocol"
	ErrKindTransport ErrorKind = "transport"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindMerge     ErrorKind = "merge"
	ErrKindAuth      ErrorKind = "auth"
)

// Error carries the kind of failure, the operation that failed and the cause
type Error struct {
	Kind  ErrorKind
	Op    string
	Cause error
}

// NewError creates an Error of the given kind
func NewError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of err if it wraps an *Error
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
