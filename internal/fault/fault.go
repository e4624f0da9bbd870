// Package fault defines the typed error kinds returned by pairgate components.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an operation failure.
type Kind uint8

const (
	Unknown Kind = iota
	Validation
	NotFound
	Expired
	Permission
	Capacity
	AlreadyPaired
	Throttled
	State
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Expired:
		return "expired"
	case Permission:
		return "permission"
	case Capacity:
		return "capacity"
	case AlreadyPaired:
		return "already_paired"
	case Throttled:
		return "throttled"
	case State:
		return "state"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error is a typed operation failure. Components return these from their
// public operations; internal logic branches on state, not on errors.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // set for Throttled
	Err        error         // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a typed error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a typed error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Throttle returns a Throttled error carrying the remaining block time.
func Throttle(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       Throttled,
		Message:    "too many failed attempts",
		RetryAfter: retryAfter,
	}
}

// KindOf returns the Kind of err, or Unknown if err is not a fault error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err is a fault error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
