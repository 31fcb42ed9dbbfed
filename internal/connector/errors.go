package connector

import (
	"context"
	"errors"
	"fmt"
)

// Error classifies a connector failure.
//
// Retryable errors mean the target system is unavailable (timeouts,
// connection failures) and count toward the break policy. Fatal errors mean
// the system rejected the request (validation, conflicts, missing objects)
// and do not.
type Error struct {
	// Op is the connector operation (read, create, update, delete, search, delta).
	Op string

	// System identifies the target system.
	System string

	// Retryable is true when the same request may succeed later.
	Retryable bool

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	kind := "rejected"
	if e.Retryable {
		kind = "unavailable"
	}
	return fmt.Sprintf("connector %s %s on %s: %v", e.Op, kind, e.System, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Unavailable wraps err as a retryable failure.
func Unavailable(op, system string, err error) *Error {
	return &Error{Op: op, System: system, Retryable: true, Err: err}
}

// Rejected wraps err as a fatal failure.
func Rejected(op, system string, err error) *Error {
	return &Error{Op: op, System: system, Retryable: false, Err: err}
}

// IsRetryable reports whether err should count as the target system being
// unavailable. Unclassified errors are treated as retryable; cancellations
// and ErrNotFound are not.
// Uses errors.As to handle wrapped errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrNotFound)
}

// IsCancellation reports whether err stems from the caller's context.
func IsCancellation(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
