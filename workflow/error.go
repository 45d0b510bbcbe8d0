package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies activity failures.
type ErrorKind string

const (
	// ErrorTransient failures are retried with backoff until the
	// activity's attempts are exhausted. Channel errors and devices
	// that are briefly offline are transient.
	ErrorTransient ErrorKind = "transient"

	// ErrorTimeout is a transient failure caused by an activity or a
	// poll cycle running out of time.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorPermanent failures happen before the device was sent
	// anything (unknown device, conflicting update) and fail the
	// workflow immediately.
	ErrorPermanent ErrorKind = "permanent"

	// ErrorMismatch is a permanent failure reported after dispatch
	// (e.g. a checksum mismatch) and rolls the workflow back.
	ErrorMismatch ErrorKind = "mismatch"

	// ErrorCancelled records that the workflow was cancelled.
	ErrorCancelled ErrorKind = "cancelled"

	// ErrorExhausted records that an activity ran out of attempts.
	ErrorExhausted ErrorKind = "exhausted"
)

// Error is a classified activity failure.
// It is also the persisted "last error" of a workflow.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// Retryable returns true for kinds that count toward the retry budget.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == ErrorTransient || e.Kind == ErrorTimeout)
}

func newError(kind ErrorKind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Transient creates a new transient error.
func Transient(format string, a ...interface{}) *Error {
	return newError(ErrorTransient, format, a...)
}

// Timeout creates a new timeout error.
func Timeout(format string, a ...interface{}) *Error {
	return newError(ErrorTimeout, format, a...)
}

// Permanent creates a new permanent (pre-update) error.
func Permanent(format string, a ...interface{}) *Error {
	return newError(ErrorPermanent, format, a...)
}

// Mismatch creates a new permanent post-dispatch error.
func Mismatch(format string, a ...interface{}) *Error {
	return newError(ErrorMismatch, format, a...)
}

// Wrap creates a new error of kind that wraps err.
func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), err: err}
}

// Classify converts err into a classified error.
// Already classified errors are returned as-is. Context deadlines are
// timeouts and everything else is considered transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrorTimeout, err)
	}
	return Wrap(ErrorTransient, err)
}
