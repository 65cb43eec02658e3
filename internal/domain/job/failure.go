// Package job holds the scheduling rules of the diagnostic pipeline: failure
// taxonomy, retry policy, deadline planning, leases and availability notifications.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	apperrors "github.com/project-theia/theia-api/internal/errors"
)

// Kind classifies why a job attempt failed.
type Kind string

const (
	// KindInput covers malformed submissions and unreadable images. Never retried.
	KindInput Kind = "input"
	// KindTransient covers worker loss, lost connections and OS resource exhaustion.
	KindTransient Kind = "transient"
	// KindTimeout means the job passed its deadline at a checkpoint. Never retried.
	KindTimeout Kind = "timeout"
	// KindMemory means available memory was below the safety floor at model load.
	KindMemory Kind = "memory"
	// KindInternal covers anything unclassified. Never retried.
	KindInternal Kind = "internal"
)

// Error is a classified job failure.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Stage != "" {
		msg += " during " + e.Stage
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// InputError builds a KindInput failure.
func InputError(stage string, err error) *Error {
	return &Error{Kind: KindInput, Stage: stage, Err: err}
}

// TransientError builds a KindTransient failure.
func TransientError(stage string, err error) *Error {
	return &Error{Kind: KindTransient, Stage: stage, Err: err}
}

// MemoryError builds a KindMemory failure.
func MemoryError(stage string, err error) *Error {
	return &Error{Kind: KindMemory, Stage: stage, Err: err}
}

// TimeoutError builds a KindTimeout failure.
func TimeoutError(stage string, err error) *Error {
	return &Error{Kind: KindTimeout, Stage: stage, Err: err}
}

// Inputf builds a KindInput failure with a formatted cause.
func Inputf(stage, format string, args ...any) *Error {
	return InputError(stage, fmt.Errorf(format, args...))
}

// Classify returns the failure kind of err. Typed *Error values keep their
// kind, except that an internal error caused by cancellation counts as
// worker loss. Well-known network and OS errors are transient; validation
// app errors are input errors; everything else is internal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var jobErr *Error
	if errors.As(err, &jobErr) {
		if jobErr.Kind == KindInternal && errors.Is(err, context.Canceled) {
			return KindTransient
		}
		return jobErr.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindTransient
	case apperrors.IsValidation(err), apperrors.IsNotFound(err):
		return KindInput
	case apperrors.IsUnavailable(err), apperrors.IsTimeout(err):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ENOSPC):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindInternal
}

// RetryPolicy decides whether a failed attempt is re-dispatched.
type RetryPolicy struct {
	// Ceiling bounds automatic retries of transient failures.
	Ceiling int
	// MemoryRetries bounds automatic retries of memory failures.
	MemoryRetries int
}

// DefaultRetryPolicy retries transient failures three times and memory failures once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Ceiling: 3, MemoryRetries: 1}
}

// ShouldRetry reports whether an attempt that failed with kind may be
// retried given the retries already spent and the job's own retry budget.
func (p RetryPolicy) ShouldRetry(kind Kind, retriesSoFar, jobMaxRetries int) bool {
	limit := p.Ceiling
	if jobMaxRetries >= 0 && jobMaxRetries < limit {
		limit = jobMaxRetries
	}
	switch kind {
	case KindTransient:
		return retriesSoFar < limit
	case KindMemory:
		return retriesSoFar < min(limit, p.MemoryRetries)
	default:
		return false
	}
}
