package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when an operation references an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrConflict is returned when a compare-and-swap precondition no longer holds.
	// Callers treat it as "someone else already did it".
	ErrConflict = errors.New("job state conflict")
	// ErrNoJobsAvailable is returned when no jobs are available for claiming.
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrUnroutableJob is recorded when no handler is registered for a job.
	ErrUnroutableJob = errors.New("unroutable job")
	// ErrTimeout matches handler errors caused by exceeding the job timeout.
	ErrTimeout = errors.New("job timed out")
	// ErrInvalidCursor is returned for malformed list cursors.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// HandlerError wraps a failure returned by (or imposed on) a job handler.
type HandlerError struct {
	Err     error
	Timeout bool
}

// NewHandlerError wraps err unless it already is a HandlerError.
func NewHandlerError(err error) *HandlerError {
	var he *HandlerError
	if errors.As(err, &he) {
		return he
	}
	return &HandlerError{Err: err}
}

// NewTimeoutError records that the handler ran past its deadline.
func NewTimeoutError(limit time.Duration) *HandlerError {
	return &HandlerError{Err: fmt.Errorf("%w after %s", ErrTimeout, limit), Timeout: true}
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return "handler error"
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// UnroutableError builds the failure recorded for a job with no handler.
func UnroutableError(queue, name string) error {
	return fmt.Errorf("%w: no handler registered for %s/%s", ErrUnroutableJob, queue, name)
}
