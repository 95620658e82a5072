package analysis

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; wrapped causes are preserved.
var (
	// ErrTimeout: a remote call exceeded its per-call deadline. Retryable.
	ErrTimeout = errors.New("remote call timed out")
	// ErrTransient: retryable network or service failure (429, 5xx, connection reset).
	ErrTransient = errors.New("transient remote error")
	// ErrMalformedResponse: the remote answered but the body is not the expected JSON shape.
	ErrMalformedResponse = errors.New("malformed remote response")
	// ErrRemote: the remote rejected the request (non-retryable 4xx).
	ErrRemote = errors.New("remote rejected request")
	// ErrRetryExhausted: every attempt failed with a retryable error.
	ErrRetryExhausted = errors.New("retries exhausted")
	// ErrPersistence: a durable write failed; the key's checkpoint was not advanced.
	ErrPersistence = errors.New("persistence failed")
)

// Retryable reports whether err is worth another attempt with the same input.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransient)
}

// Classify maps err to a short code for logs and metric labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrRemote):
		return "remote"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	default:
		return "unknown"
	}
}

// exhaustedError carries both ErrRetryExhausted and the last attempt's cause.
type exhaustedError struct {
	attempts int
	last     error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryExhausted, e.attempts, e.last)
}

func (e *exhaustedError) Unwrap() []error { return []error{ErrRetryExhausted, e.last} }
