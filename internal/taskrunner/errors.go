package taskrunner

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownType    = errors.New("no handler registered for task type")
	ErrNotFound       = errors.New("task not found")
	ErrNotCancellable = errors.New("task is not pending")
)

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry so
// the runner fails the task immediately instead of burning the retry budget.
//
// Example:
//
//	return nil, taskrunner.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches an explicit retry delay hint to an error, overriding the
// runner's exponential backoff (e.g. when downstream returned HTTP 429).
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors carrying an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
