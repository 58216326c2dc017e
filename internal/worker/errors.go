package worker

import "fmt"

type (
	// RetryableError marks a processing failure that should be requeued,
	// subject to the job's attempt cap. Unknown errors are treated as
	// retryable by default.
	RetryableError struct {
		Err error
	}

	// NonRetryableError marks a processing failure that must not be retried:
	// the job is failed immediately, bypassing the attempt cap. Used for bad
	// input, auth failures and corrupted data.
	NonRetryableError struct {
		Err error
	}
)

// Retryable wraps err as a RetryableError.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// NonRetryable wraps err as a NonRetryableError.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// Retryablef formats a RetryableError.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// NonRetryablef formats a NonRetryableError.
func NonRetryablef(format string, args ...any) error {
	return &NonRetryableError{Err: fmt.Errorf(format, args...)}
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func (e *NonRetryableError) Error() string { return e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }
