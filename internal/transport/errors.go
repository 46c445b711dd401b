package transport

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned by FetchResult when the job has not reached the
// ready state. Fetching before a ready status is a caller bug and is not
// retried.
var ErrNotReady = errors.New("transport: result is not ready")

// TransientError indicates a network or server hiccup that may resolve with a
// retry. The polling engine counts these against its retry budget.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transport: transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError indicates the server refused the request as malformed. It
// will not resolve with retries.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transport: request rejected (status %d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
