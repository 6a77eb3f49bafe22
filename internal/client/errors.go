package client

import (
	"errors"
	"fmt"
)

// ErrTransient marks provider errors that are worth retrying within the same
// invocation (network failures, timeouts, throttling, 5xx). Permanent errors
// (bad input, 4xx) are recorded as failed results immediately.
var ErrTransient = errors.New("transient provider error")

// Transientf wraps a formatted error as transient.
func Transientf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransient)...)
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// retryableStatus reports whether an HTTP status from a provider should be
// treated as transient.
func retryableStatus(status int) bool {
	return status == 408 || status == 429 || status >= 500
}
