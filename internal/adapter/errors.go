package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientError marks a failure worth retrying with backoff: network
// timeouts, 5xx responses, 429 throttling.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient adapter error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix: malformed
// payloads, authorization failures, not-found. The task goes terminal.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent adapter error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as terminal.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried. Unclassified network
// and deadline errors count as transient; adapters are expected to classify
// everything else themselves.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ClassifyStatus maps an HTTP status code to the error taxonomy.
func ClassifyStatus(status int, err error) error {
	switch {
	case status == 429 || status >= 500:
		return Transient(err)
	case status >= 400:
		return Permanent(err)
	default:
		return err
	}
}
