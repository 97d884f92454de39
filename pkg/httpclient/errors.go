// Package httpclient provides the shared HTTP plumbing for provider
// adapters and the error taxonomy used across the core: transport errors
// are retryable, target errors are not.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransportError covers network failures, timeouts, and 5xx-class provider
// responses. Callers retry it with back-off.
type TransportError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TargetError covers 4xx-class provider responses, schema validation
// failures, and adapter parse failures. It is surfaced to callbacks rather
// than retried.
type TargetError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TargetError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("target error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("target error: %s", e.Message)
}

func (e *TargetError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a retryable transport failure.
func NewTransportError(message string, err error) *TransportError {
	return &TransportError{Message: message, Err: err}
}

// NewTargetError wraps err as a non-retryable target failure.
func NewTargetError(message string, err error) *TargetError {
	return &TargetError{Message: message, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTarget reports whether err is a non-retryable target failure.
func IsTarget(err error) bool {
	var te *TargetError
	return errors.As(err, &te)
}

// ClassifyStatus maps an HTTP status code to the error taxonomy. A nil
// return means the status is not an error.
func ClassifyStatus(status int, body string) error {
	switch {
	case status >= 500 || status == 408 || status == 429:
		return &TransportError{StatusCode: status, Message: body}
	case status >= 400:
		return &TargetError{StatusCode: status, Message: body}
	default:
		return nil
	}
}

// ClassifyDialErr maps a round-trip error to the taxonomy: cancellation
// passes through untouched, everything else at the socket level is transport.
func ClassifyDialErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransportError{Message: netErr.Error(), Err: err}
	}
	return &TransportError{Message: err.Error(), Err: err}
}
