package executor

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrAuth           = errors.New("authentication failed")
	ErrValidation     = errors.New("request rejected")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrTransport      = errors.New("transport failure")
)

// AuthError reports a credential problem that retrying cannot fix.
type AuthError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	msg := "authentication failed"
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *AuthError) Unwrap() error { return e.Err }

// Is matches ErrAuth.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// ValidationError reports a request the remote side refused as malformed.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request rejected with status %d", e.Status)
	}
	return fmt.Sprintf("request rejected with status %d: %s", e.Status, e.Body)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RetryExhaustedError reports that every allowed attempt hit a retryable outcome.
type RetryExhaustedError struct {
	Attempts   int
	LastStatus int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts (last status %d)", e.Attempts, e.LastStatus)
}

// Is matches ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// TransportError wraps a network level failure. It is not retried.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
