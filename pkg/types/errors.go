package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry policy and operator reporting.
type ErrorKind string

const (
	KindConfigInvalid      ErrorKind = "ConfigInvalid"
	KindAuthFailed         ErrorKind = "AuthFailed"
	KindNetwork            ErrorKind = "Network"
	KindTimeout            ErrorKind = "Timeout"
	KindRateLimited        ErrorKind = "RateLimited"
	KindExchangeError      ErrorKind = "ExchangeError"
	KindValidationRejected ErrorKind = "ValidationRejected"
	KindCircuitTripped     ErrorKind = "CircuitTripped"
	KindInvariantViolated  ErrorKind = "InvariantViolated"
)

// Error is the structured error carried across component boundaries.
// Retryable tells callers whether the shared backoff policy applies;
// auth and validation failures are never retried automatically.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Code      int       `json:"code,omitempty"` // exchange retCode when Kind is ExchangeError
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Err       error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with the kind's default retryability.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
	}
}

// WrapError attaches a kind to an underlying error, preserving the chain.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: defaultRetryable(kind),
		Err:       err,
	}
}

func defaultRetryable(kind ErrorKind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// KindOf extracts the ErrorKind from an error chain. Unclassified errors
// report as Network, the most conservative retryable kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the shared backoff policy should retry err.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Plain errors are treated as transient network faults.
	return err != nil
}
