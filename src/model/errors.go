package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for the execution engine. Validation and conflict errors
// are never retried; transient exchange errors are retried at the adapter
// boundary and surface as an ExecutionFailure once retries are exhausted;
// auth errors are fatal for a live session.

// ValidationError rejects bad caller input, e.g. leverage out of range.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ConflictError rejects a duplicate in-flight order for a
// (symbol, direction) pair.
type ConflictError struct {
	Symbol    string
	Direction Direction
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("in-flight order already exists for %s %s", e.Symbol, e.Direction)
}

// TransientExchangeError marks a timeout, 5xx or rate-limit response.
// Retryable is false once the adapter has exhausted its backoff budget.
type TransientExchangeError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientExchangeError) Error() string {
	return fmt.Sprintf("transient exchange error in %s (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *TransientExchangeError) Unwrap() error { return e.Err }

// ExecutionFailure wraps an order operation whose retries were exhausted.
// The order's true outcome is unknown until the next synchronizer cycle.
type ExecutionFailure struct {
	ClientOrderID string
	Err           error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failed for order %s: %v", e.ClientOrderID, e.Err)
}

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// DriftErr reports an unexplained local/remote mismatch found by the
// synchronizer. It is corrected locally and surfaced as a warning.
type DriftErr struct {
	Symbol string
	Kind   string
	Detail string
}

func (e *DriftErr) Error() string {
	return fmt.Sprintf("drift on %s (%s): %s", e.Symbol, e.Kind, e.Detail)
}

// AuthError is a credential failure on the live adapter. Fatal for the
// session: stop trading, never retry into paper mode.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed in %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrOrderNotFound is returned when an order id resolves to nothing.
var ErrOrderNotFound = errors.New("order not found")

// ErrPositionNotFound is returned when a position id resolves to nothing.
var ErrPositionNotFound = errors.New("position not found")

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// ErrStrategyNotFound is returned when a strategy id resolves to nothing.
var ErrStrategyNotFound = errors.New("strategy not found")

// IsRetryable reports whether an error may still be retried by the caller
// of the adapter boundary.
func IsRetryable(err error) bool {
	var transient *TransientExchangeError
	return errors.As(err, &transient)
}

// IsFatal reports whether the error must stop the session.
func IsFatal(err error) bool {
	var auth *AuthError
	return errors.As(err, &auth)
}
