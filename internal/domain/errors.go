package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrEscrowNotFound = errors.New("escrow account not found")
	ErrWalletNotFound = errors.New("wallet not found")
	ErrEscrowExists   = errors.New("escrow account already exists")
	ErrIntentExists   = errors.New("payment intent already exists")

	// ErrIdempotencyKeyRequired is returned when a write operation whose
	// scope mandates deduplication arrives without a key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")

	// ErrIdempotencyConflict is returned when a key is reused with a
	// different request body. Never resolved automatically.
	ErrIdempotencyConflict = errors.New("idempotency key reused with mismatched payload")

	// ErrInvalidTransition is returned when the requested state is not
	// reachable from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidTransition wraps ErrInvalidTransition with the offending pair so
// callers can match with errors.Is while logs stay specific.
func InvalidTransition(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as a retryable infrastructure failure. The
// webhook settlement task retries these with bounded backoff; everything
// else fails immediately.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked
// retryable with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
