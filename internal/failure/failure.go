// Package failure classifies errors raised while moving commands and events
// between the relational store and the ledger.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when a version compare-and-swap affects zero rows.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrLeaseExpired is returned when a command's row lease is no longer held by the caller.
	ErrLeaseExpired = errors.New("lease expired during processing")
	// ErrLeaseLost is returned when the projector leader lease could not be renewed.
	ErrLeaseLost = errors.New("leader lease lost")
)

type permanentError struct {
	cause error
}

func (e permanentError) Error() string { return e.cause.Error() }
func (e permanentError) Unwrap() error { return e.cause }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

type transientError struct {
	cause error
}

func (e transientError) Error() string { return e.cause.Error() }
func (e transientError) Unwrap() error { return e.cause }

// Transient marks err as retryable with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{cause: err}
}

// Retryable is implemented by errors that carry their own classification,
// such as ledger client errors.
type Retryable interface {
	Retryable() bool
}

// IsPermanent reports whether err must not be retried. Schema errors and
// non-retryable classified errors are permanent; everything else is not.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	var s *SchemaError
	if errors.As(err, &s) {
		return true
	}
	var r Retryable
	if errors.As(err, &r) {
		return !r.Retryable()
	}
	return false
}

// IsTransient is the complement of IsPermanent for non-nil errors, minus the
// outcomes that are neither: conflicts and lost leases are never retried blindly.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrLeaseLost) {
		return false
	}
	return true
}

// SchemaError reports an event payload that did not match the schema of its event name.
type SchemaError struct {
	EventName string
	Reason    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed for %q: %s", e.EventName, e.Reason)
}
