package domain

import (
	"context"
	"errors"
	"fmt"
)

// Errors surfaced by the store to the scheduler engine.

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists indicates a stored entity conflicts with a
	// non-replace request.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrNotImplemented is reserved for operations the store knowingly
	// does not support.
	ErrNotImplemented = errors.New("operation not implemented")
)

// IntegrityError reports a referential integrity violation: a missing
// referenced job, a calendar still referenced by a trigger, or a mismatched
// job key on trigger replacement.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return "integrity violation: " + e.Reason
}

// IsIntegrity reports whether err is an integrity violation.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// PersistenceError wraps a database failure that survived the retry policy.
// The underlying driver error is carried as cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a persistence failure of op. Domain
// errors and cooperative cancellation pass through untouched.
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsDomainError reports whether err is part of the store's error taxonomy
// rather than an unexpected driver failure.
func IsDomainError(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotImplemented) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ie *IntegrityError
	var it *IllegalTransitionError
	return errors.As(err, &ie) || errors.As(err, &it)
}
