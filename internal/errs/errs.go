// Package errs defines the error taxonomy shared by the memory, sync and
// session layers.
//
// Validation, not-found and invalid-state errors are surfaced to the caller
// immediately and never retried. Transient errors are retried with backoff
// until the attempt budget is exhausted, at which point the operation becomes
// a dead letter.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrTransient    = errors.New("transient network error")
	ErrDeadLetter   = errors.New("dead letter")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

// InvalidState returns an error wrapping ErrInvalidState.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return "transient: " + e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// IsTransient reports whether err should be retried: explicitly marked
// transient errors, deadlines and network timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return false
}

// IsPermanent reports whether err must be surfaced rather than retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState)
}
