// Package mailerr defines the error kinds shared by the email subsystem.
//
// Every error returned by a store or service wraps exactly one of the sentinel
// kinds below, so callers can branch with errors.Is without parsing messages.
package mailerr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrState      = errors.New("invalid state")
	ErrConflict   = errors.New("conflict")
	ErrDelivery   = errors.New("delivery failed")
)

// Validation returns an error of kind ErrValidation.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// NotFound returns an error of kind ErrNotFound for the given entity.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// State returns an error of kind ErrState.
func State(format string, args ...any) error {
	return wrap(ErrState, format, args...)
}

// Conflict returns an error of kind ErrConflict.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Delivery returns an error of kind ErrDelivery wrapping cause.
func Delivery(cause error) error {
	return fmt.Errorf("%w: %w", ErrDelivery, cause)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
