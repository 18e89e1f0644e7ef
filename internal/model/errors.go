package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks missing or inactive references and malformed input.
	// Never retried.
	ErrValidation = errors.New("validation error")
	// ErrCapacity means the geofence ceiling cannot be satisfied.
	ErrCapacity = errors.New("geofence capacity exceeded")
	// ErrTransient marks storage/network hiccups that a retry loop may fix.
	ErrTransient = errors.New("transient infrastructure error")
	// ErrPermanentDelivery marks invalid or unregistered push tokens.
	ErrPermanentDelivery = errors.New("permanent delivery error")
	ErrNotFound          = errors.New("not found")
)

type ValidationError struct {
	Entity string
	ID     string
	Msg    string
}

func NewValidationError(entity, id, msg string) *ValidationError {
	return &ValidationError{Entity: entity, ID: id, Msg: msg}
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Msg)
	}
	return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.ID, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type CapacityError struct {
	UserID    string
	Requested int
	Ceiling   int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("user %s: %d geofences requested, ceiling is %d", e.UserID, e.Requested, e.Ceiling)
}

func (e *CapacityError) Unwrap() error { return ErrCapacity }

// Transient wraps err so IsTransient reports true. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsCapacity(err error) bool   { return errors.Is(err, ErrCapacity) }
func IsTransient(err error) bool  { return errors.Is(err, ErrTransient) }
