package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by create-only operations when the entity is already present.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStatusMismatch is returned by conditional updates when the entity is not
	// in one of the expected statuses.
	ErrStatusMismatch = errors.New("status mismatch")

	// ErrInvalidTransition is returned when a status change is not an edge of the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidConfiguration is returned for job configurations that cannot be executed.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrConfigurationResolutionFailed is returned when a configuration provider is
	// unreachable or delivers malformed data.
	ErrConfigurationResolutionFailed = errors.New("configuration resolution failed")

	// ErrConflict is returned when an entity cannot be changed because another entity references it.
	ErrConflict = errors.New("conflict")
)

// ConflictError names the entity that blocks an operation.
type ConflictError struct {
	Entity    string
	ID        string
	Reference string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s is referenced by %s", e.Entity, e.ID, e.Reference)
}

// Unwrap makes errors.Is(err, ErrConflict) hold.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
