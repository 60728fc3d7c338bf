// Package services holds the application layer between the HTTP handlers
// and the storage/broker adapters. Handlers call services only; services
// own validation and map adapter errors to the sentinels below.
package services

import (
	"errors"
	"fmt"

	"github.com/llmbatch/llmbatch/pkg/eventstore"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrentModification is returned when optimistic locking fails
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// mapStoreError translates event store sentinels into service sentinels.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, eventstore.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, eventstore.ErrConflict):
		return ErrConcurrentModification
	default:
		return err
	}
}
