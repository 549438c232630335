package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Lookup errors
	ErrServiceNotFound  = errors.New("service type not found")
	ErrInstanceNotFound = errors.New("service instance not found")
	ErrProtocolNotFound = errors.New("defense protocol not found")

	// Availability errors
	ErrNoHealthyInstance = errors.New("no healthy instance available")

	// Validation errors
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrInvalidStatus       = errors.New("invalid status value")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotRegistered  = errors.New("not registered")
)

// RegistryError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type RegistryError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "registry", "selection", "defense")
	ID      string // Optional identity of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *RegistryError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new RegistryError
func NewRegistryError(op, kind string, err error) *RegistryError {
	return &RegistryError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrProtocolNotFound)
}

// IsUnavailable checks if an error means the type exists but no instance
// currently passes health and power filtering
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoHealthyInstance)
}

// IsValidation checks if an error is caused by a malformed payload
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRegistration) ||
		errors.Is(err, ErrInvalidStatus)
}
