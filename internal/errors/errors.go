// Package errors consolidates error definitions for the entire project.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A ValidationErrors collector for multi-field validation
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound            = errors.New("not found")
	ErrObservationNotFound = errors.New("observation not found")
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrProgramNotFound     = errors.New("program not found")
	ErrSiteNotFound        = errors.New("site not found")
	ErrSeriesNotFound      = errors.New("series not found")

	// Already exists errors
	ErrAlreadyExists        = errors.New("already exists")
	ErrSegmentAlreadyExists = errors.New("segment already exists")

	// Ingestion errors
	//
	// ErrMissingTenant rejects the write outright: tenant scoping is a
	// security boundary and is never defaulted.
	ErrMissingTenant = errors.New("site has no resolvable tenant")

	// ErrDerivedSkipped means the raw observation was persisted but the
	// derived-metric chain could not run (missing raw reading). The row is
	// flagged for reprocessing.
	ErrDerivedSkipped = errors.New("derived computation skipped")

	// Validation errors
	ErrInvalidReading  = errors.New("invalid reading")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidPhaseDay = errors.New("invalid phase day")
	ErrMissingField    = errors.New("missing required field")

	// Sync errors
	ErrSyncPropagation = errors.New("sync propagation failed")
	ErrOutOfSync       = errors.New("observation out of sync")

	// State errors
	ErrSegmentNotEmpty = errors.New("segment not empty")
	ErrServiceStopped  = errors.New("service not running")
	ErrTenantMismatch  = errors.New("tenant mismatch")

	// Internal errors
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrObservationNotFound) ||
		errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrProgramNotFound) ||
		errors.Is(err, ErrSiteNotFound) ||
		errors.Is(err, ErrSeriesNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrSegmentAlreadyExists)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidReading) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidPhaseDay) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrSyncPropagation) ||
		errors.Is(err, ErrDatabase)
}

// IsRejection returns true if err should reject the submission entirely.
// A rejected submission writes nothing; contrast with ErrDerivedSkipped,
// where the raw row persists.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingTenant) ||
		errors.Is(err, ErrTenantMismatch) ||
		IsValidation(err)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidReading)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
