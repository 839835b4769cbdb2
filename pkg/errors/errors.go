// Package errors provides common domain error types for the nls harvester.
//
// This package defines sentinel errors for common domain conditions like "not found"
// or "storage unavailable" that can be used across all packages. Using typed errors
// enables consistent error handling patterns with errors.Is() checks.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/nls/pkg/errors"
//
//	// Return a domain error
//	return 0, nil, pferrors.ErrNotFound
//
//	// Check for domain errors
//	if pferrors.IsNotFound(err) {
//	    // insert instead
//	}
package errors

import "errors"

// Domain errors - common sentinel errors for domain conditions.
var (
	// ErrNotFound indicates the requested row was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrStorageUnavailable indicates the store cannot serve any further writes
	// in this run (connection lost, database or schema missing).
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrLocked indicates another writer holds the store's writer lock.
	ErrLocked = errors.New("writer lock held by another process")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsStorageUnavailable reports whether any error in err's chain is ErrStorageUnavailable.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsLocked reports whether any error in err's chain is ErrLocked.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}
