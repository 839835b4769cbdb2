package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct match", ErrNotFound, true},
		{"wrapped once", fmt.Errorf("find city: %w", ErrNotFound), true},
		{"wrapped twice", fmt.Errorf("engine: %w", fmt.Errorf("store: %w", ErrNotFound)), true},
		{"different error", ErrConflict, false},
		{"nil error", nil, false},
		{"unrelated error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsStorageUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"direct match", ErrStorageUnavailable, true},
		{"wrapped", fmt.Errorf("insert regions: %w", ErrStorageUnavailable), true},
		{"validation", ErrValidation, false},
		{"nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStorageUnavailable(tt.err); got != tt.want {
				t.Errorf("IsStorageUnavailable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsValidationAndConflictAndLocked(t *testing.T) {
	if !IsValidation(fmt.Errorf("record: %w", ErrValidation)) {
		t.Error("expected wrapped ErrValidation to match")
	}
	if !IsConflict(ErrConflict) {
		t.Error("expected ErrConflict to match")
	}
	if !IsLocked(fmt.Errorf("acquire: %w", ErrLocked)) {
		t.Error("expected wrapped ErrLocked to match")
	}
	if IsLocked(ErrNotFound) {
		t.Error("expected ErrNotFound not to match ErrLocked")
	}
}
