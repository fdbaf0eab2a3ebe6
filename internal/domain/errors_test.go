package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstants(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"ErrInvalidArgument", ErrInvalidArgument, "invalid argument"},
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrMissingPart", ErrMissingPart, "missing part number"},
		{"ErrFetchFailed", ErrFetchFailed, "fetch failed"},
		{"ErrBulkFailed", ErrBulkFailed, "bulk update failed"},
		{"ErrConflict", ErrConflict, "conflict"},
		{"ErrUnavailable", ErrUnavailable, "unavailable"},
		{"ErrInternal", ErrInternal, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, tt.err.Error())
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"wrapped not found", fmt.Errorf("lookup part X-1: %w", ErrNotFound), ErrNotFound, true},
		{"wrapped fetch failed", fmt.Errorf("fetch id 42: %w", ErrFetchFailed), ErrFetchFailed, true},
		{"wrapped bulk failed", fmt.Errorf("bulk update: %w", ErrBulkFailed), ErrBulkFailed, true},
		{"not found is not fetch failed", fmt.Errorf("x: %w", ErrNotFound), ErrFetchFailed, false},
		{"invalid is not conflict", ErrInvalidArgument, ErrConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.want)
			}
		})
	}
}
