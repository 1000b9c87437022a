// Package utils provides common utility functions for data validation.
//
// This package contains utilities for validating instrument identifiers as they
// arrive from ingestion payloads, range queries and subscription requests.
package utils

import (
	"errors"
	"fmt"
)

// Error definitions for validation functions
var (
	ErrNoInstruments      = errors.New("zero instruments requested")
	ErrTooManyInstruments = errors.New("too many instruments requested")
)

// MaxInstrumentLength bounds an instrument identifier. Token addresses are 42
// characters; the extra room allows other opaque ids.
const MaxInstrumentLength = 128

// ValidateInstrument validates that an instrument identifier is usable as a
// channel name and cache key component.
//
// Identifiers are opaque, but must be non-empty, at most MaxInstrumentLength
// characters and consist only of ASCII letters, digits, '-', '_' and '.'.
// The ':' separator is reserved for cache keys.
func ValidateInstrument(id string) error {
	if id == "" {
		return errors.New("instrument cannot be empty")
	}

	if len(id) > MaxInstrumentLength {
		return fmt.Errorf("instrument too long: %d characters (max %d)", len(id), MaxInstrumentLength)
	}

	for i := 0; i < len(id); i++ {
		if !isIdentChar(id[i]) {
			return fmt.Errorf("invalid character %q at index %d in instrument %q", id[i], i, id)
		}
	}

	return nil
}

// ValidateInstruments validates a slice of instrument identifiers and enforces
// quantity limits.
//
// This function performs two types of validation:
//  1. Quantity validation: Ensures the number of instruments is within acceptable limits
//  2. Format validation: Validates each identifier using ValidateInstrument
func ValidateInstruments(ids []string, maxAllowed int) error {
	if len(ids) == 0 {
		return ErrNoInstruments
	}

	if maxAllowed <= 0 {
		return fmt.Errorf("%w: max allowed must be positive, got %d",
			ErrTooManyInstruments, maxAllowed)
	}

	if len(ids) > maxAllowed {
		return fmt.Errorf("%w: requested %d instruments, maximum allowed %d",
			ErrTooManyInstruments, len(ids), maxAllowed)
	}

	for i, id := range ids {
		if err := ValidateInstrument(id); err != nil {
			return fmt.Errorf("invalid instrument at index %d (%q): %w", i, id, err)
		}
	}

	return nil
}

func isIdentChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.':
		return true
	}
	return false
}
