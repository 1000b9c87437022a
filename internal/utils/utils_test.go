package utils

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Test_ValidateInstrument exercises the identifier alphabet and length limit.
func Test_ValidateInstrument(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr string // empty means valid
	}{
		{"token address", "0x5FbDB2315678afecb367f032d93F642f64180aa3", ""},
		{"separators", "presale_token-01.v2", ""},
		{"single character", "X", ""},
		{"at length limit", strings.Repeat("a", MaxInstrumentLength), ""},
		{"empty", "", "instrument cannot be empty"},
		{"over length limit", strings.Repeat("a", MaxInstrumentLength+1), "instrument too long"},
		{"cache key separator", "bars:0xabc", "invalid character ':'"},
		{"whitespace", "0x abc", "invalid character ' '"},
		{"glob", "0xabc*", "invalid character '*'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstrument(tt.id)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// Test_ValidateInstruments tests quantity limits and per-item validation
func Test_ValidateInstruments(t *testing.T) {
	tests := []struct {
		name        string
		instruments []string
		maxAllowed  int
		expectError bool
		expectedErr error
		errorMsg    string
	}{
		{
			name:        "Within limit",
			instruments: []string{"0xabc", "0xdef"},
			maxAllowed:  2,
		},
		{
			name:        "Empty list",
			instruments: []string{},
			maxAllowed:  5,
			expectError: true,
			expectedErr: ErrNoInstruments,
		},
		{
			name:        "Nil list",
			instruments: nil,
			maxAllowed:  5,
			expectError: true,
			expectedErr: ErrNoInstruments,
		},
		{
			name:        "Over limit",
			instruments: []string{"a", "b", "c"},
			maxAllowed:  2,
			expectError: true,
			expectedErr: ErrTooManyInstruments,
			errorMsg:    "requested 3 instruments, maximum allowed 2",
		},
		{
			name:        "Non-positive limit",
			instruments: []string{"a"},
			maxAllowed:  0,
			expectError: true,
			expectedErr: ErrTooManyInstruments,
			errorMsg:    "max allowed must be positive",
		},
		{
			name:        "Invalid member",
			instruments: []string{"0xabc", "bad id"},
			maxAllowed:  5,
			expectError: true,
			errorMsg:    "invalid instrument at index 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInstruments(tt.instruments, tt.maxAllowed)
			if !tt.expectError {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			if tt.expectedErr != nil {
				assert.True(t, errors.Is(err, tt.expectedErr), "Should wrap %v", tt.expectedErr)
			}
			if tt.errorMsg != "" {
				assert.Contains(t, err.Error(), tt.errorMsg)
			}
		})
	}
}
