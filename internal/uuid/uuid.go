// Package uuid generates and validates identifiers for queue entries
// and entities.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 string. Operation ids sort by
// creation time, which keeps queue listings stable.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// NewRandom returns a random UUIDv4 string.
func NewRandom() string {
	return uuid.NewString()
}

// Parse parses a canonical UUID string.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	return id, nil
}

// IsValid reports whether s is a canonical, dashed UUID of version 4 or 7.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	v := id.Version()
	return (v == 4 || v == 7) && id.Variant() == uuid.RFC4122
}

// Validate returns an error if s is not a valid identifier.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
