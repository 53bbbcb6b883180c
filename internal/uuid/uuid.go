// Package uuid produces random identifiers for client-side records.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID in canonical string form.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
