// Package uuid wraps github.com/google/uuid so record identifiers are
// generated the same way across the CA engine, storage and audit log.
package uuid

import "github.com/google/uuid"

// New returns a new random (version 4) UUID in canonical string form.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
