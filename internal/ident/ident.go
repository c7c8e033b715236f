// Package ident generates the opaque identifiers used for every entity in a
// network scope. Identifiers are random UUIDv4 strings, so collisions are
// cryptographically negligible and ids are never reused.
package ident

import "github.com/google/uuid"

// New returns a fresh opaque identifier.
func New() string {
	return uuid.NewString()
}
