package storage

import "github.com/google/uuid"

// newID generates a random identifier for rows the caller doesn't supply
// one for.
func newID() string {
	return uuid.NewString()
}
