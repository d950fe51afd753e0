package uuidx

import "github.com/google/uuid"

// New generates a version 7 UUID. V7 identifiers are time-ordered, which keeps
// message and event ids sortable by creation time. It panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a version 7 UUID and returns its string form.
func NewString() string {
	return New().String()
}
