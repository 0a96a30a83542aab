package types

import (
	"fmt"

	"github.com/google/uuid"
)

// NewJobID returns a fresh random job identifier.
func NewJobID() uuid.UUID {
	return uuid.New()
}

// ParseID parses a textual UUID, accepting the empty string as uuid.Nil.
func ParseID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id, nil
}
