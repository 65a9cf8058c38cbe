// Package uuid mints identifiers for crawl runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDs.
type Generator struct{}

// New creates a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RunID returns a UUIDv7, or a random UUIDv4 when the v7 source fails.
func (g Generator) RunID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}
