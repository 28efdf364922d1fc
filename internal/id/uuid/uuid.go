// Package uuid generates run and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator. Prefix is prepended verbatim, e.g. "run-".
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a time-ordered UUID7 string.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil {
		return id.String(), nil
	}
	return g.prefix + id.String(), nil
}

// MustNewID is NewID for callers with no error path, such as request IDs.
// It falls back to a random v4 ID.
func (g *Generator) MustNewID() string {
	id, err := g.NewID()
	if err == nil {
		return id
	}
	prefix := ""
	if g != nil {
		prefix = g.prefix
	}
	return prefix + uuid.NewString()
}
