// Package uuid generates job identifiers of the form <date>_<hex>.
package uuid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

// Generator creates date-prefixed IDs backed by UUIDv7 randomness.
type Generator struct {
	now func() time.Time
}

// New creates a Generator that stamps IDs with the current UTC date.
func New() *Generator {
	return &Generator{now: func() time.Time { return time.Now().UTC() }}
}

// NewWithClock lets tests pin the date component.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// NewID returns an ID such as 2024-05-01_0190f0c2a1b27c3d9e8f00112233aabb.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return g.now().Format(dateLayout) + "_" + hex, nil
}
