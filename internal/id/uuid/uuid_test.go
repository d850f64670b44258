// Package uuid includes tests for the job ID generator.
package uuid

import (
	"strings"
	"testing"
	"time"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique and carry a date prefix.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	day := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	gen := NewWithClock(func() time.Time { return day })
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	for _, id := range []string{id1, id2} {
		date, hex, ok := strings.Cut(id, "_")
		if !ok || date != "2024-05-01" {
			t.Fatalf("expected date prefix in %q", id)
		}
		if len(hex) != 32 {
			t.Fatalf("expected 32 hex chars, got %q", hex)
		}
		if _, err := goUUID.Parse(hex); err != nil {
			t.Fatalf("hex part not a valid UUID: %v", err)
		}
	}
}

func TestNewUsesCurrentDate(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Format(dateLayout)
	id, err := New().NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	after := time.Now().UTC().Format(dateLayout)
	if !strings.HasPrefix(id, before+"_") && !strings.HasPrefix(id, after+"_") {
		t.Fatalf("unexpected date prefix in %q", id)
	}
}
