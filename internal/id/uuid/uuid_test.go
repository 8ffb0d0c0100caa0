package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
)

func TestNewIDProducesValidUUID7(t *testing.T) {
	t.Parallel()

	gen := New()
	id, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	parsed, err := guuid.Parse(id)
	if err != nil {
		t.Fatalf("generated ID %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("UUID version = %d, want 7", parsed.Version())
	}
}

func TestNewIDIsUnique(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]bool)
	for range 100 {
		id, err := gen.NewID()
		if err != nil {
			t.Fatalf("NewID() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}
