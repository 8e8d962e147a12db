package engine

import (
	"path/filepath"
	"testing"

	"github.com/axonops/axonops-docstore/internal/dberr"
)

func TestUUID18Shape(t *testing.T) {
	e := newTestEngine(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := e.uuid18()
		if len(id) > 18 || len(id) == 0 {
			t.Fatalf("id %q has length %d", id, len(id))
		}
		for _, c := range id {
			if c < '0' || c > '9' {
				t.Fatalf("id %q is not decimal", id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestUseGenerator(t *testing.T) {
	e := newTestEngine(t)
	mustAddSection(t, e, "s")

	if err := e.UseGenerator("uuid4"); err != nil {
		t.Fatal(err)
	}
	id, err := e.Add("s", map[string]any{"x": float64(1)}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 36 {
		t.Errorf("uuid4 id = %q", id)
	}

	if err := e.UseGenerator("bogus"); !dberr.IsKind(err, dberr.KindMalformedIDGenerator) {
		t.Errorf("expected MalformedIdGeneratorError, got %v", err)
	}
}

func TestCounterGeneratorSeedsAboveExistingIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.json")
	e, err := New(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ForceLoad(); err != nil {
		t.Fatal(err)
	}
	mustAddSection(t, e, "s")
	if err := e.UseGenerator("counter"); err != nil {
		t.Fatal(err)
	}
	first, err := e.Add("s", map[string]any{"x": float64(1)}, false)
	if err != nil {
		t.Fatal(err)
	}
	if first != "1" {
		t.Errorf("first counter id = %q, want 1", first)
	}

	// Re-selecting the strategy after inserts must not reuse IDs.
	if err := e.UseGenerator("counter"); err != nil {
		t.Fatal(err)
	}
	second, err := e.Add("s", map[string]any{"x": float64(2)}, false)
	if err != nil {
		t.Fatal(err)
	}
	if second != "2" {
		t.Errorf("second counter id = %q, want 2", second)
	}
}
