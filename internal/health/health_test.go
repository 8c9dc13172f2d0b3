package health

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/raggd/raggd/internal/manifest"
)

func TestLoadMissingFileReturnsEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".health.json")
	agg := New(path)

	doc, err := agg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Modules) != 0 {
		t.Fatalf("expected empty modules, got %+v", doc.Modules)
	}
}

func TestRecordComputesMaxSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".health.json")
	agg := New(path)

	now := time.Now()
	details := []Report{
		{Name: "alpha", Status: manifest.StatusOK, Summary: "database healthy"},
		{Name: "beta", Status: manifest.StatusDegraded, Summary: "vacuum stale"},
	}
	if err := agg.Record("db", details, now); err != nil {
		t.Fatalf("Record: %v", err)
	}

	doc, err := agg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entry, ok := doc.Modules["db"]
	if !ok {
		t.Fatalf("expected db module entry, got %+v", doc.Modules)
	}
	if entry.Status != manifest.StatusDegraded {
		t.Fatalf("expected StatusDegraded, got %s", entry.Status)
	}
	if len(entry.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(entry.Details))
	}
}

func TestRecordCarriesForwardUnselectedModules(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".health.json")
	agg := New(path)

	now := time.Now()
	if err := agg.Record("db", []Report{{Name: "alpha", Status: manifest.StatusOK}}, now); err != nil {
		t.Fatalf("Record db: %v", err)
	}
	if err := agg.Record("parser", []Report{{Name: "alpha", Status: manifest.StatusError, Summary: "boom"}}, now); err != nil {
		t.Fatalf("Record parser: %v", err)
	}

	doc, err := agg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := doc.Modules["db"]; !ok {
		t.Fatalf("expected db module carried forward, got %+v", doc.Modules)
	}
	if doc.Modules["parser"].Status != manifest.StatusError {
		t.Fatalf("expected parser StatusError, got %s", doc.Modules["parser"].Status)
	}
}

// TestRecordRoundTripMatchesExpectedDocument persists a document, reloads
// it, and structurally diffs the result against the expected shape, so a
// stray field rename or ordering regression in the JSON round trip shows up
// as a readable diff instead of a pile of individual field assertions.
func TestRecordRoundTripMatchesExpectedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".health.json")
	agg := New(path)

	now := time.Now()
	details := []Report{
		{Name: "alpha", Status: manifest.StatusDegraded, Summary: "vacuum stale", Actions: []string{"raggd db vacuum alpha"}},
	}
	if err := agg.Record("db", details, now); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := agg.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Document{
		Modules: map[string]ModuleEntry{
			"db": {
				Status:  manifest.StatusDegraded,
				Details: details,
			},
		},
	}

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(ModuleEntry{}, "CheckedAt")); diff != "" {
		t.Fatalf("reloaded document mismatch (-want +got):\n%s", diff)
	}
}
