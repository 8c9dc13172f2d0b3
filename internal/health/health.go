// Package health aggregates per-module HealthReports into a single
// workspace-wide .health.json document, per SPEC_FULL §4.18.
package health

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/raggd/raggd/internal/manifest"
)

// Report is the module-agnostic shape every evaluator (dbhealth, the
// parser health evaluator, future modules) produces for one source.
type Report struct {
	Name          string               `json:"name"`
	Status        manifest.HealthStatus `json:"status"`
	Summary       string               `json:"summary"`
	Actions       []string             `json:"actions"`
	LastRefreshAt *time.Time           `json:"last_refresh_at,omitempty"`
}

// ModuleEntry is one module's section of the aggregated document.
type ModuleEntry struct {
	Status    manifest.HealthStatus `json:"status"`
	CheckedAt time.Time             `json:"checked_at"`
	Details   []Report              `json:"details"`
}

// Document is the full .health.json payload.
type Document struct {
	Modules map[string]ModuleEntry `json:"modules"`
}

// Aggregator reads/writes the workspace health document.
type Aggregator struct {
	path string
}

// New constructs an Aggregator for the given .health.json path.
func New(healthFilePath string) *Aggregator {
	return &Aggregator{path: healthFilePath}
}

// moduleStatus computes a module's overall status as the maximum severity
// among its details, defaulting to ok when there are none.
func moduleStatus(details []Report) manifest.HealthStatus {
	status := manifest.StatusOK
	for _, d := range details {
		status = manifest.MaxSeverity(status, d.Status)
	}
	return status
}

// Load reads the existing document, returning an empty one if absent.
func (a *Aggregator) Load() (Document, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{Modules: map[string]ModuleEntry{}}, nil
		}
		return Document{}, fmt.Errorf("health: read %q: %w", a.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("health: decode %q: %w", a.path, err)
	}
	if doc.Modules == nil {
		doc.Modules = map[string]ModuleEntry{}
	}
	return doc, nil
}

// Record merges a freshly evaluated module's details into the document and
// persists it. Modules present in the previous document but not passed
// here are carried forward verbatim (per §4.18).
func (a *Aggregator) Record(moduleName string, details []Report, checkedAt time.Time) error {
	doc, err := a.Load()
	if err != nil {
		return err
	}

	sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })

	doc.Modules[moduleName] = ModuleEntry{
		Status:    moduleStatus(details),
		CheckedAt: checkedAt,
		Details:   details,
	}

	return a.persist(doc)
}

// persist atomically replaces the health file (temp-file-plus-rename),
// with no backup rotation, per §4.18.
func (a *Aggregator) persist(doc Document) error {
	encoded, err := marshalSorted(doc)
	if err != nil {
		return fmt.Errorf("health: encode %q: %w", a.path, err)
	}

	dir := filepath.Dir(a.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("health: mkdir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(a.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("health: stage %q: %w", a.path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("health: stage %q: %w", a.path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("health: stage %q: %w", a.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("health: stage %q: %w", a.path, err)
	}

	if err := os.Rename(tmpPath, a.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("health: rename %q: %w", a.path, err)
	}
	return nil
}

func marshalSorted(doc Document) ([]byte, error) {
	compact, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, compact, "", "  "); err != nil {
		return nil, err
	}
	return indented.Bytes(), nil
}
