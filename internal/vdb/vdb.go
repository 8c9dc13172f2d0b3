// Package vdb implements the persistence envelope and embedding-provider
// contract for per-source vector databases, per SPEC_FULL §6.3.
package vdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metric is the distance metric a vdb was built with.
type Metric string

const (
	MetricL2     Metric = "l2"
	MetricIP     Metric = "ip"
	MetricCosine Metric = "cosine"
)

// Meta is the sidecar document persisted next to the opaque index bytes.
type Meta struct {
	Version      int       `json:"version"`
	Provider     string    `json:"provider"`
	ModelID      string    `json:"model_id"`
	ModelName    string    `json:"model_name"`
	Dim          int       `json:"dim"`
	Metric       Metric    `json:"metric"`
	IndexType    string    `json:"index_type"`
	VectorCount  int       `json:"vector_count"`
	BuiltAt      time.Time `json:"built_at"`
	Checksum     string    `json:"checksum"`
	VDBID        string    `json:"vdb_id"`
}

// IndexFileName and MetaFileName are the canonical on-disk names for a
// vdb directory (SourceVDBDir).
const (
	IndexFileName = "index.faiss"
	MetaFileName  = "index.faiss.meta.json"
)

// Store persists/loads a vdb's two-file unit within dir.
type Store struct {
	dir string
}

// New constructs a Store rooted at dir (typically paths.WorkspacePaths's
// SourceVDBDir).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, IndexFileName) }
func (s *Store) metaPath() string  { return filepath.Join(s.dir, MetaFileName) }

// Persist atomically replaces the index and its sidecar. If the sidecar
// write fails after the index was replaced, the previous index is written
// back (or, when there was none, the new index is removed) so the pair is
// never left mismatched (§6.3).
func (s *Store) Persist(indexBytes []byte, meta Meta) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("vdb: create %q: %w", s.dir, err)
	}

	sum := sha256.Sum256(indexBytes)
	meta.Checksum = hex.EncodeToString(sum[:])

	previousIndex, hadPreviousIndex := readIfExists(s.indexPath())

	if err := atomicWrite(s.indexPath(), indexBytes); err != nil {
		return fmt.Errorf("vdb: write index: %w", err)
	}

	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		s.restoreOrRemoveIndex(previousIndex, hadPreviousIndex)
		return fmt.Errorf("vdb: encode meta: %w", err)
	}

	if err := atomicWrite(s.metaPath(), encoded); err != nil {
		s.restoreOrRemoveIndex(previousIndex, hadPreviousIndex)
		return fmt.Errorf("vdb: write meta: %w", err)
	}

	return nil
}

func (s *Store) restoreOrRemoveIndex(previous []byte, had bool) {
	if had {
		_ = atomicWrite(s.indexPath(), previous)
		return
	}
	_ = os.Remove(s.indexPath())
}

func readIfExists(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Load reads the index bytes and sidecar meta, verifying the checksum.
func (s *Store) Load() ([]byte, Meta, error) {
	indexBytes, err := os.ReadFile(s.indexPath())
	if err != nil {
		return nil, Meta{}, fmt.Errorf("vdb: read index: %w", err)
	}
	raw, err := os.ReadFile(s.metaPath())
	if err != nil {
		return nil, Meta{}, fmt.Errorf("vdb: read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, Meta{}, fmt.Errorf("vdb: decode meta: %w", err)
	}

	sum := sha256.Sum256(indexBytes)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, Meta{}, fmt.Errorf("vdb: index checksum mismatch for %q", s.indexPath())
	}
	return indexBytes, meta, nil
}

// atomicWrite stages content in a same-directory temp file, fsyncs, and
// renames over path.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
