// Package manifest implements the per-source JSON manifest substrate:
// atomic, lock-coordinated reads/writes with backup rotation and
// transaction hooks (SPEC_FULL §4.3), plus the structural migrator
// (§4.4).
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/raggd/raggd/internal/lock"
)

// Snapshot is an independent, deep-copied view of a manifest document
// returned to callers; mutating it never affects a later Load.
type Snapshot struct {
	Data           map[string]interface{}
	ModulesKey     string
	DBModuleKey    string
}

// Options configures locking and backup behavior for a Service.
type Options struct {
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	LockSuffix       string
	BackupSuffix     string
	BackupsEnabled   bool
	BackupRetention  int
	ModulesKey       string
	DBModuleKey      string
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		LockTimeout:      10 * time.Second,
		LockPollInterval: 50 * time.Millisecond,
		LockSuffix:       ".lock",
		BackupSuffix:     ".bak",
		BackupsEnabled:   true,
		BackupRetention:  3,
		ModulesKey:       ModulesKey,
		DBModuleKey:      DBModuleKey,
	}
}

// Service reads, mutates, and migrates manifest.json files.
type Service struct {
	opts Options
}

// New constructs a Service.
func New(opts Options) *Service {
	return &Service{opts: opts}
}

// ReadError distinguishes a malformed manifest from a missing one; a
// missing/empty-after-trim file is not an error (Load returns {}).
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string { return fmt.Sprintf("manifest: read %q: %v", e.Path, e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a failure during atomic replace, naming the stage that
// failed ("encode", "mkdir", "backup", "stage" or "rename").
type WriteError struct {
	Path  string
	Stage string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("manifest: write %q (%s): %v", e.Path, e.Stage, e.Err)
}
func (e *WriteError) Unwrap() error { return e.Err }

// TransactionError wraps a rollback-after-persist-failure.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string { return fmt.Sprintf("manifest: transaction failed: %v", e.Err) }
func (e *TransactionError) Unwrap() error { return e.Err }

func (s *Service) lockPath(manifestPath string) string {
	return manifestPath + s.opts.LockSuffix
}

func (s *Service) withLock(manifestPath string, fn func() error) error {
	return lock.With(s.lockPath(manifestPath), s.opts.LockTimeout, s.opts.LockPollInterval, fn)
}

// readRaw loads the raw JSON object at path. A missing file or a file
// that is empty after whitespace-trimming returns an empty document, not
// an error.
func readRaw(path string) (map[string]interface{}, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]interface{}{}, nil
		}
		return nil, &ReadError{Path: path, Err: err}
	}
	if strings.TrimSpace(string(bytes)) == "" {
		return map[string]interface{}{}, nil
	}

	var data map[string]interface{}
	if err := json.Unmarshal(bytes, &data); err != nil {
		return nil, &ReadError{Path: path, Err: fmt.Errorf("malformed JSON: %w", err)}
	}
	return data, nil
}

// Load reads the manifest at manifestPath. When applyMigrations is true,
// the manifest lock is held, the migrator runs, and (unless dryRun) any
// change is persisted with a backup before returning.
func (s *Service) Load(manifestPath string, applyMigrations, dryRun bool) (Snapshot, error) {
	if !applyMigrations {
		data, err := readRaw(manifestPath)
		if err != nil {
			return Snapshot{}, err
		}
		return s.snapshot(data), nil
	}

	var result Snapshot
	err := s.withLock(manifestPath, func() error {
		data, err := readRaw(manifestPath)
		if err != nil {
			return err
		}
		migrated := Migrate(data)
		if migrated.Applied && !dryRun {
			if err := s.persist(manifestPath, migrated.Data); err != nil {
				return err
			}
		}
		result = s.snapshot(migrated.Data)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result, nil
}

func (s *Service) snapshot(data map[string]interface{}) Snapshot {
	return Snapshot{
		Data:        deepCopyMap(data),
		ModulesKey:  s.opts.ModulesKey,
		DBModuleKey: s.opts.DBModuleKey,
	}
}

// Write acquires the manifest lock, reads the current document, calls
// mutate on a deep copy, and atomically persists the result if it
// differs from the original (by checksum). Returns a snapshot of the
// persisted (or unchanged) document.
func (s *Service) Write(manifestPath string, mutate func(map[string]interface{}) error) (Snapshot, error) {
	var result Snapshot
	err := s.withLock(manifestPath, func() error {
		original, err := readRaw(manifestPath)
		if err != nil {
			return err
		}
		candidate := deepCopyMap(original)
		if err := mutate(candidate); err != nil {
			return err
		}

		if checksum(original) != checksum(candidate) {
			if err := s.persist(manifestPath, candidate); err != nil {
				return err
			}
		}
		result = s.snapshot(candidate)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result, nil
}

// Transaction exposes commit/rollback hooks around a Write-equivalent
// operation, per SPEC_FULL's transaction state machine.
type Transaction struct {
	svc          *Service
	path         string
	data         map[string]interface{}
	commitHooks  []func()
	rollbackHooks []func()
}

// Data returns the transaction's current working copy for mutation.
func (t *Transaction) Data() map[string]interface{} { return t.data }

// OnCommit registers a callback run (in registration order) after a
// successful persist.
func (t *Transaction) OnCommit(fn func()) { t.commitHooks = append(t.commitHooks, fn) }

// OnRollback registers a callback run (in LIFO order) when the body or
// the persist step fails.
func (t *Transaction) OnRollback(fn func()) { t.rollbackHooks = append(t.rollbackHooks, fn) }

func (t *Transaction) runRollbacks() {
	for i := len(t.rollbackHooks) - 1; i >= 0; i-- {
		t.rollbackHooks[i]()
	}
}

// WithTransaction runs body against a Transaction scoped to manifestPath,
// under the manifest lock, with the same atomic-replace guarantees as
// Write. On body error, rollback callbacks run (LIFO) and the error is
// returned. On persist error, rollback callbacks run and a
// *TransactionError wraps the cause. On success, commit callbacks run in
// registration order.
func (s *Service) WithTransaction(manifestPath string, body func(*Transaction) error) (Snapshot, error) {
	var result Snapshot
	err := s.withLock(manifestPath, func() error {
		original, err := readRaw(manifestPath)
		if err != nil {
			return err
		}
		tx := &Transaction{svc: s, path: manifestPath, data: deepCopyMap(original)}

		if err := body(tx); err != nil {
			tx.runRollbacks()
			return err
		}

		if checksum(original) != checksum(tx.data) {
			if err := s.persist(manifestPath, tx.data); err != nil {
				tx.runRollbacks()
				return &TransactionError{Err: err}
			}
		}
		for _, fn := range tx.commitHooks {
			fn()
		}
		result = s.snapshot(tx.data)
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result, nil
}

// MigrateSource behaves like Load(applyMigrations=true): it reads, migrates
// and (unless dryRun) persists under the manifest lock, and additionally
// returns the MigrateResult.
func (s *Service) MigrateSource(manifestPath string, dryRun bool) (Snapshot, MigrateResult, error) {
	var result MigrateResult
	err := s.withLock(manifestPath, func() error {
		raw, err := readRaw(manifestPath)
		if err != nil {
			return err
		}
		result = Migrate(raw)
		if result.Applied && !dryRun {
			return s.persist(manifestPath, result.Data)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, MigrateResult{}, err
	}
	return s.snapshot(result.Data), result, nil
}

// persist serializes data (2-space indent, sorted keys), rotates a
// backup if enabled, and atomically replaces manifestPath via a
// temp-file-in-same-directory + fsync + rename.
func (s *Service) persist(manifestPath string, data map[string]interface{}) error {
	encoded, err := marshalSorted(data)
	if err != nil {
		return &WriteError{Path: manifestPath, Stage: "encode", Err: err}
	}

	dir := filepath.Dir(manifestPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Path: manifestPath, Stage: "mkdir", Err: err}
	}

	if s.opts.BackupsEnabled {
		if _, err := os.Stat(manifestPath); err == nil {
			if err := s.rotateBackup(manifestPath); err != nil {
				return &WriteError{Path: manifestPath, Stage: "backup", Err: err}
			}
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(manifestPath)+".tmp-*")
	if err != nil {
		return &WriteError{Path: manifestPath, Stage: "stage", Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &WriteError{Path: manifestPath, Stage: "stage", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &WriteError{Path: manifestPath, Stage: "stage", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &WriteError{Path: manifestPath, Stage: "stage", Err: err}
	}

	if err := os.Rename(tmpPath, manifestPath); err != nil {
		os.Remove(tmpPath)
		return &WriteError{Path: manifestPath, Stage: "rename", Err: err}
	}
	return nil
}

func (s *Service) rotateBackup(manifestPath string) error {
	suffix := s.opts.BackupSuffix
	if suffix == "" {
		suffix = ".bak"
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	backupPath := fmt.Sprintf("%s.%s%s", manifestPath, stamp, suffix)

	current, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(backupPath, current, 0o644); err != nil {
		return err
	}
	return s.pruneBackups(manifestPath)
}

func (s *Service) pruneBackups(manifestPath string) error {
	retention := s.opts.BackupRetention
	if retention <= 0 {
		return nil
	}
	dir := filepath.Dir(manifestPath)
	base := filepath.Base(manifestPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type backup struct {
		path    string
		mtime   time.Time
		name    string
	}
	var backups []backup
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{
			path:  filepath.Join(dir, entry.Name()),
			mtime: info.ModTime(),
			name:  entry.Name(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].mtime.Equal(backups[j].mtime) {
			return backups[i].mtime.After(backups[j].mtime)
		}
		return backups[i].name > backups[j].name
	})
	for _, b := range backups[min(retention, len(backups)):] {
		_ = os.Remove(b.path)
	}
	return nil
}

func checksum(data map[string]interface{}) string {
	encoded, err := marshalSorted(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// marshalSorted encodes data with sorted keys and 2-space indentation.
// Go's encoding/json already sorts map[string]interface{} keys when
// marshaling, satisfying the spec's "keys sorted" requirement.
func marshalSorted(data map[string]interface{}) ([]byte, error) {
	compact, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var indented bytes.Buffer
	if err := json.Indent(&indented, compact, "", "  "); err != nil {
		return nil, err
	}
	return indented.Bytes(), nil
}
