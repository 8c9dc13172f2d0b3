package dblifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raggd/raggd/internal/lock"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
	"github.com/raggd/raggd/internal/slug"
)

// Options configures the Service's lock and manifest behavior.
type Options struct {
	LockTimeout      time.Duration
	LockPollInterval time.Duration
	LockNamespace    string
	RunAllowOutside  bool
	EnsureAutoUpgrade bool
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		LockTimeout:       10 * time.Second,
		LockPollInterval:  50 * time.Millisecond,
		LockNamespace:     "db",
		RunAllowOutside:   false,
		EnsureAutoUpgrade: true,
	}
}

// Service orchestrates lock acquisition, manifest transactions, and
// Backend dispatch for every public lifecycle operation (§4.7).
type Service struct {
	wp      paths.WorkspacePaths
	backend Backend
	man     *manifest.Service
	opts    Options
}

// New constructs a Service bound to a workspace, a backend, and a
// manifest.Service used to persist modules.db state transactionally.
func New(wp paths.WorkspacePaths, backend Backend, man *manifest.Service, opts Options) *Service {
	return &Service{wp: wp, backend: backend, man: man, opts: opts}
}

func sanitizeLockKey(source string) string {
	key := strings.NewReplacer("/", "_", "\\", "_").Replace(source)
	if key == "" {
		return "workspace"
	}
	return key
}

func (s *Service) lockPath(source string) string {
	return s.wp.LockPath(s.opts.LockNamespace, sanitizeLockKey(source))
}

func newError(kind ErrorKind, operation, source string, err error) *Error {
	return &Error{Kind: kind, Operation: operation, Source: source, Err: err}
}

func (s *Service) withLock(operation, source string, fn func() error) error {
	l := lock.New(s.lockPath(source), s.opts.LockTimeout, s.opts.LockPollInterval)
	if err := l.Acquire(); err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return newError(ErrKindLockTimeout, operation, source, err)
		}
		return newError(ErrKindLockError, operation, source, err)
	}
	defer l.Release()
	return fn()
}

func stateToMap(state manifest.DBModule) (map[string]interface{}, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mapToState(m map[string]interface{}) (manifest.DBModule, error) {
	if m == nil {
		return manifest.DefaultDBModule(), nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return manifest.DBModule{}, err
	}
	var state manifest.DBModule
	if err := json.Unmarshal(encoded, &state); err != nil {
		return manifest.DBModule{}, err
	}
	if state.PendingMigrations == nil {
		state.PendingMigrations = []string{}
	}
	return state, nil
}

func ensureModulesObject(data map[string]interface{}) map[string]interface{} {
	modules, ok := data[manifest.ModulesKey].(map[string]interface{})
	if !ok {
		modules = map[string]interface{}{}
		data[manifest.ModulesKey] = modules
	}
	return modules
}

// withState runs a backend call inside a manifest transaction: it reads
// the current modules.db payload, invokes op, writes the returned state
// back, and bumps modules_version, per SPEC_FULL §4.7 step 4.
func (s *Service) withState(
	operation, source string,
	decorate func(*manifest.DBModule, time.Time),
	op func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error),
) (Outcome, error) {
	dbPath := s.wp.SourceDatabasePath(source)
	manifestPath := s.wp.SourceManifestPath(source)

	var outcome Outcome
	var opErr error

	lockErr := s.withLock(operation, source, func() error {
		now := time.Now().UTC()
		_, txErr := s.man.WithTransaction(manifestPath, func(tx *manifest.Transaction) error {
			modules := ensureModulesObject(tx.Data())
			current, err := mapToState(asMap(modules[manifest.DBModuleKey]))
			if err != nil {
				return newError(ErrKindManifestSyncError, operation, source, err)
			}

			result, err := op(dbPath, current, now)
			if err != nil {
				opErr = newError(ErrKindOperationError, operation, source, err)
				return opErr
			}
			if decorate != nil {
				decorate(&result.State, now)
			}
			outcome = result

			encoded, err := stateToMap(result.State)
			if err != nil {
				return newError(ErrKindManifestSyncError, operation, source, err)
			}
			modules[manifest.DBModuleKey] = encoded
			tx.Data()[manifest.ModulesKey] = modules
			tx.Data()["modules_version"] = manifest.CurrentModulesVersion
			return nil
		})
		return txErr
	})

	if lockErr != nil {
		if opErr != nil {
			return Outcome{}, opErr
		}
		return Outcome{}, lockErr
	}
	return outcome, nil
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

// Ensure creates the source database file if missing, initializes or
// refreshes its schema, stamps last_ensure_at, and then, if
// ensure_auto_upgrade is configured, continues with an unconditional
// Upgrade(steps=nil), per spec.md's ensure bootstrap semantics.
func (s *Service) Ensure(ctx context.Context, source string) (Outcome, error) {
	dbPath := s.wp.SourceDatabasePath(source)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return Outcome{}, newError(ErrKindOperationError, "ensure", source, err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return Outcome{}, newError(ErrKindOperationError, "ensure", source, err)
		}
		f.Close()
	}

	out, err := s.withState("ensure", source,
		func(state *manifest.DBModule, now time.Time) { state.LastEnsureAt = &now },
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Ensure(ctx, source, dbPath, current, now)
		},
	)
	if err != nil {
		return out, err
	}

	if !s.opts.EnsureAutoUpgrade {
		return out, nil
	}
	return s.Upgrade(ctx, source, nil)
}

// Upgrade applies pending migrations, optionally bounded to steps.
func (s *Service) Upgrade(ctx context.Context, source string, steps *int) (Outcome, error) {
	return s.withState("upgrade", source, nil,
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Upgrade(ctx, source, dbPath, current, steps, now)
		},
	)
}

// Downgrade reverses up to steps migrations. Destructive.
func (s *Service) Downgrade(ctx context.Context, source string, steps int) (Outcome, error) {
	return s.withState("downgrade", source, nil,
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Downgrade(ctx, source, dbPath, current, steps, now)
		},
	)
}

// Info reports the source's migration state and, optionally, schema/counts.
func (s *Service) Info(ctx context.Context, source string, includeSchema, includeCounts bool) (Outcome, error) {
	return s.withState("info", source, nil,
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Info(ctx, source, dbPath, current, includeSchema, includeCounts, now)
		},
	)
}

// Vacuum compacts the source database, stamping last_vacuum_at.
func (s *Service) Vacuum(ctx context.Context, source string, concurrency int) (Outcome, error) {
	return s.withState("vacuum", source,
		func(state *manifest.DBModule, now time.Time) { state.LastVacuumAt = &now },
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Vacuum(ctx, source, dbPath, current, concurrency, now)
		},
	)
}

// Run executes an arbitrary on-disk SQL file against the source database.
// Missing file is checked before any lock is taken; a workspace option
// controls whether paths outside the workspace are accepted.
func (s *Service) Run(ctx context.Context, source, sqlPath string, autocommit bool) (Outcome, error) {
	if _, err := os.Stat(sqlPath); err != nil {
		return Outcome{}, newError(ErrKindOperationError, "run", source, fmt.Errorf("sql file not found: %w", err))
	}
	if !s.opts.RunAllowOutside {
		if err := slug.ValidatePath(s.wp.Root, sqlPath); err != nil {
			return Outcome{}, newError(ErrKindOperationError, "run", source, err)
		}
	}

	return s.withState("run", source, nil,
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Run(ctx, source, dbPath, current, sqlPath, autocommit, now)
		},
	)
}

// Reset destroys and re-bootstraps the source database. Destructive;
// force must be true.
func (s *Service) Reset(ctx context.Context, source string, force bool) (Outcome, error) {
	if !force {
		return Outcome{}, newError(ErrKindOperationError, "reset", source, fmt.Errorf("reset requires force=true"))
	}
	return s.withState("reset", source,
		func(state *manifest.DBModule, now time.Time) { state.LastEnsureAt = &now },
		func(dbPath string, current manifest.DBModule, now time.Time) (Outcome, error) {
			return s.backend.Reset(ctx, source, dbPath, current, force, now)
		},
	)
}
