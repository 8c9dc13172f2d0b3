// Package dblifecycle implements the per-source database lifecycle
// operations (ensure/upgrade/downgrade/info/vacuum/run/reset) against the
// embedded relational store, per SPEC_FULL §4.7-§4.8.
package dblifecycle

import (
	"context"
	"time"

	"github.com/raggd/raggd/internal/manifest"
)

// Outcome is a backend operation's typed result: the new manifest.db
// state plus operation-specific metadata.
type Outcome struct {
	State              manifest.DBModule
	TableCounts        map[string]int64
	TableCountsSkipped []string
	Metadata           map[string]interface{}
}

// Backend is the DB lifecycle protocol (§4.8): one method per public
// lifecycle operation, each taking and returning a typed outcome.
type Backend interface {
	Ensure(ctx context.Context, source, dbPath string, state manifest.DBModule, now time.Time) (Outcome, error)
	Upgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps *int, now time.Time) (Outcome, error)
	Downgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps int, now time.Time) (Outcome, error)
	Info(ctx context.Context, source, dbPath string, state manifest.DBModule, includeSchema, includeCounts bool, now time.Time) (Outcome, error)
	Vacuum(ctx context.Context, source, dbPath string, state manifest.DBModule, concurrency int, now time.Time) (Outcome, error)
	Run(ctx context.Context, source, dbPath string, state manifest.DBModule, sqlPath string, autocommit bool, now time.Time) (Outcome, error)
	Reset(ctx context.Context, source, dbPath string, state manifest.DBModule, force bool, now time.Time) (Outcome, error)
}

// ErrorKind distinguishes the DB-lifecycle error taxonomy of SPEC_FULL §7.
type ErrorKind string

const (
	ErrKindNotImplemented    ErrorKind = "not_implemented"
	ErrKindOperationError    ErrorKind = "operation_error"
	ErrKindManifestSyncError ErrorKind = "manifest_sync_error"
	ErrKindLockTimeout       ErrorKind = "lock_timeout"
	ErrKindLockError         ErrorKind = "lock_error"
)

// Error is the typed error surfaced by Service operations; it carries the
// operation name and source so callers can build remediation messages.
type Error struct {
	Kind      ErrorKind
	Operation string
	Source    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "dblifecycle: " + string(e.Kind) + " during " + e.Operation + " for " + e.Source + ": " + e.Err.Error()
	}
	return "dblifecycle: " + string(e.Kind) + " during " + e.Operation + " for " + e.Source
}

func (e *Error) Unwrap() error { return e.Err }
