package dblifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raggd/raggd/internal/manifest"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	wd, err := filepath.Abs("../../migrations/core")
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	return wd
}

func TestSQLiteBackendEnsureBootstraps(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")
	backend := &SQLiteBackend{MigrationsPath: migrationsDir(t)}

	outcome, err := backend.Ensure(context.Background(), "alpha", dbPath, manifest.DefaultDBModule(), time.Now())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if outcome.State.BootstrapShortUUID7 == nil || *outcome.State.BootstrapShortUUID7 == "" {
		t.Fatalf("expected bootstrap_shortuuid7 to be set")
	}
	if outcome.State.LedgerChecksum == nil || *outcome.State.LedgerChecksum == "" {
		t.Fatalf("expected ledger_checksum to be set")
	}
	// Two more migrations exist under migrations/core beyond the bootstrap.
	if len(outcome.State.PendingMigrations) != 2 {
		t.Fatalf("expected 2 pending migrations after bootstrap-only ensure, got %v", outcome.State.PendingMigrations)
	}
}

func TestSQLiteBackendUpgradeAppliesAllPending(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")
	backend := &SQLiteBackend{MigrationsPath: migrationsDir(t)}
	ctx := context.Background()

	ensured, err := backend.Ensure(ctx, "alpha", dbPath, manifest.DefaultDBModule(), time.Now())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	upgraded, err := backend.Upgrade(ctx, "alpha", dbPath, ensured.State, nil, time.Now())
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if len(upgraded.State.PendingMigrations) != 0 {
		t.Fatalf("expected no pending migrations after full upgrade, got %v", upgraded.State.PendingMigrations)
	}
}

func TestSQLiteBackendDowngradeStepsBack(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")
	backend := &SQLiteBackend{MigrationsPath: migrationsDir(t)}
	ctx := context.Background()

	ensured, err := backend.Ensure(ctx, "alpha", dbPath, manifest.DefaultDBModule(), time.Now())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	upgraded, err := backend.Upgrade(ctx, "alpha", dbPath, ensured.State, nil, time.Now())
	if err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	downgraded, err := backend.Downgrade(ctx, "alpha", dbPath, upgraded.State, 1, time.Now())
	if err != nil {
		t.Fatalf("Downgrade: %v", err)
	}
	if len(downgraded.State.PendingMigrations) != 1 {
		t.Fatalf("expected 1 pending migration after downgrading 1 step, got %v", downgraded.State.PendingMigrations)
	}
}

func TestSQLiteBackendInfoReportsTableCounts(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db.sqlite3")
	backend := &SQLiteBackend{MigrationsPath: migrationsDir(t)}
	ctx := context.Background()

	ensured, err := backend.Ensure(ctx, "alpha", dbPath, manifest.DefaultDBModule(), time.Now())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	info, err := backend.Info(ctx, "alpha", dbPath, ensured.State, true, true, time.Now())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if _, ok := info.TableCounts["batches"]; !ok {
		t.Fatalf("expected batches table count present, got %v", info.TableCounts)
	}
}

func TestNullBackendAlwaysFails(t *testing.T) {
	var backend NullBackend
	_, err := backend.Ensure(context.Background(), "alpha", "unused.sqlite3", manifest.DefaultDBModule(), time.Now())
	if err != ErrNullBackendUnconfigured {
		t.Fatalf("expected ErrNullBackendUnconfigured, got %v", err)
	}
}
