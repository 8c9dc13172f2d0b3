package dbhealth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raggd/raggd/internal/dblifecycle"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs("../../migrations/core")
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	return dir
}

func testEnv(t *testing.T) (*Evaluator, paths.WorkspacePaths, *dblifecycle.Service) {
	t.Helper()
	wp := paths.New(t.TempDir())
	if err := wp.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	man := manifest.New(manifest.DefaultOptions())
	backend := &dblifecycle.SQLiteBackend{MigrationsPath: migrationsDir(t)}
	lifecycle := dblifecycle.New(wp, backend, man, dblifecycle.DefaultOptions())

	eval := New(wp, man, Options{
		VacuumMaxStaleDays:  30,
		DriftWarningSeconds: 5,
		MigrationsPath:      migrationsDir(t),
	})
	return eval, wp, lifecycle
}

func TestEvaluateDisabledModuleReturnsUnknown(t *testing.T) {
	eval, _, _ := testEnv(t)
	report := eval.Evaluate("alpha", false, time.Now())
	if report.Status != manifest.StatusUnknown {
		t.Fatalf("expected unknown status for disabled module, got %v", report.Status)
	}
}

func TestEvaluateMissingManifestReturnsError(t *testing.T) {
	eval, _, _ := testEnv(t)
	report := eval.Evaluate("missing-source", true, time.Now())
	if report.Status != manifest.StatusError {
		t.Fatalf("expected error status for missing manifest, got %v", report.Status)
	}
}

func TestEvaluatePendingMigrationsDegraded(t *testing.T) {
	eval, wp, _ := testEnv(t)
	ctx := context.Background()

	// Auto-upgrade is on by default; turn it off so Ensure applies only the
	// bootstrap migration and leaves the others pending.
	opts := dblifecycle.DefaultOptions()
	opts.EnsureAutoUpgrade = false
	backend := &dblifecycle.SQLiteBackend{MigrationsPath: migrationsDir(t)}
	lifecycle := dblifecycle.New(wp, backend, manifest.New(manifest.DefaultOptions()), opts)

	if _, err := lifecycle.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	report := eval.Evaluate("alpha", true, time.Now())
	if report.Status != manifest.StatusDegraded {
		t.Fatalf("expected degraded status after bootstrap-only ensure, got %v: %s", report.Status, report.Summary)
	}
	found := false
	for _, action := range report.Actions {
		if action == "upgrade" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected upgrade action, got %v", report.Actions)
	}
}

func TestEvaluateFullyUpgradedAndVacuumedIsOK(t *testing.T) {
	eval, _, lifecycle := testEnv(t)
	ctx := context.Background()

	if _, err := lifecycle.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := lifecycle.Upgrade(ctx, "alpha", nil); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if _, err := lifecycle.Vacuum(ctx, "alpha", 1); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	report := eval.Evaluate("alpha", true, time.Now())
	if report.Status != manifest.StatusOK {
		t.Fatalf("expected ok status, got %v: %s", report.Status, report.Summary)
	}
}

func TestEvaluateStaleVacuumDegraded(t *testing.T) {
	eval, _, lifecycle := testEnv(t)
	ctx := context.Background()

	if _, err := lifecycle.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := lifecycle.Upgrade(ctx, "alpha", nil); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
	if _, err := lifecycle.Vacuum(ctx, "alpha", 1); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}

	// Evaluate far enough in the future that both the drift window and
	// the vacuum staleness threshold are exceeded.
	future := time.Now().Add(60 * 24 * time.Hour)
	report := eval.Evaluate("alpha", true, future)
	if report.Status != manifest.StatusDegraded {
		t.Fatalf("expected degraded status for stale vacuum, got %v: %s", report.Status, report.Summary)
	}
}

func TestEvaluateVacuumCheckDisabledWhenNegative(t *testing.T) {
	wp := paths.New(t.TempDir())
	if err := wp.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	man := manifest.New(manifest.DefaultOptions())
	backend := &dblifecycle.SQLiteBackend{MigrationsPath: migrationsDir(t)}
	lifecycle := dblifecycle.New(wp, backend, man, dblifecycle.DefaultOptions())
	eval := New(wp, man, Options{
		VacuumMaxStaleDays:  -1,
		DriftWarningSeconds: 5,
		MigrationsPath:      migrationsDir(t),
	})

	ctx := context.Background()
	if _, err := lifecycle.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := lifecycle.Upgrade(ctx, "alpha", nil); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}

	report := eval.Evaluate("alpha", true, time.Now().Add(365*24*time.Hour))
	if report.Status != manifest.StatusOK {
		t.Fatalf("expected ok status with vacuum check disabled, got %v: %s", report.Status, report.Summary)
	}
}
