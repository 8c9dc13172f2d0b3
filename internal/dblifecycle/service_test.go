package dblifecycle

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

// TestMain guards against a migration transaction or lock acquisition
// leaving a goroutine behind across the package's Service/Backend tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testServiceEnv(t *testing.T) (*Service, paths.WorkspacePaths) {
	t.Helper()
	wp := paths.New(t.TempDir())
	if err := wp.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	man := manifest.New(manifest.DefaultOptions())
	backend := &SQLiteBackend{MigrationsPath: migrationsDir(t)}
	svc := New(wp, backend, man, DefaultOptions())
	return svc, wp
}

func TestServiceEnsureCreatesDatabaseAndManifestState(t *testing.T) {
	svc, wp := testServiceEnv(t)
	ctx := context.Background()

	outcome, err := svc.Ensure(ctx, "alpha")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if outcome.State.LastEnsureAt == nil {
		t.Fatalf("expected last_ensure_at to be stamped")
	}

	if _, statErr := filepath.Abs(wp.SourceDatabasePath("alpha")); statErr != nil {
		t.Fatalf("resolve db path: %v", statErr)
	}

	man := manifest.New(manifest.DefaultOptions())
	snap, err := man.Load(wp.SourceManifestPath("alpha"), false, false)
	if err != nil {
		t.Fatalf("Load manifest: %v", err)
	}
	modules, ok := snap.Data[manifest.ModulesKey].(map[string]interface{})
	if !ok {
		t.Fatalf("expected modules object in manifest, got %#v", snap.Data)
	}
	db, ok := modules[manifest.DBModuleKey].(map[string]interface{})
	if !ok {
		t.Fatalf("expected modules.db object, got %#v", modules)
	}
	if db["bootstrap_shortuuid7"] == nil {
		t.Fatalf("expected bootstrap_shortuuid7 persisted, got %#v", db)
	}
}

func TestServiceRunRejectsPathOutsideWorkspace(t *testing.T) {
	svc, _ := testServiceEnv(t)
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	_, err := svc.Run(ctx, "alpha", "/etc/hostname", true)
	if err == nil {
		t.Fatalf("expected Run to reject a sql file outside the workspace")
	}
}

func TestServiceResetRequiresForce(t *testing.T) {
	svc, _ := testServiceEnv(t)
	ctx := context.Background()

	if _, err := svc.Ensure(ctx, "alpha"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := svc.Reset(ctx, "alpha", false); err == nil {
		t.Fatalf("expected Reset without force to fail")
	}
}
