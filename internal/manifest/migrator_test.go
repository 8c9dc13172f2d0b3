package manifest

import "testing"

func TestMigrateIdempotent(t *testing.T) {
	first := Migrate(map[string]interface{}{
		"name":    "docs",
		"path":    "/srv/docs",
		"enabled": true,
	})
	if !first.Applied {
		t.Fatalf("expected first migration to apply changes")
	}

	second := Migrate(first.Data)
	if second.Applied {
		t.Fatalf("expected second migration to be a no-op, got changes: %#v", second.Data)
	}
}

func TestMigrateRelocatesLegacyFields(t *testing.T) {
	result := Migrate(map[string]interface{}{
		"name":            "docs",
		"path":            "/srv/docs",
		"enabled":         true,
		"target":          "main",
		"last_refresh_at": "2026-01-01T00:00:00Z",
	})

	if _, present := result.Data["name"]; present {
		t.Fatalf("expected legacy root key %q to be removed", "name")
	}

	modules, ok := asObject(result.Data[ModulesKey])
	if !ok {
		t.Fatalf("expected modules object, got %#v", result.Data[ModulesKey])
	}
	source, ok := asObject(modules[SourceModuleKey])
	if !ok {
		t.Fatalf("expected modules.source object, got %#v", modules[SourceModuleKey])
	}
	if source["name"] != "docs" {
		t.Fatalf("expected modules.source.name=docs, got %#v", source["name"])
	}
	if source["path"] != "/srv/docs" {
		t.Fatalf("expected modules.source.path relocated, got %#v", source["path"])
	}
	if source["target"] != "main" {
		t.Fatalf("expected modules.source.target relocated, got %#v", source["target"])
	}
}

func TestMigrateEnsuresDBDefaults(t *testing.T) {
	result := Migrate(map[string]interface{}{})

	modules, ok := asObject(result.Data[ModulesKey])
	if !ok {
		t.Fatalf("expected modules object")
	}
	db, ok := asObject(modules[DBModuleKey])
	if !ok {
		t.Fatalf("expected modules.db object")
	}
	for key := range defaultDBKeys() {
		if _, present := db[key]; !present {
			t.Fatalf("expected modules.db to contain default key %q", key)
		}
	}
	if pending, ok := db["pending_migrations"].([]interface{}); !ok || len(pending) != 0 {
		t.Fatalf("expected empty pending_migrations slice, got %#v", db["pending_migrations"])
	}
}

func TestMigratePreservesExistingDBValues(t *testing.T) {
	result := Migrate(map[string]interface{}{
		ModulesKey: map[string]interface{}{
			DBModuleKey: map[string]interface{}{
				"ledger_checksum": "sha256:abc",
			},
		},
	})

	modules, _ := asObject(result.Data[ModulesKey])
	db, _ := asObject(modules[DBModuleKey])
	if db["ledger_checksum"] != "sha256:abc" {
		t.Fatalf("expected existing ledger_checksum preserved, got %#v", db["ledger_checksum"])
	}
}

func TestMigrateStampsModulesVersion(t *testing.T) {
	result := Migrate(map[string]interface{}{})
	if !isCurrentVersion(result.Data["modules_version"]) {
		t.Fatalf("expected modules_version stamped to current, got %#v", result.Data["modules_version"])
	}

	// Simulate a round-trip through encoding/json, where the version comes
	// back as float64 rather than int.
	roundTripped := deepCopyMap(result.Data)
	roundTripped["modules_version"] = float64(CurrentModulesVersion)
	again := Migrate(roundTripped)
	if again.Applied {
		t.Fatalf("expected float64 current version to be treated as already current")
	}
}

func TestMigrateDoesNotMutateInput(t *testing.T) {
	input := map[string]interface{}{"name": "docs"}
	_ = Migrate(input)
	if _, present := input["name"]; !present {
		t.Fatalf("expected original input map to be left untouched")
	}
	if _, present := input[ModulesKey]; present {
		t.Fatalf("expected original input map to not gain a modules key")
	}
}
