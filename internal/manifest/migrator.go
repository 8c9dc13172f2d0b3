package manifest

// MigrateResult reports whether Migrate changed the document.
type MigrateResult struct {
	Applied bool
	Data    map[string]interface{}
}

// Migrate performs the idempotent structural migration of a raw manifest
// JSON object described in SPEC_FULL §4.4: ensure modules/modules.source
// exist, relocate legacy root fields, ensure modules.db has its default
// keys, and stamp modules_version. dryRun controls only whether callers
// persist the result; Migrate itself never writes to disk.
func Migrate(data map[string]interface{}) MigrateResult {
	changed := false
	out := deepCopyMap(data)

	modules, ok := asObject(out[ModulesKey])
	if !ok {
		modules = map[string]interface{}{}
		changed = true
	}

	source, ok := asObject(modules[SourceModuleKey])
	if !ok {
		source = map[string]interface{}{}
		changed = true
	}

	for _, key := range legacyRootKeys {
		if v, present := out[key]; present {
			source[key] = v
			delete(out, key)
			changed = true
		}
	}
	modules[SourceModuleKey] = source

	db, ok := asObject(modules[DBModuleKey])
	if !ok {
		db = map[string]interface{}{}
		changed = true
	}
	for key, def := range defaultDBKeys() {
		if _, present := db[key]; !present {
			db[key] = def
			changed = true
		}
	}
	modules[DBModuleKey] = db

	out[ModulesKey] = modules

	if !isCurrentVersion(out["modules_version"]) {
		out["modules_version"] = CurrentModulesVersion
		changed = true
	}

	return MigrateResult{Applied: changed, Data: out}
}

func defaultDBKeys() map[string]interface{} {
	return map[string]interface{}{
		"bootstrap_shortuuid7":      nil,
		"head_migration_uuid7":      nil,
		"head_migration_shortuuid7": nil,
		"ledger_checksum":           nil,
		"last_vacuum_at":            nil,
		"last_ensure_at":            nil,
		"pending_migrations":        []interface{}{},
	}
}

func isCurrentVersion(v interface{}) bool {
	switch t := v.(type) {
	case float64:
		return int(t) == CurrentModulesVersion
	case int:
		return t == CurrentModulesVersion
	default:
		return false
	}
}

func asObject(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
