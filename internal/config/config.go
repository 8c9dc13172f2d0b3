// Package config defines the subset of raggd.toml that the core data
// plane consumes, per SPEC_FULL §6.1. Packaged-defaults loading, merge
// precedence, and pretty-printing are non-goals of the core; Load here
// exists only so components have a concrete struct to read.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// IntOrAuto represents a TOML value that is either an integer or the
// literal string "auto".
type IntOrAuto struct {
	Auto  bool
	Value int
}

// UnmarshalTOML implements toml.Unmarshaler.
func (v *IntOrAuto) UnmarshalTOML(data interface{}) error {
	switch t := data.(type) {
	case string:
		if t != "auto" {
			return fmt.Errorf("config: invalid IntOrAuto string %q", t)
		}
		v.Auto = true
	case int64:
		v.Value = int(t)
	case int:
		v.Value = t
	default:
		return fmt.Errorf("config: invalid IntOrAuto value %v", data)
	}
	return nil
}

// SourceConfig describes one configured source in workspace.sources.<slug>.
type SourceConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
	Target  string `toml:"target"`
}

// WorkspaceConfig is the [workspace] table.
type WorkspaceConfig struct {
	Root    string                  `toml:"root"`
	Sources map[string]SourceConfig `toml:"sources"`
}

// ModuleToggle is a generic modules.<name> table with only an enabled flag.
type ModuleToggle struct {
	Enabled bool `toml:"enabled"`
}

// HandlerConfig is modules.parser.handlers.<name>.
type HandlerConfig struct {
	Enabled   bool      `toml:"enabled"`
	MaxTokens IntOrAuto `toml:"max_tokens"`
}

// ParserConfig is the [modules.parser] table.
type ParserConfig struct {
	Enabled                bool                     `toml:"enabled"`
	GeneralMaxTokens       int                      `toml:"general_max_tokens"`
	GitignoreBehavior      string                   `toml:"gitignore_behavior"`
	MaxConcurrency         IntOrAuto                `toml:"max_concurrency"`
	LockWaitWarningSeconds float64                  `toml:"lock_wait_warning_seconds"`
	LockWaitErrorSeconds   float64                  `toml:"lock_wait_error_seconds"`
	LockContentionWarning  int                      `toml:"lock_contention_warning"`
	LockContentionError    int                      `toml:"lock_contention_error"`
	Handlers               map[string]HandlerConfig `toml:"handlers"`
}

// DBConfig is the [db] table.
type DBConfig struct {
	MigrationsPath        string    `toml:"migrations_path"`
	EnsureAutoUpgrade      bool      `toml:"ensure_auto_upgrade"`
	VacuumMaxStaleDays     int       `toml:"vacuum_max_stale_days"`
	VacuumConcurrency      IntOrAuto `toml:"vacuum_concurrency"`
	RunAllowOutside        bool      `toml:"run_allow_outside"`
	RunAutocommitDefault   bool      `toml:"run_autocommit_default"`
	DriftWarningSeconds    float64   `toml:"drift_warning_seconds"`
	LockTimeout            float64   `toml:"lock_timeout"`
	LockPollInterval       float64   `toml:"lock_poll_interval"`
	LockSuffix             string    `toml:"lock_suffix"`
	LockNamespace          string    `toml:"lock_namespace"`
	InfoCountTimeoutMs     int       `toml:"info_count_timeout_ms"`
	InfoCountRowLimit      int       `toml:"info_count_row_limit"`
	ManifestModulesKey     string    `toml:"manifest_modules_key"`
	ManifestDBModuleKey    string    `toml:"manifest_db_module_key"`
	ManifestBackupRetention int      `toml:"manifest_backup_retention"`
	ManifestLockTimeout    float64   `toml:"manifest_lock_timeout"`
	ManifestLockPollInterval float64 `toml:"manifest_lock_poll_interval"`
	ManifestLockSuffix     string    `toml:"manifest_lock_suffix"`
	ManifestBackupSuffix   string    `toml:"manifest_backup_suffix"`
	ManifestStrict         bool      `toml:"manifest_strict"`
	ManifestBackupsEnabled bool      `toml:"manifest_backups_enabled"`
}

// ModulesConfig is the [modules] table. Parser carries the dedicated
// [modules.parser] schema; other module names only ever need the
// enabled toggle and are handled by the CLI's generic merge layer
// (non-goal here), not decoded into this struct.
type ModulesConfig struct {
	Parser ParserConfig `toml:"parser"`
}

// Config is the full decoded document.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Modules   ModulesConfig   `toml:"modules"`
	DB        DBConfig        `toml:"db"`
}

// Default returns a Config populated with the spec's documented defaults.
func Default() Config {
	return Config{
		Modules: ModulesConfig{
			Parser: ParserConfig{
				Enabled:                true,
				GeneralMaxTokens:       2000,
				GitignoreBehavior:      "combined",
				MaxConcurrency:         IntOrAuto{Auto: true},
				LockWaitWarningSeconds: 5,
				LockWaitErrorSeconds:   30,
				LockContentionWarning:  5,
				LockContentionError:    20,
				Handlers:               map[string]HandlerConfig{},
			},
		},
		DB: DBConfig{
			MigrationsPath:           "migrations",
			EnsureAutoUpgrade:        true,
			VacuumMaxStaleDays:       30,
			VacuumConcurrency:        IntOrAuto{Auto: true},
			RunAllowOutside:          false,
			RunAutocommitDefault:     true,
			DriftWarningSeconds:      300,
			LockTimeout:              10,
			LockPollInterval:         0.05,
			LockSuffix:               ".lock",
			LockNamespace:            "db",
			InfoCountTimeoutMs:       2000,
			InfoCountRowLimit:        1_000_000,
			ManifestModulesKey:       "modules",
			ManifestDBModuleKey:      "db",
			ManifestBackupRetention:  3,
			ManifestLockTimeout:      10,
			ManifestLockPollInterval: 0.05,
			ManifestLockSuffix:       ".lock",
			ManifestBackupSuffix:     ".bak",
			ManifestStrict:           true,
			ManifestBackupsEnabled:   true,
		},
	}
}

// Load decodes a user TOML file over Default(), returning the merged
// Config. Packaged-defaults discovery and merge precedence beyond this are
// the CLI's concern (non-goal).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %q: %w", path, err)
	}
	return cfg, nil
}
