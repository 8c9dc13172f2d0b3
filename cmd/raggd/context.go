// Package main implements the raggd CLI, a thin command surface over the
// core workspace/source/parser/db/health services. This file holds the
// shared runtime: global flags, workspace/config resolution, and the
// service constructors every subcommand wires together.
//
// # File Index
//
//	main.go       - entry point, rootCmd, global flags, init()
//	context.go    - runtime resolution (workspace, config, manifest, logging)
//	cmd_db.go     - db ensure/upgrade/downgrade/info/vacuum/run/reset
//	cmd_parse.go  - source plan/parse
//	cmd_health.go - per-source and aggregated health readouts
package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/raggd/raggd/internal/config"
	"github.com/raggd/raggd/internal/dblifecycle"
	"github.com/raggd/raggd/internal/handler"
	"github.com/raggd/raggd/internal/health"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/parser"
	"github.com/raggd/raggd/internal/paths"
)

var (
	flagWorkspace string
	flagVerbose   bool
)

// runtimeContext bundles the resolved workspace and the service handles
// every subcommand needs. Constructed once per invocation by loadRuntime.
type runtimeContext struct {
	wp  paths.WorkspacePaths
	cfg config.Config
	man *manifest.Service
	agg *health.Aggregator
}

// loadRuntime resolves the workspace root (CLI flag > RAGGD_WORKSPACE >
// default), loads raggd.toml over the packaged defaults, and constructs
// the manifest service and health aggregator every other service shares.
func loadRuntime() (*runtimeContext, error) {
	wp, err := paths.Resolve(flagWorkspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := wp.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	cfg, err := config.Load(wp.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	man := manifest.New(manifestOptions(cfg))

	return &runtimeContext{
		wp:  wp,
		cfg: cfg,
		man: man,
		agg: health.New(wp.HealthFile),
	}, nil
}

func manifestOptions(cfg config.Config) manifest.Options {
	opts := manifest.DefaultOptions()
	opts.LockTimeout = durationSeconds(cfg.DB.ManifestLockTimeout)
	opts.LockPollInterval = durationSeconds(cfg.DB.ManifestLockPollInterval)
	if cfg.DB.ManifestLockSuffix != "" {
		opts.LockSuffix = cfg.DB.ManifestLockSuffix
	}
	if cfg.DB.ManifestBackupSuffix != "" {
		opts.BackupSuffix = cfg.DB.ManifestBackupSuffix
	}
	opts.BackupsEnabled = cfg.DB.ManifestBackupsEnabled
	if cfg.DB.ManifestBackupRetention > 0 {
		opts.BackupRetention = cfg.DB.ManifestBackupRetention
	}
	if cfg.DB.ManifestModulesKey != "" {
		opts.ModulesKey = cfg.DB.ManifestModulesKey
	}
	if cfg.DB.ManifestDBModuleKey != "" {
		opts.DBModuleKey = cfg.DB.ManifestDBModuleKey
	}
	return opts
}

func (rc *runtimeContext) dbService() *dblifecycle.Service {
	backend := &dblifecycle.SQLiteBackend{MigrationsPath: rc.cfg.DB.MigrationsPath}
	opts := dblifecycle.DefaultOptions()
	opts.LockTimeout = durationSeconds(rc.cfg.DB.LockTimeout)
	opts.LockPollInterval = durationSeconds(rc.cfg.DB.LockPollInterval)
	if rc.cfg.DB.LockNamespace != "" {
		opts.LockNamespace = rc.cfg.DB.LockNamespace
	}
	opts.RunAllowOutside = rc.cfg.DB.RunAllowOutside
	opts.EnsureAutoUpgrade = rc.cfg.DB.EnsureAutoUpgrade
	return dblifecycle.New(rc.wp, backend, rc.man, opts)
}

func (rc *runtimeContext) parserService() *parser.Service {
	reg := handler.NewRegistry("text")
	for _, d := range []handler.Descriptor{
		handler.NewTextDescriptor(),
		handler.NewMarkdownDescriptor(),
		handler.NewPythonDescriptor(),
		handler.NewJavaScriptDescriptor(),
		handler.NewTypeScriptDescriptor(),
		handler.NewHTMLDescriptor(),
		handler.NewCSSDescriptor(),
	} {
		if hc, ok := rc.cfg.Modules.Parser.Handlers[d.Name]; ok {
			d.Enabled = hc.Enabled
		}
		reg.Register(d)
	}

	opts := parser.DefaultOptions()
	opts.LockTimeout = rc.cfg.DB.LockTimeout
	opts.LockPollInterval = rc.cfg.DB.LockPollInterval
	return parser.New(rc.cfg, reg, opts)
}

func (rc *runtimeContext) parserHealthEvaluator() *parser.HealthEvaluator {
	pc := rc.cfg.Modules.Parser
	return parser.NewHealthEvaluator(rc.wp, rc.man, parser.HealthOptions{
		LockWaitWarningSeconds: pc.LockWaitWarningSeconds,
		LockWaitErrorSeconds:   pc.LockWaitErrorSeconds,
		LockContentionWarning:  pc.LockContentionWarning,
		LockContentionError:    pc.LockContentionError,
	})
}

func resolveIntOrAuto(v config.IntOrAuto, fallback int) int {
	if !v.Auto {
		if v.Value > 0 {
			return v.Value
		}
		return fallback
	}
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return fallback
}

func durationSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
