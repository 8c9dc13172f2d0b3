// Package paths resolves a workspace root and the canonical file layout
// beneath it, per SPEC_FULL §4.1.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvOverride is the environment variable honored when no explicit
// workspace root is supplied.
const EnvOverride = "RAGGD_WORKSPACE"

const defaultRelHome = ".raggd"

// WorkspacePaths is an immutable record of a workspace's canonical layout.
type WorkspacePaths struct {
	Root       string
	ConfigFile string
	LogsDir    string
	ArchivesDir string
	SourcesDir string
	LocksDir   string
	HealthFile string
}

// Resolve determines the workspace root using CLI override > environment
// override > default (~/.raggd), expands "~", normalizes relative paths
// against the current working directory, and rejects a root that already
// exists as a regular file.
func Resolve(cliOverride string) (WorkspacePaths, error) {
	root := cliOverride
	if root == "" {
		root = os.Getenv(EnvOverride)
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return WorkspacePaths{}, fmt.Errorf("paths: resolve home directory: %w", err)
		}
		root = filepath.Join(home, defaultRelHome)
	}

	expanded, err := expandTilde(root)
	if err != nil {
		return WorkspacePaths{}, err
	}

	if !filepath.IsAbs(expanded) {
		cwd, err := os.Getwd()
		if err != nil {
			return WorkspacePaths{}, fmt.Errorf("paths: resolve cwd: %w", err)
		}
		expanded = filepath.Join(cwd, expanded)
	}
	expanded = filepath.Clean(expanded)

	if info, err := os.Stat(expanded); err == nil && !info.IsDir() {
		return WorkspacePaths{}, fmt.Errorf("paths: workspace root %q exists and is a regular file", expanded)
	}

	return New(expanded), nil
}

// New builds a WorkspacePaths record for an already-resolved, absolute
// root without performing any filesystem checks.
func New(root string) WorkspacePaths {
	return WorkspacePaths{
		Root:        root,
		ConfigFile:  filepath.Join(root, "raggd.toml"),
		LogsDir:     filepath.Join(root, "logs"),
		ArchivesDir: filepath.Join(root, "archives"),
		SourcesDir:  filepath.Join(root, "sources"),
		LocksDir:    filepath.Join(root, ".locks"),
		HealthFile:  filepath.Join(root, ".health.json"),
	}
}

// SourceDir returns the per-source directory under sources/.
func (w WorkspacePaths) SourceDir(name string) string {
	return filepath.Join(w.SourcesDir, name)
}

// SourceManifestPath returns the manifest.json path for a source.
func (w WorkspacePaths) SourceManifestPath(name string) string {
	return filepath.Join(w.SourceDir(name), "manifest.json")
}

// SourceDatabasePath returns the db.sqlite3 path for a source.
func (w WorkspacePaths) SourceDatabasePath(name string) string {
	return filepath.Join(w.SourceDir(name), "db.sqlite3")
}

// SourceVDBDir returns the vectors/<vdb> directory for a source's named
// vector database.
func (w WorkspacePaths) SourceVDBDir(source, vdbName string) string {
	return filepath.Join(w.SourceDir(source), "vectors", vdbName)
}

// LockPath returns the namespaced lockfile path, e.g. LockPath("db",
// "alpha") -> .locks/db/alpha.lock.
func (w WorkspacePaths) LockPath(namespace, key string) string {
	return filepath.Join(w.LocksDir, namespace, key+".lock")
}

// EnsureDirs creates the logs/, archives/, sources/, and .locks/
// directories (and the workspace root itself) if they do not exist.
func (w WorkspacePaths) EnsureDirs() error {
	for _, dir := range []string{w.Root, w.LogsDir, w.ArchivesDir, w.SourcesDir, w.LocksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("paths: create %q: %w", dir, err)
		}
	}
	return nil
}

func expandTilde(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~"+string(filepath.Separator)) {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("paths: resolve home directory: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"+string(filepath.Separator))), nil
}
