package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Resolve(file)
	require.Error(t, err)
}

func TestResolvePrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvOverride, filepath.Join(dir, "env-root"))

	wp, err := Resolve(filepath.Join(dir, "cli-root"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "cli-root"), wp.Root)

	wp, err = Resolve("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "env-root"), wp.Root)
}

func TestDerivedPaths(t *testing.T) {
	wp := New("/ws")
	require.Equal(t, "/ws/sources/alpha/manifest.json", wp.SourceManifestPath("alpha"))
	require.Equal(t, "/ws/sources/alpha/db.sqlite3", wp.SourceDatabasePath("alpha"))
	require.Equal(t, "/ws/.locks/db/alpha.lock", wp.LockPath("db", "alpha"))
}
