// Package migration loads paired .up.sql/.down.sql migration scripts from
// a directory, validates their embedded UUIDv7 metadata, and plans
// upgrade/downgrade sequences, per SPEC_FULL §4.5 (grounded on
// original_source's raggd.modules.db.migrations).
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/raggd/raggd/internal/uuid7"
)

// LoadError reports a malformed migration resource.
type LoadError struct {
	Msg string
}

func (e *LoadError) Error() string { return "migration: " + e.Msg }

func loadErrorf(format string, args ...interface{}) error {
	return &LoadError{Msg: fmt.Sprintf(format, args...)}
}

var metadataPattern = regexp.MustCompile(`^--\s*uuid7:\s*([0-9a-fA-F-]{36})\s*$`)

// Migration represents a paired up/down migration script.
type Migration struct {
	UUID         uuid.UUID
	Short        uuid7.Short
	UpSQL        string
	DownSQL      string
	HasDown      bool
	ChecksumUp   string
	ChecksumDown string
}

// Plan is a sequence of migrations to apply (in order) or roll back (in
// the order they should be reversed).
type Plan struct {
	Migrations []Migration
}

// ShortValues returns the ShortUUID7 of each migration in the plan.
func (p Plan) ShortValues() []string {
	out := make([]string, len(p.Migrations))
	for i, m := range p.Migrations {
		out[i] = string(m.Short)
	}
	return out
}

// Runner holds an ordered, validated set of migrations and answers
// pending/downgrade planning queries.
type Runner struct {
	ordered []Migration
	index   map[string]Migration
}

// NewRunner validates and orders migrations: short-value order must match
// canonical UUIDv7 order, identifiers must be unique, the lexicographically
// first migration (the bootstrap) must have no down script, and every
// other migration must have one.
func NewRunner(migrations []Migration) (*Runner, error) {
	if len(migrations) == 0 {
		return nil, loadErrorf("no migrations discovered")
	}

	ordered := make([]Migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Short < ordered[j].Short })

	ids := make([]uuid.UUID, len(ordered))
	for i, m := range ordered {
		ids[i] = m.UUID
	}
	if !uuid7.EnsureOrder(ids) {
		return nil, loadErrorf("shortuuid7 ordering does not match canonical UUID7 ordering")
	}

	index := make(map[string]Migration, len(ordered))
	for _, m := range ordered {
		if _, dup := index[string(m.Short)]; dup {
			return nil, loadErrorf("duplicate migration identifier %q", m.Short)
		}
		index[string(m.Short)] = m
	}

	if ordered[0].HasDown {
		return nil, loadErrorf("bootstrap migration must not provide a .down script")
	}
	for _, m := range ordered[1:] {
		if !m.HasDown {
			return nil, loadErrorf("missing .down script for migration %q", m.Short)
		}
	}

	return &Runner{ordered: ordered, index: index}, nil
}

// FromPath loads and validates all migrations found under dir.
func FromPath(dir string) (*Runner, error) {
	migrations, err := loadFromPath(dir)
	if err != nil {
		return nil, err
	}
	return NewRunner(migrations)
}

// ListAll returns every migration in canonical order.
func (r *Runner) ListAll() []Migration { return append([]Migration(nil), r.ordered...) }

// Bootstrap returns the first migration, which has no down script.
func (r *Runner) Bootstrap() Migration { return r.ordered[0] }

// Pending returns the migrations not present in applied, in canonical
// order.
func (r *Runner) Pending(applied []string) Plan {
	appliedSet := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		appliedSet[a] = struct{}{}
	}

	var out []Migration
	for _, m := range r.ordered {
		if _, ok := appliedSet[string(m.Short)]; !ok {
			out = append(out, m)
		}
	}
	return Plan{Migrations: out}
}

// DowngradePlan walks applied (oldest-to-newest) in reverse, collecting up
// to steps migrations to roll back. It stops early at the bootstrap
// migration, which is never downgraded.
func (r *Runner) DowngradePlan(applied []string, steps int) (Plan, error) {
	if steps < 1 {
		return Plan{}, loadErrorf("steps must be >= 1")
	}

	var appliedOrder []string
	for _, value := range applied {
		if _, ok := r.index[value]; ok {
			appliedOrder = append(appliedOrder, value)
		}
	}
	if len(appliedOrder) == 0 {
		return Plan{}, nil
	}

	bootstrap := r.Bootstrap()
	var toRemove []Migration
	remaining := steps
	for i := len(appliedOrder) - 1; i >= 0; i-- {
		if remaining == 0 {
			break
		}
		m := r.index[appliedOrder[i]]
		if m.Short == bootstrap.Short {
			break
		}
		if !m.HasDown {
			return Plan{}, loadErrorf("cannot downgrade migration %q; missing .down script", m.Short)
		}
		toRemove = append(toRemove, m)
		remaining--
	}
	return Plan{Migrations: toRemove}, nil
}

func loadFromPath(dir string) ([]Migration, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, loadErrorf("migration path not found: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, loadErrorf("read migration path %s: %v", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	upScripts := map[string]string{}
	downScripts := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			upScripts[strings.TrimSuffix(name, ".up.sql")] = filepath.Join(dir, name)
		case strings.HasSuffix(name, ".down.sql"):
			downScripts[strings.TrimSuffix(name, ".down.sql")] = filepath.Join(dir, name)
		}
	}
	if len(upScripts) == 0 {
		return nil, loadErrorf("no .up.sql migrations discovered under %s", dir)
	}

	shorts := make([]string, 0, len(upScripts))
	for short := range upScripts {
		shorts = append(shorts, short)
	}
	sort.Strings(shorts)

	var migrations []Migration
	for _, short := range shorts {
		upPath := upScripts[short]
		upRaw, err := os.ReadFile(upPath)
		if err != nil {
			return nil, loadErrorf("read %s: %v", upPath, err)
		}

		id, err := extractUUID7(string(upRaw), upPath, nil)
		if err != nil {
			return nil, err
		}
		canonicalShort := uuid7.ShortOf(id)
		if string(canonicalShort) != short {
			return nil, loadErrorf("short UUID mismatch for %s: filename %s does not match canonical %s",
				upPath, short, canonicalShort)
		}

		var downRaw string
		hasDown := false
		if downPath, ok := downScripts[short]; ok {
			raw, err := os.ReadFile(downPath)
			if err != nil {
				return nil, loadErrorf("read %s: %v", downPath, err)
			}
			if _, err := extractUUID7(string(raw), downPath, &id); err != nil {
				return nil, err
			}
			downRaw = string(raw)
			hasDown = true
		}

		upSQL := normalizeSQL(string(upRaw))
		downSQL := ""
		if hasDown {
			downSQL = normalizeSQL(downRaw)
		}

		migrations = append(migrations, Migration{
			UUID:         id,
			Short:        canonicalShort,
			UpSQL:        upSQL,
			DownSQL:      downSQL,
			HasDown:      hasDown,
			ChecksumUp:   checksum(upSQL),
			ChecksumDown: checksum(downSQL),
		})
	}

	return migrations, nil
}

func extractUUID7(sqlText, path string, expected *uuid.UUID) (uuid.UUID, error) {
	lines := strings.SplitN(sqlText, "\n", 2)
	firstLine := ""
	if len(lines) > 0 {
		firstLine = strings.TrimSpace(lines[0])
	}
	match := metadataPattern.FindStringSubmatch(firstLine)
	if match == nil {
		return uuid.UUID{}, loadErrorf("migration %s must begin with `-- uuid7: <uuid>` metadata", path)
	}
	value, err := uuid.Parse(match[1])
	if err != nil {
		return uuid.UUID{}, loadErrorf("migration %s has invalid uuid7 metadata: %v", path, err)
	}
	if expected != nil && value != *expected {
		return uuid.UUID{}, loadErrorf("migration %s uuid7 %s did not match paired script", path, value)
	}
	return value, nil
}

// normalizeSQL canonicalizes line endings, trims trailing whitespace per
// line, drops a leading/trailing blank run, and (when non-empty) ensures a
// single trailing newline.
func normalizeSQL(sql string) string {
	if sql == "" {
		return ""
	}
	text := strings.ReplaceAll(sql, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	normalized := strings.TrimSpace(strings.Join(lines, "\n"))
	if normalized == "" {
		return ""
	}
	return normalized + "\n"
}

// checksum returns a "sha256:<hex>" digest of sql, or "" for empty input.
func checksum(sql string) string {
	if sql == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sql))
	return "sha256:" + hex.EncodeToString(sum[:])
}
