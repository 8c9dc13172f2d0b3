package dblifecycle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/raggd/raggd/internal/logging"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/migration"
)

// SQLiteBackend implements Backend against a single-file SQLite database,
// driving schema changes through a migration.Runner loaded from
// MigrationsPath.
type SQLiteBackend struct {
	MigrationsPath string
}

var _ Backend = (*SQLiteBackend)(nil)

func (b *SQLiteBackend) runner() (*migration.Runner, error) {
	return migration.FromPath(b.MigrationsPath)
}

func (b *SQLiteBackend) open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", dbPath, err)
	}
	return db, nil
}

func schemaMetaExists(db *sql.DB) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_meta'").Scan(&count)
	return err == nil && count > 0
}

// appliedShorts returns, for every migration known to runner, whether its
// most recent schema_migrations row (if any) was an "up" application, in
// canonical runner order.
func appliedShorts(db *sql.DB, runner *migration.Runner) ([]string, error) {
	rows, err := db.Query(`
		SELECT shortuuid7, direction FROM schema_migrations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	latest := map[string]string{}
	for rows.Next() {
		var short, direction string
		if err := rows.Scan(&short, &direction); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		latest[short] = direction
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range runner.ListAll() {
		if latest[string(m.Short)] == "up" {
			applied = append(applied, string(m.Short))
		}
	}
	return applied, nil
}

// ledgerChecksum computes "sha256:" + sha256("short:checksum_up|...") over
// applied, in the order given (SPEC_FULL §3.5).
func ledgerChecksum(runner *migration.Runner, applied []string) string {
	index := map[string]migration.Migration{}
	for _, m := range runner.ListAll() {
		index[string(m.Short)] = m
	}
	parts := make([]string, 0, len(applied))
	for _, short := range applied {
		m := index[short]
		parts = append(parts, fmt.Sprintf("%s:%s", short, m.ChecksumUp))
	}
	joined := strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(joined))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func execScript(tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec statement %q: %w", stmt, err)
		}
	}
	return nil
}

// splitStatements performs a naive semicolon split; migration SQL in this
// module never contains string literals with embedded semicolons.
func splitStatements(script string) []string {
	return strings.Split(script, ";")
}

func strPtr(s string) *string { return &s }

func buildState(runner *migration.Runner, applied []string, previous manifest.DBModule) manifest.DBModule {
	head := runner.Bootstrap()
	if len(applied) > 0 {
		index := map[string]migration.Migration{}
		for _, m := range runner.ListAll() {
			index[string(m.Short)] = m
		}
		head = index[applied[len(applied)-1]]
	}

	pending := runner.Pending(applied)
	pendingShorts := pending.ShortValues()
	if pendingShorts == nil {
		pendingShorts = []string{}
	}

	bootstrapShort := string(runner.Bootstrap().Short)
	headUUID := head.UUID.String()
	headShort := string(head.Short)
	checksum := ledgerChecksum(runner, applied)

	return manifest.DBModule{
		BootstrapShortUUID7: strPtr(bootstrapShort),
		HeadMigrationUUID7:  strPtr(headUUID),
		HeadMigrationShort7: strPtr(headShort),
		LedgerChecksum:      strPtr(checksum),
		LastVacuumAt:        previous.LastVacuumAt,
		LastEnsureAt:        previous.LastEnsureAt,
		PendingMigrations:   pendingShorts,
	}
}

// Ensure bootstraps the schema if absent (running the bootstrap migration,
// then inserting the schema_meta singleton and its schema_migrations
// entry). Service.Ensure is responsible for continuing with Upgrade when
// ensure_auto_upgrade is configured; this backend method only bootstraps.
func (b *SQLiteBackend) Ensure(ctx context.Context, source, dbPath string, state manifest.DBModule, now time.Time) (Outcome, error) {
	log := logging.Get(logging.CategoryDB)
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}

	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	if !schemaMetaExists(db) {
		bootstrap := runner.Bootstrap()
		log.Infow("bootstrapping schema", "source", source, "migration", bootstrap.Short)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Outcome{}, fmt.Errorf("begin bootstrap transaction: %w", err)
		}
		if err := execScript(tx, bootstrap.UpSQL); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("apply bootstrap migration %s: %w", bootstrap.Short, err)
		}
		checksum := ledgerChecksum(runner, []string{string(bootstrap.Short)})
		if _, err := tx.Exec(
			`INSERT INTO schema_meta (id, bootstrap_shortuuid7, head_migration_uuid7, head_migration_shortuuid7, ledger_checksum)
			 VALUES (1, ?, ?, ?, ?)`,
			string(bootstrap.Short), bootstrap.UUID.String(), string(bootstrap.Short), checksum,
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("insert schema_meta: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (shortuuid7, direction, checksum, applied_at) VALUES (?, 'up', ?, ?)`,
			string(bootstrap.Short), bootstrap.ChecksumUp, now.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("insert bootstrap schema_migrations row: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, fmt.Errorf("commit bootstrap transaction: %w", err)
		}
	}

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}
	newState := buildState(runner, applied, state)

	return Outcome{State: newState, Metadata: map[string]interface{}{"bootstrapped": true}}, nil
}

// Upgrade applies pending migrations in order, up to steps if given (nil
// means all pending).
func (b *SQLiteBackend) Upgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps *int, now time.Time) (Outcome, error) {
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}
	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}
	plan := runner.Pending(applied)
	toApply := plan.Migrations
	if steps != nil && *steps < len(toApply) {
		toApply = toApply[:*steps]
	}

	for _, m := range toApply {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Outcome{}, fmt.Errorf("begin upgrade transaction for %s: %w", m.Short, err)
		}
		if err := execScript(tx, m.UpSQL); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("apply migration %s: %w", m.Short, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (shortuuid7, direction, checksum, applied_at) VALUES (?, 'up', ?, ?)`,
			string(m.Short), m.ChecksumUp, now.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("record migration %s: %w", m.Short, err)
		}
		applied = append(applied, string(m.Short))
		if _, err := tx.Exec(
			`UPDATE schema_meta SET head_migration_uuid7 = ?, head_migration_shortuuid7 = ?, ledger_checksum = ? WHERE id = 1`,
			m.UUID.String(), string(m.Short), ledgerChecksum(runner, applied),
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("update schema_meta after %s: %w", m.Short, err)
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, fmt.Errorf("commit upgrade transaction for %s: %w", m.Short, err)
		}
	}

	newState := buildState(runner, applied, state)
	return Outcome{State: newState, Metadata: map[string]interface{}{"applied": len(toApply)}}, nil
}

// Downgrade reverses up to steps non-bootstrap migrations, newest first.
func (b *SQLiteBackend) Downgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps int, now time.Time) (Outcome, error) {
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}
	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}

	plan, err := runner.DowngradePlan(applied, steps)
	if err != nil {
		return Outcome{}, err
	}

	appliedSet := map[string]bool{}
	for _, s := range applied {
		appliedSet[s] = true
	}

	for _, m := range plan.Migrations {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Outcome{}, fmt.Errorf("begin downgrade transaction for %s: %w", m.Short, err)
		}
		if err := execScript(tx, m.DownSQL); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("apply down migration %s: %w", m.Short, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (shortuuid7, direction, checksum, applied_at) VALUES (?, 'down', ?, ?)`,
			string(m.Short), m.ChecksumDown, now.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("record downgrade %s: %w", m.Short, err)
		}
		delete(appliedSet, string(m.Short))

		remaining := remainingOrdered(runner, appliedSet)
		head := runner.Bootstrap()
		if len(remaining) > 0 {
			index := map[string]migration.Migration{}
			for _, rm := range runner.ListAll() {
				index[string(rm.Short)] = rm
			}
			head = index[remaining[len(remaining)-1]]
		}
		if _, err := tx.Exec(
			`UPDATE schema_meta SET head_migration_uuid7 = ?, head_migration_shortuuid7 = ?, ledger_checksum = ? WHERE id = 1`,
			head.UUID.String(), string(head.Short), ledgerChecksum(runner, remaining),
		); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("update schema_meta after downgrading %s: %w", m.Short, err)
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, fmt.Errorf("commit downgrade transaction for %s: %w", m.Short, err)
		}
	}

	finalApplied := remainingOrdered(runner, appliedSet)
	newState := buildState(runner, finalApplied, state)
	return Outcome{State: newState, Metadata: map[string]interface{}{"downgraded": len(plan.Migrations)}}, nil
}

func remainingOrdered(runner *migration.Runner, appliedSet map[string]bool) []string {
	var out []string
	for _, m := range runner.ListAll() {
		if appliedSet[string(m.Short)] {
			out = append(out, string(m.Short))
		}
	}
	return out
}

// Info reports the current migration state plus, optionally, table names
// and row counts.
func (b *SQLiteBackend) Info(ctx context.Context, source, dbPath string, state manifest.DBModule, includeSchema, includeCounts bool, now time.Time) (Outcome, error) {
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}
	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}
	newState := buildState(runner, applied, state)

	meta := map[string]interface{}{}
	var tables []string
	if includeSchema || includeCounts {
		rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
		if err != nil {
			return Outcome{}, fmt.Errorf("list tables: %w", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err == nil {
				tables = append(tables, name)
			}
		}
		rows.Close()
	}
	if includeSchema {
		meta["tables"] = tables
	}

	counts := map[string]int64{}
	var skipped []string
	if includeCounts {
		for _, table := range tables {
			var count int64
			if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
				skipped = append(skipped, table)
				continue
			}
			counts[table] = count
		}
	}

	return Outcome{
		State:              newState,
		TableCounts:        counts,
		TableCountsSkipped: skipped,
		Metadata:           meta,
	}, nil
}

// Vacuum runs SQLite's VACUUM; the caller (Service) is responsible for
// stamping last_vacuum_at on the returned state.
func (b *SQLiteBackend) Vacuum(ctx context.Context, source, dbPath string, state manifest.DBModule, concurrency int, now time.Time) (Outcome, error) {
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}
	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
		return Outcome{}, fmt.Errorf("vacuum %s: %w", dbPath, err)
	}

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}
	newState := buildState(runner, applied, state)
	return Outcome{State: newState}, nil
}

// Run executes an arbitrary SQL file against the database, either as a
// single transaction or statement-by-statement with autocommit.
func (b *SQLiteBackend) Run(ctx context.Context, source, dbPath string, state manifest.DBModule, sqlPath string, autocommit bool, now time.Time) (Outcome, error) {
	runner, err := b.runner()
	if err != nil {
		return Outcome{}, err
	}
	script, err := os.ReadFile(sqlPath)
	if err != nil {
		return Outcome{}, fmt.Errorf("read sql file %s: %w", sqlPath, err)
	}

	db, err := b.open(dbPath)
	if err != nil {
		return Outcome{}, err
	}
	defer db.Close()

	if autocommit {
		for _, stmt := range splitStatements(string(script)) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return Outcome{}, fmt.Errorf("exec statement %q: %w", stmt, err)
			}
		}
	} else {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return Outcome{}, fmt.Errorf("begin run transaction: %w", err)
		}
		if err := execScript(tx, string(script)); err != nil {
			tx.Rollback()
			return Outcome{}, fmt.Errorf("run sql file %s: %w", sqlPath, err)
		}
		if err := tx.Commit(); err != nil {
			return Outcome{}, fmt.Errorf("commit run transaction: %w", err)
		}
	}

	applied, err := appliedShorts(db, runner)
	if err != nil {
		return Outcome{}, err
	}
	newState := buildState(runner, applied, state)
	return Outcome{State: newState}, nil
}

// Reset destroys the database file and re-bootstraps from scratch; force
// must be true or the caller should never reach this method.
func (b *SQLiteBackend) Reset(ctx context.Context, source, dbPath string, state manifest.DBModule, force bool, now time.Time) (Outcome, error) {
	if !force {
		return Outcome{}, fmt.Errorf("reset requires force=true")
	}
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return Outcome{}, fmt.Errorf("remove database file %s: %w", dbPath, err)
	}
	if f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_WRONLY, 0o644); err != nil {
		return Outcome{}, fmt.Errorf("recreate database file %s: %w", dbPath, err)
	} else {
		f.Close()
	}
	return b.Ensure(ctx, source, dbPath, manifest.DefaultDBModule(), now)
}
