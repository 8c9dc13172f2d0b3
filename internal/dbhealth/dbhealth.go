// Package dbhealth evaluates per-source database health against the
// manifest's recorded state and the on-disk schema, per SPEC_FULL §4.9.
package dbhealth

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/migration"
	"github.com/raggd/raggd/internal/paths"
)

// Report mirrors manifest.LastHealth with the extra fields §4.9 requires
// for a readout.
type Report struct {
	Name          string
	Status        manifest.HealthStatus
	Summary       string
	Actions       []string
	LastRefreshAt *time.Time
}

// Options configures the staleness/drift thresholds (SPEC_FULL §6.1).
type Options struct {
	VacuumMaxStaleDays  int
	DriftWarningSeconds float64
	MigrationsPath      string
}

// Evaluator produces Reports for configured sources.
type Evaluator struct {
	wp   paths.WorkspacePaths
	man  *manifest.Service
	opts Options
}

// New constructs an Evaluator.
func New(wp paths.WorkspacePaths, man *manifest.Service, opts Options) *Evaluator {
	return &Evaluator{wp: wp, man: man, opts: opts}
}

func addAction(actions []string, action string) []string {
	for _, a := range actions {
		if a == action {
			return actions
		}
	}
	return append(actions, action)
}

// Evaluate builds the HealthReport for a single source.
func (e *Evaluator) Evaluate(source string, enabled bool, now time.Time) Report {
	if !enabled {
		return Report{
			Name:    source,
			Status:  manifest.StatusUnknown,
			Summary: "db module disabled",
			Actions: []string{"enable the db module in configuration"},
		}
	}

	manifestPath := e.wp.SourceManifestPath(source)
	snap, err := e.man.Load(manifestPath, false, false)
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("manifest read failed: %v", err),
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}

	modules, _ := snap.Data[manifest.ModulesKey].(map[string]interface{})
	dbPayload, _ := modules[manifest.DBModuleKey].(map[string]interface{})
	if dbPayload == nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: "manifest missing modules.db payload",
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}
	state, err := decodeState(dbPayload)
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("manifest modules.db payload malformed: %v", err),
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}

	dbPath := e.wp.SourceDatabasePath(source)
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=2000")
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("open database failed: %v", err),
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}
	defer db.Close()

	var schemaMetaRow struct {
		bootstrap      string
		headUUID       string
		headShort      string
		ledgerChecksum string
		lastVacuumAt   sql.NullString
	}
	err = db.QueryRow(`SELECT bootstrap_shortuuid7, head_migration_uuid7, head_migration_shortuuid7, ledger_checksum, last_vacuum_at FROM schema_meta WHERE id = 1`).
		Scan(&schemaMetaRow.bootstrap, &schemaMetaRow.headUUID, &schemaMetaRow.headShort, &schemaMetaRow.ledgerChecksum, &schemaMetaRow.lastVacuumAt)
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("missing or unreadable schema_meta: %v", err),
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}

	runner, err := migration.FromPath(e.opts.MigrationsPath)
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("load migration catalog failed: %v", err),
			Actions: []string{"verify packaged migrations"},
		}
	}

	appliedRows, err := queryAppliedShorts(db, runner)
	if err != nil {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("read schema_migrations failed: %v", err),
			Actions: []string{fmt.Sprintf("run ensure %s", source)},
		}
	}

	observedChecksum := recomputeLedger(runner, appliedRows)
	if observedChecksum != schemaMetaRow.ledgerChecksum {
		return Report{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: "ledger_checksum mismatch between schema_meta and recomputed applied set",
			Actions: []string{"verify packaged migrations"},
		}
	}

	pendingPlan := runner.Pending(appliedRows)
	observedPending := pendingPlan.ShortValues()
	if observedPending == nil {
		observedPending = []string{}
	}

	status := manifest.StatusOK
	var issues []string
	var actions []string

	if len(observedPending) > 0 {
		status = manifest.MaxSeverity(status, manifest.StatusDegraded)
		issues = append(issues, fmt.Sprintf("pending migrations: %v", observedPending))
		actions = addAction(actions, "upgrade")
	}

	withinDriftWindow := state.LastEnsureAt != nil && now.Sub(*state.LastEnsureAt).Seconds() <= e.opts.DriftWarningSeconds

	if !sameStringSlice(state.PendingMigrations, observedPending) && !withinDriftWindow {
		status = manifest.MaxSeverity(status, manifest.StatusDegraded)
		issues = append(issues, "manifest pending_migrations drifted from observed state")
		actions = addAction(actions, "ensure to resync manifest")
	}

	manifestDrifted := stringPtrNeq(state.HeadMigrationShort7, &schemaMetaRow.headShort) ||
		stringPtrNeq(state.BootstrapShortUUID7, &schemaMetaRow.bootstrap) ||
		stringPtrNeq(state.LedgerChecksum, &schemaMetaRow.ledgerChecksum)
	if manifestDrifted && !withinDriftWindow {
		status = manifest.MaxSeverity(status, manifest.StatusDegraded)
		issues = append(issues, "manifest head/bootstrap/checksum drifted from observed state")
		actions = addAction(actions, "ensure to refresh manifest")
	}

	if e.opts.VacuumMaxStaleDays >= 0 {
		if state.LastVacuumAt == nil {
			status = manifest.MaxSeverity(status, manifest.StatusDegraded)
			issues = append(issues, "vacuum never run")
			actions = addAction(actions, "vacuum")
		} else {
			staleDays := now.Sub(*state.LastVacuumAt).Hours() / 24
			if int(staleDays) > e.opts.VacuumMaxStaleDays {
				status = manifest.MaxSeverity(status, manifest.StatusDegraded)
				issues = append(issues, fmt.Sprintf("vacuum stale (%.0f days since last run)", staleDays))
				actions = addAction(actions, "vacuum")
			}
		}
	}

	summary := "database healthy"
	if len(issues) > 0 {
		summary = joinDeduped(issues)
	}

	return Report{
		Name:          source,
		Status:        status,
		Summary:       summary,
		Actions:       actions,
		LastRefreshAt: state.LastEnsureAt,
	}
}

func decodeState(payload map[string]interface{}) (manifest.DBModule, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return manifest.DBModule{}, err
	}
	var state manifest.DBModule
	if err := json.Unmarshal(encoded, &state); err != nil {
		return manifest.DBModule{}, err
	}
	if state.PendingMigrations == nil {
		state.PendingMigrations = []string{}
	}
	return state, nil
}

func sameStringSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sortedA := append([]string(nil), a...)
	sortedB := append([]string(nil), b...)
	sort.Strings(sortedA)
	sort.Strings(sortedB)
	for i := range sortedA {
		if sortedA[i] != sortedB[i] {
			return false
		}
	}
	return true
}

func stringPtrNeq(a *string, b *string) bool {
	if a == nil || b == nil {
		return a != b
	}
	return *a != *b
}

func joinDeduped(items []string) string {
	seen := map[string]bool{}
	var out []string
	for _, item := range items {
		if !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	result := ""
	for i, item := range out {
		if i > 0 {
			result += ", "
		}
		result += item
	}
	return result
}

// queryAppliedShorts mirrors dblifecycle's appliedShorts: for every
// migration known to runner, whether its most recent schema_migrations
// row was an "up" application, in canonical runner order.
func queryAppliedShorts(db *sql.DB, runner *migration.Runner) ([]string, error) {
	rows, err := db.Query(`SELECT shortuuid7, direction FROM schema_migrations ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := map[string]string{}
	for rows.Next() {
		var short, direction string
		if err := rows.Scan(&short, &direction); err != nil {
			return nil, err
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

// recomputeLedger replicates dblifecycle.ledgerChecksum so this package
// can cross-check schema_meta without importing an internal backend type.
func recomputeLedger(runner *migration.Runner, applied []string) string {
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
