package parser

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

// HealthReport mirrors dbhealth.Report's shape for the parser module's
// readout, per §4.16.
type HealthReport struct {
	Name          string
	Status        manifest.HealthStatus
	Summary       string
	Actions       []string
	LastRefreshAt *time.Time
}

// HealthOptions configures the lock-wait/contention thresholds (§6.1).
type HealthOptions struct {
	LockWaitWarningSeconds float64
	LockWaitErrorSeconds   float64
	LockContentionWarning  int
	LockContentionError    int
}

// HealthEvaluator verifies a source's last recorded parser batch against
// the on-disk chunk_slices table, per §4.16.
type HealthEvaluator struct {
	wp   paths.WorkspacePaths
	man  *manifest.Service
	opts HealthOptions
}

// NewHealthEvaluator constructs a HealthEvaluator.
func NewHealthEvaluator(wp paths.WorkspacePaths, man *manifest.Service, opts HealthOptions) *HealthEvaluator {
	return &HealthEvaluator{wp: wp, man: man, opts: opts}
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
func (e *HealthEvaluator) Evaluate(source string, enabled bool) HealthReport {
	if !enabled {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusUnknown,
			Summary: "parser module disabled",
			Actions: []string{"enable the parser module in configuration"},
		}
	}

	manifestPath := e.wp.SourceManifestPath(source)
	snap, err := e.man.Load(manifestPath, false, false)
	if err != nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("manifest read failed: %v", err),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}

	modules, _ := snap.Data[manifest.ModulesKey].(map[string]interface{})
	payload, _ := modules[manifest.ParserModuleKey].(map[string]interface{})
	if payload == nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusUnknown,
			Summary: "manifest missing modules.parser payload",
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}

	state, err := decodeParserModule(payload)
	if err != nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("manifest modules.parser payload malformed: %v", err),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}

	if state.LastBatchID == nil || *state.LastBatchID == "" {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusUnknown,
			Summary: "no parser batch has been run yet",
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}
	batchID := *state.LastBatchID

	dbPath := e.wp.SourceDatabasePath(source)
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=2000")
	if err != nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("open database failed: %v", err),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}
	defer db.Close()

	var batchExists bool
	if err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM batches WHERE id = ?)`, batchID).Scan(&batchExists); err != nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("read batches failed: %v", err),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}
	if !batchExists {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("last batch %q is missing from batches", batchID),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}

	slices, err := loadBatchSlices(db, batchID)
	if err != nil {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("read chunk_slices failed: %v", err),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}
	if len(slices) == 0 {
		return HealthReport{
			Name:    source,
			Status:  manifest.StatusError,
			Summary: fmt.Sprintf("no chunk slices recorded for batch %q", batchID),
			Actions: []string{fmt.Sprintf("run parse %s", source)},
		}
	}

	status := manifest.StatusOK
	var issues []string
	var actions []string

	if issue := checkPartIndexCoverage(slices); issue != "" {
		status = manifest.MaxSeverity(status, manifest.StatusError)
		issues = append(issues, issue)
		actions = addAction(actions, fmt.Sprintf("run parse %s", source))
	}

	if issue := checkDelegateParents(slices); issue != "" {
		status = manifest.MaxSeverity(status, manifest.StatusError)
		issues = append(issues, issue)
		actions = addAction(actions, fmt.Sprintf("run parse %s", source))
	}

	waitStatus, waitIssue := e.lockWaitSeverity(state.Metrics.LockWaitSeconds)
	if waitStatus != manifest.StatusOK {
		status = manifest.MaxSeverity(status, waitStatus)
		issues = append(issues, waitIssue)
		actions = addAction(actions, "see runbook: parser-lock-contention")
	}

	contentionStatus, contentionIssue := e.lockContentionSeverity(state.Metrics.LockContentionEvents)
	if contentionStatus != manifest.StatusOK {
		status = manifest.MaxSeverity(status, contentionStatus)
		issues = append(issues, contentionIssue)
		actions = addAction(actions, "see runbook: parser-lock-contention")
	}

	summary := "parser healthy"
	if len(issues) > 0 {
		summary = joinDeduped(issues)
	}

	return HealthReport{
		Name:          source,
		Status:        status,
		Summary:       summary,
		Actions:       actions,
		LastRefreshAt: state.LastRunCompletedAt,
	}
}

func (e *HealthEvaluator) lockWaitSeverity(waitSeconds float64) (manifest.HealthStatus, string) {
	switch {
	case e.opts.LockWaitErrorSeconds > 0 && waitSeconds > e.opts.LockWaitErrorSeconds:
		return manifest.StatusError, fmt.Sprintf("lock_wait_seconds %.2f exceeds error threshold %.2f", waitSeconds, e.opts.LockWaitErrorSeconds)
	case e.opts.LockWaitWarningSeconds > 0 && waitSeconds > e.opts.LockWaitWarningSeconds:
		return manifest.StatusDegraded, fmt.Sprintf("lock_wait_seconds %.2f exceeds warning threshold %.2f", waitSeconds, e.opts.LockWaitWarningSeconds)
	default:
		return manifest.StatusOK, ""
	}
}

func (e *HealthEvaluator) lockContentionSeverity(events int) (manifest.HealthStatus, string) {
	switch {
	case e.opts.LockContentionError > 0 && events > e.opts.LockContentionError:
		return manifest.StatusError, fmt.Sprintf("lock_contention_events %d exceeds error threshold %d", events, e.opts.LockContentionError)
	case e.opts.LockContentionWarning > 0 && events > e.opts.LockContentionWarning:
		return manifest.StatusDegraded, fmt.Sprintf("lock_contention_events %d exceeds warning threshold %d", events, e.opts.LockContentionWarning)
	default:
		return manifest.StatusOK, ""
	}
}

func decodeParserModule(payload map[string]interface{}) (manifest.ParserModule, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return manifest.ParserModule{}, err
	}
	var state manifest.ParserModule
	if err := json.Unmarshal(encoded, &state); err != nil {
		return manifest.ParserModule{}, err
	}
	return state, nil
}

type batchSlice struct {
	ChunkID             string
	PartIndex           int
	PartTotal           int
	DelegateParentChunk string
}

func loadBatchSlices(db *sql.DB, batchID string) ([]batchSlice, error) {
	rows, err := db.Query(`SELECT chunk_id, part_index, part_total, metadata_json FROM chunk_slices WHERE batch_id = ?`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []batchSlice
	for rows.Next() {
		var s batchSlice
		var metadataJSON sql.NullString
		if err := rows.Scan(&s.ChunkID, &s.PartIndex, &s.PartTotal, &metadataJSON); err != nil {
			return nil, err
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			var meta map[string]interface{}
			if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err == nil {
				if v, ok := meta["delegate_parent_chunk"].(string); ok {
					s.DelegateParentChunk = v
				}
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkPartIndexCoverage(slices []batchSlice) string {
	byChunk := map[string][]int{}
	partTotal := map[string]int{}
	for _, s := range slices {
		byChunk[s.ChunkID] = append(byChunk[s.ChunkID], s.PartIndex)
		if s.PartTotal > partTotal[s.ChunkID] {
			partTotal[s.ChunkID] = s.PartTotal
		}
	}

	var bad []string
	for chunkID, indexes := range byChunk {
		sort.Ints(indexes)
		want := partTotal[chunkID]
		if want <= 0 {
			want = len(indexes)
		}
		if len(indexes) != want {
			bad = append(bad, chunkID)
			continue
		}
		for i, idx := range indexes {
			if idx != i {
				bad = append(bad, chunkID)
				break
			}
		}
	}
	if len(bad) == 0 {
		return ""
	}
	sort.Strings(bad)
	return fmt.Sprintf("part_index gap/mismatch for chunks: %v", bad)
}

func checkDelegateParents(slices []batchSlice) string {
	known := map[string]bool{}
	for _, s := range slices {
		known[s.ChunkID] = true
	}
	var dangling []string
	for _, s := range slices {
		if s.DelegateParentChunk != "" && !known[s.DelegateParentChunk] {
			dangling = append(dangling, s.ChunkID)
		}
	}
	if len(dangling) == 0 {
		return ""
	}
	sort.Strings(dangling)
	return fmt.Sprintf("dangling delegate_parent_chunk for chunks: %v", dangling)
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
