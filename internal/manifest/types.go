package manifest

import "time"

// CurrentModulesVersion is the manifest layout version SPEC_FULL §3.3
// requires every persisted manifest to carry.
const CurrentModulesVersion = 1

// ModulesKey and DBModuleKey are the default top-level keys; configurable
// per SPEC_FULL §6.1's db.manifest_modules_key / manifest_db_module_key.
const (
	ModulesKey      = "modules"
	SourceModuleKey = "source"
	DBModuleKey     = "db"
	ParserModuleKey = "parser"
)

// legacyRootKeys are the flat top-level fields a pre-namespace manifest
// stored; the migrator relocates them into modules.source.
var legacyRootKeys = []string{
	"name", "path", "enabled", "target", "last_refresh_at", "last_health",
}

// HealthStatus is one of ok/degraded/error/unknown, ordered by severity.
type HealthStatus string

const (
	StatusOK       HealthStatus = "ok"
	StatusUnknown  HealthStatus = "unknown"
	StatusDegraded HealthStatus = "degraded"
	StatusError    HealthStatus = "error"
)

var severity = map[HealthStatus]int{
	StatusOK:       0,
	StatusUnknown:  1,
	StatusDegraded: 2,
	StatusError:    3,
}

// MaxSeverity returns whichever of a, b has the higher severity
// (ok < unknown < degraded < error).
func MaxSeverity(a, b HealthStatus) HealthStatus {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// LastHealth is the embedded health snapshot on modules.source.
type LastHealth struct {
	Status    HealthStatus `json:"status"`
	CheckedAt *time.Time   `json:"checked_at,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Actions   []string     `json:"actions,omitempty"`
}

// SourceModule is modules.source.
type SourceModule struct {
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	Enabled       bool       `json:"enabled"`
	Target        *string    `json:"target,omitempty"`
	LastRefreshAt *time.Time `json:"last_refresh_at,omitempty"`
	LastHealth    LastHealth `json:"last_health"`
}

// DBModule is modules.db.
type DBModule struct {
	BootstrapShortUUID7   *string    `json:"bootstrap_shortuuid7,omitempty"`
	HeadMigrationUUID7    *string    `json:"head_migration_uuid7,omitempty"`
	HeadMigrationShort7   *string    `json:"head_migration_shortuuid7,omitempty"`
	LedgerChecksum        *string    `json:"ledger_checksum,omitempty"`
	LastVacuumAt          *time.Time `json:"last_vacuum_at,omitempty"`
	LastEnsureAt          *time.Time `json:"last_ensure_at,omitempty"`
	PendingMigrations     []string   `json:"pending_migrations"`
}

// DefaultDBModule returns a DBModule with all default (empty/nil) values.
func DefaultDBModule() DBModule {
	return DBModule{PendingMigrations: []string{}}
}

// ParserRunMetrics mirrors SPEC_FULL §3.6.
type ParserRunMetrics struct {
	FilesDiscovered       int                `json:"files_discovered"`
	FilesParsed           int                `json:"files_parsed"`
	FilesReused           int                `json:"files_reused"`
	FilesFailed           int                `json:"files_failed"`
	ChunksEmitted         int                `json:"chunks_emitted"`
	ChunksReused          int                `json:"chunks_reused"`
	Fallbacks             int                `json:"fallbacks"`
	QueueDepth            int                `json:"queue_depth"`
	HandlersInvoked       map[string]int     `json:"handlers_invoked"`
	HandlerRuntimeSeconds map[string]float64 `json:"handler_runtime_seconds"`
	LockWaitSeconds       float64            `json:"lock_wait_seconds"`
	LockContentionEvents  int                `json:"lock_contention_events"`
}

// NewParserRunMetrics returns a zeroed metrics record with initialized maps.
func NewParserRunMetrics() ParserRunMetrics {
	return ParserRunMetrics{
		HandlersInvoked:       map[string]int{},
		HandlerRuntimeSeconds: map[string]float64{},
	}
}

// ParserModule is modules.parser.
type ParserModule struct {
	Enabled              bool             `json:"enabled"`
	LastBatchID          *string          `json:"last_batch_id,omitempty"`
	LastRunStartedAt      *time.Time       `json:"last_run_started_at,omitempty"`
	LastRunCompletedAt    *time.Time       `json:"last_run_completed_at,omitempty"`
	LastRunStatus        HealthStatus     `json:"last_run_status"`
	LastRunSummary       string           `json:"last_run_summary,omitempty"`
	LastRunWarnings      []string         `json:"last_run_warnings"`
	LastRunErrors        []string         `json:"last_run_errors"`
	LastRunNotes         []string         `json:"last_run_notes"`
	HandlerVersions      map[string]string `json:"handler_versions"`
	Metrics              ParserRunMetrics `json:"metrics"`
}

// Document is the decoded manifest JSON object. Modules holds the
// recognized keys plus any arbitrary additional ones, preserved verbatim
// as raw values.
type Document struct {
	ModulesVersion int                    `json:"modules_version"`
	Modules        map[string]interface{} `json:"modules"`
}

// NewDocument returns an empty, already-migrated document skeleton.
func NewDocument() Document {
	return Document{
		ModulesVersion: CurrentModulesVersion,
		Modules:        map[string]interface{}{},
	}
}
