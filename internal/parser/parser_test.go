package parser

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/raggd/raggd/internal/config"
	"github.com/raggd/raggd/internal/dblifecycle"
	"github.com/raggd/raggd/internal/handler"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs("../../migrations/core")
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	return dir
}

func testRegistry() *handler.Registry {
	reg := handler.NewRegistry("generic")
	reg.Register(handler.Descriptor{
		Name:       "generic",
		Version:    "1",
		Extensions: []string{"txt"},
		Enabled:    true,
		Parse: func(path string, content []byte, ctx handler.Context) handler.HandlerResult {
			return handler.HandlerResult{
				File: handler.NewHandlerFile(path, "text", content),
				Chunks: []handler.HandlerChunk{
					{
						ChunkID:    path + ":chunk:0",
						Text:       string(content),
						TokenCount: ctx.Encoder.Count(string(content)),
						PartIndex:  0,
						Metadata:   map[string]interface{}{"part_total": 1},
					},
				},
			}
		},
	})
	return reg
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.Workspace = config.WorkspaceConfig{
		Root: root,
		Sources: map[string]config.SourceConfig{
			"alpha": {Enabled: true, Path: root},
		},
	}
	return cfg
}

func TestPlanSourceDisabledModule(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Modules.Parser.Enabled = false
	svc := New(cfg, testRegistry(), DefaultOptions())

	_, err := svc.PlanSource("alpha", nil)
	if err == nil {
		t.Fatal("expected error for disabled module")
	}
	var perr *Error
	if !asError(err, &perr) || perr.Kind != ErrKindDisabled {
		t.Fatalf("expected ErrKindDisabled, got %v", err)
	}
}

func TestPlanSourceMissingRoot(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Workspace.Sources = map[string]config.SourceConfig{}
	svc := New(cfg, testRegistry(), DefaultOptions())

	_, err := svc.PlanSource("alpha", nil)
	if err == nil {
		t.Fatal("expected error for missing root")
	}
	var perr *Error
	if !asError(err, &perr) || perr.Kind != ErrKindMissingRoot {
		t.Fatalf("expected ErrKindMissingRoot, got %v", err)
	}
}

func TestPlanSourceDiscoversFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("more text"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := testConfig(root)
	svc := New(cfg, testRegistry(), DefaultOptions())

	plan, err := svc.PlanSource("alpha", nil)
	if err != nil {
		t.Fatalf("PlanSource: %v", err)
	}
	if len(plan.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(plan.Entries), plan.Entries)
	}
	if plan.Metrics.FilesDiscovered != 2 {
		t.Fatalf("expected 2 files discovered, got %d", plan.Metrics.FilesDiscovered)
	}
	if len(plan.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", plan.Errors)
	}
	if v, ok := plan.HandlerVersions["generic"]; !ok || v != "1" {
		t.Fatalf("expected generic handler version recorded, got %+v", plan.HandlerVersions)
	}
}

func openWorkspaceDB(t *testing.T, wp paths.WorkspacePaths, source string) {
	t.Helper()
	if err := os.MkdirAll(wp.SourceDir(source), 0o755); err != nil {
		t.Fatalf("mkdir source dir: %v", err)
	}
	backend := &dblifecycle.SQLiteBackend{MigrationsPath: migrationsDir(t)}
	ctx := context.Background()
	dbPath := wp.SourceDatabasePath(source)

	ensured, err := backend.Ensure(ctx, source, dbPath, manifest.DefaultDBModule(), time.Now())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := backend.Upgrade(ctx, source, dbPath, ensured.State, nil, time.Now()); err != nil {
		t.Fatalf("Upgrade: %v", err)
	}
}

func TestStageBatchWritesChunksAndAggregatesMetrics(t *testing.T) {
	root := t.TempDir()
	wsRoot := t.TempDir()
	wp := paths.New(wsRoot)
	openWorkspaceDB(t, wp, "alpha")

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := testConfig(root)
	svc := New(cfg, testRegistry(), DefaultOptions())

	plan, err := svc.PlanSource("alpha", nil)
	if err != nil {
		t.Fatalf("PlanSource: %v", err)
	}
	if len(plan.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(plan.Entries))
	}

	encoder := svc.Encoder("cl100k_base", nil)
	results := make([]EntryResult, 0, len(plan.Entries))
	for _, entry := range plan.Entries {
		res, err := svc.ParseEntry(entry, 2000, encoder)
		if err != nil {
			t.Fatalf("ParseEntry: %v", err)
		}
		results = append(results, EntryResult{Entry: entry, Result: res})
	}

	batchID := "batch-1"
	metrics, err := svc.StageBatch(wp, "alpha", batchID, plan, results, "ref-1", time.Now())
	if err != nil {
		t.Fatalf("StageBatch: %v", err)
	}
	if metrics.ChunksEmitted != 1 {
		t.Fatalf("expected 1 chunk emitted, got %+v", metrics)
	}
	if metrics.FilesParsed != 1 {
		t.Fatalf("expected 1 file parsed, got %+v", metrics)
	}

	db, err := sql.Open("sqlite3", wp.SourceDatabasePath("alpha"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM chunk_slices WHERE batch_id = ?`, batchID).Scan(&count); err != nil {
		t.Fatalf("count chunk_slices: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 chunk_slices row, got %d", count)
	}
}

func TestStageBatchSecondBatchReusesIdenticalChunk(t *testing.T) {
	root := t.TempDir()
	wsRoot := t.TempDir()
	wp := paths.New(wsRoot)
	openWorkspaceDB(t, wp, "alpha")

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := testConfig(root)
	svc := New(cfg, testRegistry(), DefaultOptions())
	encoder := svc.Encoder("cl100k_base", nil)

	stage := func(batchID string) manifest.ParserRunMetrics {
		plan, err := svc.PlanSource("alpha", nil)
		if err != nil {
			t.Fatalf("PlanSource: %v", err)
		}
		results := make([]EntryResult, 0, len(plan.Entries))
		for _, entry := range plan.Entries {
			res, err := svc.ParseEntry(entry, 2000, encoder)
			if err != nil {
				t.Fatalf("ParseEntry: %v", err)
			}
			results = append(results, EntryResult{Entry: entry, Result: res})
		}
		metrics, err := svc.StageBatch(wp, "alpha", batchID, plan, results, "", time.Now())
		if err != nil {
			t.Fatalf("StageBatch: %v", err)
		}
		return metrics
	}

	first := stage("batch-a")
	if first.ChunksEmitted != 1 || first.ChunksReused != 0 {
		t.Fatalf("expected first batch to insert, got %+v", first)
	}

	second := stage("batch-b")
	if second.ChunksReused != 1 || second.ChunksEmitted != 0 {
		t.Fatalf("expected second batch to reuse, got %+v", second)
	}
}

func TestRunBatchPopulatesHandlerMetrics(t *testing.T) {
	root := t.TempDir()
	wsRoot := t.TempDir()
	wp := paths.New(wsRoot)
	openWorkspaceDB(t, wp, "alpha")

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("more text"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg := testConfig(root)
	svc := New(cfg, testRegistry(), DefaultOptions())
	man := manifest.New(manifest.DefaultOptions())
	encoder := svc.Encoder("cl100k_base", nil)

	run, err := svc.RunBatch(man, wp, "alpha", nil, 2000, encoder, time.Now())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if run.Metrics.HandlersInvoked["generic"] != 2 {
		t.Fatalf("expected 2 generic invocations, got %+v", run.Metrics.HandlersInvoked)
	}
	if run.Metrics.HandlerRuntimeSeconds["generic"] < 0 {
		t.Fatalf("expected non-negative handler runtime, got %+v", run.Metrics.HandlerRuntimeSeconds)
	}
	if run.Metrics.QueueDepth < 1 {
		t.Fatalf("expected queue_depth to record at least 1 in-flight task, got %d", run.Metrics.QueueDepth)
	}
}

func TestBuildRunRecordStatus(t *testing.T) {
	now := time.Now()
	ok := BuildRunRecord(BatchPlan{}, "batch-1", now, now, manifest.NewParserRunMetrics())
	if ok.Status != manifest.StatusOK {
		t.Fatalf("expected StatusOK, got %s", ok.Status)
	}

	degraded := BuildRunRecord(BatchPlan{Warnings: []string{"w1"}}, "batch-1", now, now, manifest.NewParserRunMetrics())
	if degraded.Status != manifest.StatusDegraded {
		t.Fatalf("expected StatusDegraded, got %s", degraded.Status)
	}

	failed := BuildRunRecord(BatchPlan{Errors: []string{"e1"}, Warnings: []string{"w1"}}, "batch-1", now, now, manifest.NewParserRunMetrics())
	if failed.Status != manifest.StatusError {
		t.Fatalf("expected StatusError, got %s", failed.Status)
	}
}

func TestRecordRunWritesManifest(t *testing.T) {
	wsRoot := t.TempDir()
	wp := paths.New(wsRoot)
	if err := os.MkdirAll(wp.SourceDir("alpha"), 0o755); err != nil {
		t.Fatalf("mkdir source dir: %v", err)
	}

	cfg := testConfig(t.TempDir())
	svc := New(cfg, testRegistry(), DefaultOptions())
	man := manifest.New(manifest.DefaultOptions())

	now := time.Now()
	run := BuildRunRecord(BatchPlan{HandlerVersions: map[string]string{"generic": "1"}}, "batch-1", now, now, manifest.NewParserRunMetrics())

	if err := svc.RecordRun(man, wp, "alpha", run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	snap, err := man.Load(wp.SourceManifestPath("alpha"), false, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	modules, ok := snap.Data[manifest.ModulesKey].(map[string]interface{})
	if !ok {
		t.Fatalf("expected modules object, got %#v", snap.Data[manifest.ModulesKey])
	}
	parserModule, ok := modules[manifest.ParserModuleKey].(map[string]interface{})
	if !ok {
		t.Fatalf("expected parser module object, got %#v", modules[manifest.ParserModuleKey])
	}
	if parserModule["last_batch_id"] != "batch-1" {
		t.Fatalf("expected last_batch_id batch-1, got %v", parserModule["last_batch_id"])
	}
	if parserModule["last_run_status"] != string(manifest.StatusOK) {
		t.Fatalf("expected status ok, got %v", parserModule["last_run_status"])
	}
}

func asError(err error, target **Error) bool {
	perr, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = perr
	return true
}
