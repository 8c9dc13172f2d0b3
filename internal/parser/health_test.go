package parser

import (
	"os"
	"testing"
	"time"

	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

func defaultHealthOptions() HealthOptions {
	return HealthOptions{
		LockWaitWarningSeconds: 5,
		LockWaitErrorSeconds:   30,
		LockContentionWarning:  5,
		LockContentionError:    20,
	}
}

func TestParserHealthDisabledModule(t *testing.T) {
	wp := paths.New(t.TempDir())
	man := manifest.New(manifest.DefaultOptions())
	eval := NewHealthEvaluator(wp, man, defaultHealthOptions())

	report := eval.Evaluate("alpha", false)
	if report.Status != manifest.StatusUnknown {
		t.Fatalf("expected StatusUnknown, got %s", report.Status)
	}
}

func TestParserHealthNoBatchYet(t *testing.T) {
	wp := paths.New(t.TempDir())
	man := manifest.New(manifest.DefaultOptions())
	eval := NewHealthEvaluator(wp, man, defaultHealthOptions())

	report := eval.Evaluate("alpha", true)
	if report.Status != manifest.StatusUnknown {
		t.Fatalf("expected StatusUnknown for no prior batch, got %s: %s", report.Status, report.Summary)
	}
}

func TestParserHealthOkAfterRun(t *testing.T) {
	root := t.TempDir()
	wsRoot := t.TempDir()
	wp := paths.New(wsRoot)
	openWorkspaceDB(t, wp, "alpha")

	cfg := testConfig(root)
	svc := New(cfg, testRegistry(), DefaultOptions())
	man := manifest.New(manifest.DefaultOptions())

	fixturePath := root + "/a.txt"
	if err := os.WriteFile(fixturePath, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	plan, err := svc.PlanSource("alpha", nil)
	if err != nil {
		t.Fatalf("PlanSource: %v", err)
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

	now := time.Now()
	batchID := "batch-1"
	runMetrics, err := svc.StageBatch(wp, "alpha", batchID, plan, results, "", now)
	if err != nil {
		t.Fatalf("StageBatch: %v", err)
	}
	run := BuildRunRecord(plan, batchID, now, now, runMetrics)
	if err := svc.RecordRun(man, wp, "alpha", run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	eval := NewHealthEvaluator(wp, man, defaultHealthOptions())
	report := eval.Evaluate("alpha", true)
	if report.Status != manifest.StatusOK {
		t.Fatalf("expected StatusOK, got %s: %s", report.Status, report.Summary)
	}
}
