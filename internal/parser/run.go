package parser

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raggd/raggd/internal/config"
	"github.com/raggd/raggd/internal/handler"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
	"github.com/raggd/raggd/internal/uuid7"
)

func toMap(v interface{}) (map[string]interface{}, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewBatchID returns a fresh UUIDv7-ordered batch identifier.
func NewBatchID(now time.Time) (string, error) {
	id, err := uuid7.Generate(now)
	if err != nil {
		return "", err
	}
	return string(uuid7.ShortOf(id)), nil
}

// BuildRunRecord merges plan and run-time metrics into a Run with a
// computed status (errors -> error, warnings -> degraded, else ok).
func BuildRunRecord(plan BatchPlan, batchID string, startedAt, completedAt time.Time, runMetrics manifest.ParserRunMetrics) Run {
	status := manifest.StatusOK
	var summary string
	switch {
	case len(plan.Errors) > 0:
		status = manifest.StatusError
		summary = fmt.Sprintf("%d error(s) during parse", len(plan.Errors))
	case len(plan.Warnings) > 0:
		status = manifest.StatusDegraded
		summary = fmt.Sprintf("%d warning(s) during parse", len(plan.Warnings))
	default:
		summary = "parse completed cleanly"
	}

	return Run{
		BatchID:         batchID,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
		Status:          status,
		Summary:         summary,
		Warnings:        plan.Warnings,
		Errors:          plan.Errors,
		HandlerVersions: plan.HandlerVersions,
		Metrics:         runMetrics,
	}
}

func runToMap(run Run, enabled bool) (map[string]interface{}, error) {
	module := manifest.ParserModule{
		Enabled:            enabled,
		LastBatchID:        &run.BatchID,
		LastRunStartedAt:   &run.StartedAt,
		LastRunCompletedAt: &run.CompletedAt,
		LastRunStatus:      run.Status,
		LastRunSummary:     run.Summary,
		LastRunWarnings:    nonNil(run.Warnings),
		LastRunErrors:      nonNil(run.Errors),
		LastRunNotes:       nonNil(run.Notes),
		HandlerVersions:    run.HandlerVersions,
		Metrics:            run.Metrics,
	}
	return toMap(module)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// resolveConcurrency turns modules.parser.max_concurrency ("auto" or a
// positive int) into a worker count bounded by the number of entries, per
// §5's "bounded worker pool" for in-parallel file parsing.
func resolveConcurrency(v config.IntOrAuto, entryCount int) int {
	n := v.Value
	if v.Auto || n <= 0 {
		n = runtime.NumCPU()
	}
	if n <= 0 {
		n = 1
	}
	if entryCount > 0 && n > entryCount {
		n = entryCount
	}
	return n
}

// RunBatch performs a full plan -> parse -> stage -> record cycle for
// source, the convenience composition of the four public operations.
// Parsing runs across a bounded worker pool (§5); all chunk persistence
// for the batch still serializes through StageBatch's single DB lock.
func (s *Service) RunBatch(man *manifest.Service, wp paths.WorkspacePaths, source string, scope []string, maxTokens int, encoder *handler.Encoder, now time.Time) (Run, error) {
	startedAt := now

	plan, err := s.PlanSource(source, scope)
	if err != nil {
		return Run{}, err
	}

	batchID, err := NewBatchID(startedAt)
	if err != nil {
		return Run{}, newError(ErrKindOperationError, "run_batch", source, err)
	}

	parsed := make([]EntryResult, len(plan.Entries))
	parseOK := make([]bool, len(plan.Entries))
	parseErrs := make([]string, len(plan.Entries))

	// inFlight/peakInFlight track how many parse tasks the errgroup is
	// actually running at once, bounded by SetLimit; peakInFlight becomes
	// the batch's queue_depth metric.
	var inFlight, peakInFlight int32
	var metricsMu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(resolveConcurrency(s.cfg.Modules.Parser.MaxConcurrency, len(plan.Entries)))
	for i, entry := range plan.Entries {
		i, entry := i, entry
		g.Go(func() error {
			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			for {
				peak := atomic.LoadInt32(&peakInFlight)
				if n <= peak || atomic.CompareAndSwapInt32(&peakInFlight, peak, n) {
					break
				}
			}

			start := time.Now()
			res, err := s.ParseEntry(entry, maxTokens, encoder)
			elapsed := time.Since(start).Seconds()

			metricsMu.Lock()
			plan.Metrics.HandlersInvoked[entry.HandlerName]++
			plan.Metrics.HandlerRuntimeSeconds[entry.HandlerName] += elapsed
			metricsMu.Unlock()

			if err != nil {
				parseErrs[i] = fmt.Sprintf("%s: parse: %v", entry.RelPath, err)
				return nil
			}
			parsed[i] = EntryResult{Entry: entry, Result: res}
			parseOK[i] = true
			return nil
		})
	}
	_ = g.Wait()
	plan.Metrics.QueueDepth = int(peakInFlight)

	results := make([]EntryResult, 0, len(plan.Entries))
	for i := range plan.Entries {
		if parseOK[i] {
			results = append(results, parsed[i])
		} else if parseErrs[i] != "" {
			plan.Errors = append(plan.Errors, parseErrs[i])
		}
	}

	runMetrics, err := s.StageBatch(wp, source, batchID, plan, results, "", now)
	if err != nil {
		return Run{}, err
	}

	completedAt := time.Now()
	run := BuildRunRecord(plan, batchID, startedAt, completedAt, runMetrics)

	if err := s.RecordRun(man, wp, source, run); err != nil {
		return run, err
	}
	return run, nil
}

// RecordRun writes run into the source manifest's modules.parser,
// bumping modules_version, per §4.15 record_run.
func (s *Service) RecordRun(man *manifest.Service, wp paths.WorkspacePaths, source string, run Run) error {
	manifestPath := wp.SourceManifestPath(source)
	_, err := man.WithTransaction(manifestPath, func(tx *manifest.Transaction) error {
		data := tx.Data()
		modules, ok := data[manifest.ModulesKey].(map[string]interface{})
		if !ok {
			modules = map[string]interface{}{}
		}

		encoded, err := runToMap(run, s.cfg.Modules.Parser.Enabled)
		if err != nil {
			return newError(ErrKindOperationError, "record_run", source, err)
		}
		modules[manifest.ParserModuleKey] = encoded
		data[manifest.ModulesKey] = modules
		data["modules_version"] = manifest.CurrentModulesVersion
		return nil
	})
	return err
}
