package parser

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/raggd/raggd/internal/chunkwrite"
	"github.com/raggd/raggd/internal/lock"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/paths"
)

const lockWaitEpsilon = 10 * time.Millisecond

// StageBatch persists plan/results into the source database within a
// single transaction, per §4.15 stage_batch.
func (s *Service) StageBatch(wp paths.WorkspacePaths, source, batchID string, plan BatchPlan, results []EntryResult, batchRef string, now time.Time) (manifest.ParserRunMetrics, error) {
	metrics := plan.Metrics

	lockPath := wp.LockPath(s.opts.LockNamespace, source)
	l := lock.New(lockPath, timeSeconds(s.opts.LockTimeout), timeSeconds(s.opts.LockPollInterval))

	waitStart := time.Now()
	if err := l.Acquire(); err != nil {
		waited := time.Since(waitStart)
		metrics.LockWaitSeconds += waited.Seconds()
		if waited > lockWaitEpsilon {
			metrics.LockContentionEvents++
		}
		return metrics, newError(ErrKindLockTimeout, "stage_batch", source, err)
	}
	defer l.Release()
	waited := time.Since(waitStart)
	metrics.LockWaitSeconds += waited.Seconds()
	if waited > lockWaitEpsilon {
		metrics.LockContentionEvents++
	}

	dbPath := wp.SourceDatabasePath(source)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return metrics, newError(ErrKindOperationError, "stage_batch", source, err)
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return metrics, newError(ErrKindOperationError, "stage_batch", source, err)
	}
	defer tx.Rollback()

	if err := chunkwrite.EnsureBatch(tx, batchID, batchRef, now); err != nil {
		return metrics, newError(ErrKindOperationError, "stage_batch", source, err)
	}

	for _, er := range results {
		entry := er.Entry
		result := er.Result

		fileID, err := chunkwrite.UpsertFile(tx, batchID, entry.RelPath, entry.HandlerName, entry.FileHash, entry.ModTimeNs, entry.Size)
		if err != nil {
			return metrics, newError(ErrKindOperationError, "stage_batch", source, fmt.Errorf("upsert file %q: %w", entry.RelPath, err))
		}

		content, readErr := os.ReadFile(entry.AbsPath)
		if readErr != nil {
			return metrics, newError(ErrKindOperationError, "stage_batch", source, fmt.Errorf("read %q: %w", entry.RelPath, readErr))
		}

		in := chunkwrite.Input{
			BatchID:         batchID,
			FileID:          fileID,
			HandlerName:     entry.HandlerName,
			HandlerVersions: plan.HandlerVersions,
			Content:         content,
			Result:          result,
			SymbolIDs:       map[string]int64{},
		}

		counts, err := chunkwrite.Write(tx, in, now)
		if err != nil {
			return metrics, newError(ErrKindOperationError, "stage_batch", source, fmt.Errorf("write chunks for %q: %w", entry.RelPath, err))
		}

		metrics.ChunksEmitted += counts.ChunksInserted
		metrics.ChunksReused += counts.ChunksReused
		if len(result.Chunks) > 0 && counts.ChunksInserted == 0 {
			metrics.FilesReused++
		} else {
			metrics.FilesParsed++
		}
	}

	if err := tx.Commit(); err != nil {
		return metrics, newError(ErrKindOperationError, "stage_batch", source, err)
	}

	return metrics, nil
}

func timeSeconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
