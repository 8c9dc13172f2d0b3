package dblifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/raggd/raggd/internal/manifest"
)

// ErrNullBackendUnconfigured is returned by every NullBackend method. The
// null backend exists only so a Service can be constructed before a real
// backend is wired; per SPEC_FULL's resolution of the spec's open
// question, it must never silently leave schema_meta uninitialized, so it
// hard-fails instead of returning the input state unchanged.
var ErrNullBackendUnconfigured = errors.New("dblifecycle: no backend configured; wire a real Backend before calling ensure")

// NullBackend is a boot-time placeholder Backend. It is intentionally
// unusable: every method returns ErrNullBackendUnconfigured.
type NullBackend struct{}

var _ Backend = NullBackend{}

func (NullBackend) Ensure(ctx context.Context, source, dbPath string, state manifest.DBModule, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Upgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps *int, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Downgrade(ctx context.Context, source, dbPath string, state manifest.DBModule, steps int, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Info(ctx context.Context, source, dbPath string, state manifest.DBModule, includeSchema, includeCounts bool, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Vacuum(ctx context.Context, source, dbPath string, state manifest.DBModule, concurrency int, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Run(ctx context.Context, source, dbPath string, state manifest.DBModule, sqlPath string, autocommit bool, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}

func (NullBackend) Reset(ctx context.Context, source, dbPath string, state manifest.DBModule, force bool, now time.Time) (Outcome, error) {
	return Outcome{}, ErrNullBackendUnconfigured
}
