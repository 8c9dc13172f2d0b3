// Package parser implements the parser service of SPEC_FULL §4.15: plan
// a source's file tree against the handler registry, stage chunks for a
// batch, and record the run into the source manifest.
package parser

import (
	"time"

	"github.com/raggd/raggd/internal/handler"
	"github.com/raggd/raggd/internal/manifest"
)

// ErrorKind distinguishes the parser error taxonomy of SPEC_FULL §7.
type ErrorKind string

const (
	ErrKindDisabled       ErrorKind = "module_disabled"
	ErrKindMissingRoot    ErrorKind = "missing_root"
	ErrKindOperationError ErrorKind = "operation_error"
	ErrKindLockTimeout    ErrorKind = "lock_timeout"
	ErrKindLockError      ErrorKind = "lock_error"
)

// Error is the typed error surfaced by Service operations.
type Error struct {
	Kind      ErrorKind
	Operation string
	Source    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "parser: " + string(e.Kind) + " during " + e.Operation + " for " + e.Source + ": " + e.Err.Error()
	}
	return "parser: " + string(e.Kind) + " during " + e.Operation + " for " + e.Source
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, operation, source string, err error) *Error {
	return &Error{Kind: kind, Operation: operation, Source: source, Err: err}
}

// PlanEntry is one file discovered during planning.
type PlanEntry struct {
	RelPath     string
	AbsPath     string
	HandlerName string
	HandlerVia  string
	Fallback    bool
	FileHash    string
	Size        int64
	ModTimeNs   int64
}

// BatchPlan is the output of PlanSource: every entry to be parsed, plus
// discovery-time warnings/errors and metrics.
type BatchPlan struct {
	Source          string
	Entries         []PlanEntry
	Warnings        []string
	Errors          []string
	Metrics         manifest.ParserRunMetrics
	HandlerVersions map[string]string
}

// EntryResult pairs a PlanEntry with the HandlerResult produced by
// parsing its content.
type EntryResult struct {
	Entry  PlanEntry
	Result handler.HandlerResult
}

// Run is the record merged into modules.parser, per §3.6/§4.15.
type Run struct {
	BatchID         string
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          manifest.HealthStatus
	Summary         string
	Warnings        []string
	Errors          []string
	Notes           []string
	HandlerVersions map[string]string
	Metrics         manifest.ParserRunMetrics
}
