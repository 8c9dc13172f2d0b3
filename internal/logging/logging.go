// Package logging provides category-scoped structured logging for raggd
// components, built on go.uber.org/zap in the style the teacher codebase
// used for its hand-rolled category logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names each component that logs through this package.
type Category string

const (
	CategoryWorkspace  Category = "workspace"
	CategoryManifest   Category = "manifest"
	CategoryMigration  Category = "migration"
	CategoryDB         Category = "db"
	CategoryHealth     Category = "health"
	CategoryTraversal  Category = "traversal"
	CategoryHandler    Category = "handler"
	CategoryParser     Category = "parser"
	CategoryVDB        Category = "vdb"
	CategoryEmbedding  Category = "embedding"
)

var (
	mu      sync.Mutex
	base    *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	getOnce sync.Once
)

// Configure (re)builds the base logger. format is "console" (default) or
// "json". logFile, when non-empty, additionally writes to that path.
func Configure(format string, debug bool, logFile string) error {
	mu.Lock()
	defer mu.Unlock()

	if debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("logging: create log dir: %w", err)
		}
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("logging: open log file: %w", err)
		}
		fileEncoder := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(f), level))
	}

	base = zap.New(zapcore.NewTee(cores...))
	return nil
}

func ensureBase() *zap.Logger {
	getOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if base == nil {
			base = zap.NewNop()
		}
	})
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = zap.NewNop()
	}
	return base
}

// Get returns a sugared logger scoped to category.
func Get(category Category) *zap.SugaredLogger {
	return ensureBase().Sugar().With("component", string(category))
}

// Timer measures and logs the duration of an operation when Stop is
// called, mirroring the teacher's logging.StartTimer call sites.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing op within category.
func StartTimer(category Category, op string) *Timer {
	return &Timer{category: category, op: op, start: time.Now()}
}

// Stop logs the elapsed duration at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debugw("operation completed", "op", t.op, "duration_ms", time.Since(t.start).Milliseconds())
}
