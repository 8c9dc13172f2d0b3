package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/raggd/raggd/internal/config"
	"github.com/raggd/raggd/internal/handler"
	"github.com/raggd/raggd/internal/manifest"
	"github.com/raggd/raggd/internal/traversal"
)

const shebangPeekBytes = 256

// Service plans and stages parser batches for a workspace's sources.
type Service struct {
	cfg      config.Config
	registry *handler.Registry
	opts     Options
}

// Options configures lock behavior; see SPEC_FULL §6.1's db.* and
// modules.parser.* keys.
type Options struct {
	LockTimeout      float64
	LockPollInterval float64
	LockNamespace    string
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{LockTimeout: 10, LockPollInterval: 0.05, LockNamespace: "parser"}
}

// New constructs a Service bound to a decoded config and handler registry.
func New(cfg config.Config, registry *handler.Registry, opts Options) *Service {
	return &Service{cfg: cfg, registry: registry, opts: opts}
}

// Encoder returns the handler registry's cached token Encoder for name,
// scoped to this Service's Registry instance (§9).
func (s *Service) Encoder(name string, onFallback func(name string, reason error)) *handler.Encoder {
	return s.registry.Encoder(name, onFallback)
}

func gitignoreBehavior(s string) traversal.Behavior {
	switch traversal.Behavior(s) {
	case traversal.BehaviorNone, traversal.BehaviorRepo, traversal.BehaviorWorkspace, traversal.BehaviorCombined:
		return traversal.Behavior(s)
	default:
		return traversal.BehaviorCombined
	}
}

func readShebang(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, shebangPeekBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	data := buf[:n]
	if len(data) < 2 || data[0] != '#' || data[1] != '!' {
		return "", nil
	}
	end := 0
	for end < len(data) && data[end] != '\n' {
		end++
	}
	return string(data[:end]), nil
}

func streamFileHash(handlerVersion, relPath, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	h.Write([]byte(handlerVersion))
	h.Write([]byte{0x00})
	h.Write([]byte(relPath))
	h.Write([]byte{0x00})
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PlanSource builds a BatchPlan for source, optionally restricted to
// scope (a set of paths relative to the source root).
func (s *Service) PlanSource(source string, scope []string) (BatchPlan, error) {
	plan := BatchPlan{
		Source:          source,
		Metrics:         manifest.NewParserRunMetrics(),
		HandlerVersions: map[string]string{},
	}

	if !s.cfg.Modules.Parser.Enabled {
		return plan, newError(ErrKindDisabled, "plan_source", source, fmt.Errorf("parser module is disabled"))
	}

	srcCfg, ok := s.cfg.Workspace.Sources[source]
	if !ok || srcCfg.Path == "" {
		return plan, newError(ErrKindMissingRoot, "plan_source", source, fmt.Errorf("no configured root for source %q", source))
	}

	walker, err := traversal.New(traversal.Options{
		Root:     srcCfg.Path,
		Behavior: gitignoreBehavior(s.cfg.Modules.Parser.GitignoreBehavior),
		Scope:    scope,
	})
	if err != nil {
		return plan, newError(ErrKindOperationError, "plan_source", source, err)
	}

	for _, d := range s.registry.Descriptors() {
		plan.HandlerVersions[d.Name] = d.Version
	}

	walkErr := walker.Walk(func(f traversal.File) error {
		plan.Metrics.FilesDiscovered++

		shebang, err := readShebang(f.Absolute)
		if err != nil {
			plan.Metrics.FilesFailed++
			plan.Errors = append(plan.Errors, fmt.Sprintf("%s: read shebang: %v", f.Relative, err))
			return nil
		}

		res, err := s.registry.Resolve(f.Relative, "", shebang)
		if err != nil {
			plan.Metrics.FilesFailed++
			plan.Errors = append(plan.Errors, fmt.Sprintf("%s: resolve handler: %v", f.Relative, err))
			return nil
		}
		if res.Fallback {
			plan.Metrics.Fallbacks++
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"%s: fell back to handler %s (resolved via %s)", f.Relative, res.Descriptor.Name, res.ResolvedVia))
		}

		info, err := os.Stat(f.Absolute)
		if err != nil {
			plan.Metrics.FilesFailed++
			plan.Errors = append(plan.Errors, fmt.Sprintf("%s: stat: %v", f.Relative, err))
			return nil
		}

		hash, err := streamFileHash(res.Descriptor.Version, f.Relative, f.Absolute)
		if err != nil {
			plan.Metrics.FilesFailed++
			plan.Errors = append(plan.Errors, fmt.Sprintf("%s: hash: %v", f.Relative, err))
			return nil
		}

		plan.Entries = append(plan.Entries, PlanEntry{
			RelPath:     filepath.ToSlash(f.Relative),
			AbsPath:     f.Absolute,
			HandlerName: res.Descriptor.Name,
			HandlerVia:  res.ResolvedVia,
			Fallback:    res.Fallback,
			FileHash:    hash,
			Size:        info.Size(),
			ModTimeNs:   info.ModTime().UnixNano(),
		})
		return nil
	})
	if walkErr != nil {
		return plan, newError(ErrKindOperationError, "plan_source", source, walkErr)
	}

	for name, avail := range s.registry.Availability() {
		if avail.Status != "ok" {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf("handler %s is enabled but not healthy: %s", name, avail.Summary))
		}
	}

	return plan, nil
}

// HandlerAvailability returns the registry's per-handler health readout.
func (s *Service) HandlerAvailability() map[string]handler.ProbeResult {
	return s.registry.Availability()
}

// ParseEntry reads an entry's file content and invokes its resolved
// handler, producing the HandlerResult to stage.
func (s *Service) ParseEntry(entry PlanEntry, maxTokens int, encoder *handler.Encoder) (handler.HandlerResult, error) {
	res, err := s.registry.Resolve(entry.RelPath, entry.HandlerName, "")
	if err != nil {
		return handler.HandlerResult{}, err
	}
	content, err := os.ReadFile(entry.AbsPath)
	if err != nil {
		return handler.HandlerResult{}, err
	}
	ctx := handler.Context{MaxTokens: maxTokens, Encoder: encoder}
	return res.Descriptor.Parse(entry.RelPath, content, ctx), nil
}
