// Package handler implements the handler registry, token encoder, and
// concrete language handlers of SPEC_FULL §4.11-§4.13.
package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// HandlerFile is the file-level facet of a HandlerResult.
type HandlerFile struct {
	Path     string
	Language string
	Encoding string
	Checksum string
	Metadata map[string]interface{}
}

// HandlerSymbol is one extracted symbol.
type HandlerSymbol struct {
	SymbolID    string
	Name        string
	Kind        string
	StartOffset int
	EndOffset   int
	Docstring   *string
	ParentID    *string
	Metadata    map[string]interface{}
}

// HandlerChunk is one extracted chunk.
type HandlerChunk struct {
	ChunkID         string
	Text            string
	TokenCount      int
	StartOffset     int
	EndOffset       int
	PartIndex       int
	ParentSymbolID  *string
	Delegate        string
	Metadata        map[string]interface{}
}

// HandlerResult is the full output of a single handler invocation.
type HandlerResult struct {
	File     HandlerFile
	Symbols  []HandlerSymbol
	Chunks   []HandlerChunk
	Warnings []string
	Errors   []string
}

// Empty returns a HandlerResult carrying only file metadata and errors,
// per §4.13's read-failure contract.
func Empty(file HandlerFile, errs ...string) HandlerResult {
	return HandlerResult{File: file, Errors: errs}
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewHandlerFile builds a HandlerFile with checksum populated from content.
func NewHandlerFile(path, language string, content []byte) HandlerFile {
	return HandlerFile{
		Path:     path,
		Language: language,
		Encoding: "utf-8",
		Checksum: checksumOf(content),
		Metadata: map[string]interface{}{},
	}
}

// Context carries per-invocation configuration a handler needs: the
// effective max-token cap (0 = unbounded) and the token encoder to use
// for counting.
type Context struct {
	MaxTokens int
	Encoder   *Encoder
}

// Descriptor describes one registered handler. The registry treats a
// Descriptor's Enabled field literally; callers wiring configuration
// must default missing per-handler config to Enabled=true before
// calling Register, since the registry treats missing config as enabled.
type Descriptor struct {
	Name        string
	Version     string
	DisplayName string
	Extensions  []string
	Shebangs    []string
	Probe       func() ProbeResult
	Enabled     bool
	Parse       func(path string, content []byte, ctx Context) HandlerResult
}

// ProbeResult is a handler's self-reported dependency health.
type ProbeResult struct {
	Status   string
	Summary  string
	Warnings []string
}

func okProbe() ProbeResult { return ProbeResult{Status: "ok"} }

// Resolution describes how a handler was selected for a candidate path.
type Resolution struct {
	Descriptor Descriptor
	ResolvedVia string
	Fallback   bool
}

// Registry resolves candidate paths to handler Descriptors per §4.11.
// Registration (Register/SetOverride) is single-threaded setup; Resolve may
// be called concurrently once setup is done (a parser batch resolves
// entries from a bounded worker pool per §5), so probeCache is guarded by
// probeMu since it is the only state Resolve mutates after setup.
type Registry struct {
	descriptors map[string]Descriptor
	overrides   map[string]string
	defaultName string

	probeMu    sync.Mutex
	probeCache map[string]ProbeResult

	encoders *EncoderCache
}

// NewRegistry constructs an empty Registry with the given default handler
// name (looked up lazily; it need not be registered yet).
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		descriptors: map[string]Descriptor{},
		overrides:   map[string]string{},
		defaultName: defaultName,
		probeCache:  map[string]ProbeResult{},
		encoders:    NewEncoderCache(),
	}
}

// Encoder returns this registry's cached Encoder for name, constructing it
// if necessary. The cache is scoped to this Registry instance, never a
// process-wide singleton (§9).
func (r *Registry) Encoder(name string, onFallback func(name string, reason error)) *Encoder {
	return r.encoders.Get(name, onFallback)
}

// Register adds or replaces a Descriptor.
func (r *Registry) Register(d Descriptor) {
	if d.Probe == nil {
		d.Probe = okProbe
	}
	r.descriptors[d.Name] = d
}

// SetOverride registers an explicit path override (normalized via
// filepath.Clean), resolving to the named handler.
func (r *Registry) SetOverride(path, handlerName string) {
	r.overrides[filepath.Clean(path)] = handlerName
}

func (r *Registry) probe(d Descriptor) ProbeResult {
	r.probeMu.Lock()
	defer r.probeMu.Unlock()
	if cached, ok := r.probeCache[d.Name]; ok {
		return cached
	}
	result := d.Probe()
	r.probeCache[d.Name] = result
	return result
}

func effectiveExtension(name string) (string, bool) {
	base := filepath.Base(name)
	trimmed := strings.TrimPrefix(base, ".")
	if !strings.Contains(trimmed, ".") {
		return "", false
	}
	idx := strings.LastIndex(trimmed, ".")
	return trimmed[idx+1:], true
}

func shebangToken(line string) string {
	line = strings.TrimPrefix(line, "#!")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	token := fields[0]
	if filepath.Base(token) == "env" && len(fields) > 1 {
		token = fields[1]
	}
	return strings.ToLower(filepath.Base(token))
}

// Resolve selects a Descriptor for path using the precedence in §4.11.
// explicitName, if non-empty, must name a registered handler. shebangLine
// is the raw first line of the file (including "#!") or "".
func (r *Registry) Resolve(path, explicitName, shebangLine string) (Resolution, error) {
	if explicitName != "" {
		d, ok := r.descriptors[explicitName]
		if !ok {
			return Resolution{}, fmt.Errorf("handler: unknown explicit handler %q", explicitName)
		}
		return r.finalize(d, "explicit")
	}

	if name, ok := r.overrides[filepath.Clean(path)]; ok {
		if d, ok := r.descriptors[name]; ok {
			return r.finalize(d, "override")
		}
	}

	if shebangLine != "" {
		token := shebangToken(shebangLine)
		if token != "" {
			for _, d := range r.descriptors {
				for _, sb := range d.Shebangs {
					if strings.ToLower(sb) == token {
						return r.finalize(d, fmt.Sprintf("shebang:%s", token))
					}
				}
			}
		}
	}

	if ext, ok := effectiveExtension(path); ok {
		for _, d := range r.descriptors {
			for _, candidate := range d.Extensions {
				if strings.EqualFold(candidate, ext) {
					return r.finalize(d, fmt.Sprintf("extension:%s", ext))
				}
			}
		}
	}

	d, ok := r.descriptors[r.defaultName]
	if !ok {
		return Resolution{}, fmt.Errorf("handler: default handler %q not registered", r.defaultName)
	}
	return r.finalize(d, "default")
}

func (r *Registry) enabled(d Descriptor) bool {
	return d.Enabled
}

// finalize applies enablement/probe fallback rules: if the chosen handler
// is unhealthy or disabled, fall back to the default handler; if that also
// fails, surface the original descriptor flagged unhealthy.
func (r *Registry) finalize(d Descriptor, via string) (Resolution, error) {
	if r.healthy(d) {
		return Resolution{Descriptor: d, ResolvedVia: via}, nil
	}

	if def, ok := r.descriptors[r.defaultName]; ok && def.Name != d.Name {
		if r.healthy(def) {
			return Resolution{Descriptor: def, ResolvedVia: via, Fallback: true}, nil
		}
	}

	reason := "disabled"
	if d.Enabled {
		probeResult := r.probe(d)
		reason = probeResult.Status
		if probeResult.Summary != "" {
			reason = probeResult.Summary
		}
	}
	return Resolution{
		Descriptor:  d,
		ResolvedVia: fmt.Sprintf("unhealthy:%s", reason),
		Fallback:    false,
	}, nil
}

func (r *Registry) healthy(d Descriptor) bool {
	if !d.Enabled {
		return false
	}
	return r.probe(d).Status == "ok"
}

// Descriptors returns every registered Descriptor, for health readout.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Availability returns (name, ProbeResult) for every registered, enabled
// handler, per §4.15 handler_availability.
func (r *Registry) Availability() map[string]ProbeResult {
	out := map[string]ProbeResult{}
	for name, d := range r.descriptors {
		if !d.Enabled {
			continue
		}
		out[name] = r.probe(d)
	}
	return out
}
