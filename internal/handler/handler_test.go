package handler

import "testing"

func newTestRegistry() *Registry {
	r := NewRegistry("text")
	r.Register(NewTextDescriptor())
	r.Register(NewPythonDescriptor())
	return r
}

func TestResolveByExtension(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Resolve("script.py", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Descriptor.Name != "python" {
		t.Fatalf("expected python, got %s", res.Descriptor.Name)
	}
	if res.ResolvedVia != "extension:py" {
		t.Fatalf("expected extension:py, got %s", res.ResolvedVia)
	}
}

func TestResolveExplicitUnknownErrors(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.Resolve("x.py", "nope", ""); err == nil {
		t.Fatalf("expected error for unknown explicit handler")
	}
}

func TestResolveExplicitWins(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Resolve("x.py", "text", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Descriptor.Name != "text" || res.ResolvedVia != "explicit" {
		t.Fatalf("expected explicit text, got %+v", res)
	}
}

func TestResolveOverrideWins(t *testing.T) {
	r := newTestRegistry()
	r.SetOverride("special.dat", "python")
	res, err := r.Resolve("special.dat", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Descriptor.Name != "python" || res.ResolvedVia != "override" {
		t.Fatalf("expected override python, got %+v", res)
	}
}

func TestResolveShebang(t *testing.T) {
	r := newTestRegistry()
	res, err := r.Resolve("script", "", "#!/usr/bin/env python3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Descriptor.Name != "python" {
		t.Fatalf("expected python via shebang, got %s", res.Descriptor.Name)
	}
}

func TestResolveFallsBackToDefaultWhenDisabled(t *testing.T) {
	r := NewRegistry("text")
	r.Register(NewTextDescriptor())
	py := NewPythonDescriptor()
	py.Enabled = false
	r.Register(py)

	res, err := r.Resolve("x.py", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Fallback || res.Descriptor.Name != "text" {
		t.Fatalf("expected fallback to text, got %+v", res)
	}
}

func TestResolveUnhealthyWithNoFallback(t *testing.T) {
	r := NewRegistry("text")
	txt := NewTextDescriptor()
	txt.Enabled = false
	r.Register(txt)
	py := NewPythonDescriptor()
	py.Enabled = false
	r.Register(py)

	res, err := r.Resolve("x.py", "", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Fallback {
		t.Fatalf("expected no fallback, got %+v", res)
	}
	if res.ResolvedVia != "unhealthy:disabled" {
		t.Fatalf("expected unhealthy:disabled, got %s", res.ResolvedVia)
	}
}

func TestTokenEncoderFallbackDeterministic(t *testing.T) {
	cache := NewEncoderCache()
	var reasons []string
	e := cache.Get("nonexistent-encoding-xyz", func(name string, reason error) {
		reasons = append(reasons, name)
	})
	if got := e.Count(""); got != 0 {
		t.Fatalf("expected 0 tokens for empty text, got %d", got)
	}
	if got := e.Count("abcd"); got != 1 {
		t.Fatalf("expected 1 token for 4 chars, got %d", got)
	}
	if got := e.Count("abcdefgh"); got != 2 {
		t.Fatalf("expected 2 tokens for 8 chars, got %d", got)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected exactly one fallback warning, got %d", len(reasons))
	}

	// Second lookup on the same cache must return the cached instance
	// without re-warning.
	e2 := cache.Get("nonexistent-encoding-xyz", func(name string, reason error) {
		reasons = append(reasons, name)
	})
	if e2 != e {
		t.Fatalf("expected cached encoder instance")
	}
	if len(reasons) != 1 {
		t.Fatalf("expected still exactly one fallback warning after cache hit, got %d", len(reasons))
	}
}

func TestEncoderCacheIsolatedPerInstance(t *testing.T) {
	var warnedA, warnedB int
	cacheA := NewEncoderCache()
	cacheB := NewEncoderCache()

	cacheA.Get("nonexistent-encoding-xyz", func(name string, reason error) { warnedA++ })
	cacheB.Get("nonexistent-encoding-xyz", func(name string, reason error) { warnedB++ })

	if warnedA != 1 || warnedB != 1 {
		t.Fatalf("expected each independent cache to warn once, got A=%d B=%d", warnedA, warnedB)
	}
}

func TestRegistryEncoderIsScopedToRegistry(t *testing.T) {
	r1 := newTestRegistry()
	r2 := newTestRegistry()

	var warns1, warns2 int
	e1 := r1.Encoder("nonexistent-encoding-xyz", func(name string, reason error) { warns1++ })
	e2 := r1.Encoder("nonexistent-encoding-xyz", func(name string, reason error) { warns1++ })
	if e1 != e2 {
		t.Fatalf("expected the same Registry to return the cached encoder instance")
	}
	if warns1 != 1 {
		t.Fatalf("expected exactly one fallback warning within r1, got %d", warns1)
	}

	e3 := r2.Encoder("nonexistent-encoding-xyz", func(name string, reason error) { warns2++ })
	if e3 == e1 {
		t.Fatalf("expected a distinct Registry to have its own encoder cache")
	}
	if warns2 != 1 {
		t.Fatalf("expected r2's own cache to warn once independently of r1, got %d", warns2)
	}
}
