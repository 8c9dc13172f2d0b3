package handler

import (
	"math"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder counts tokens for a named encoding, falling back to a
// deterministic byte-length heuristic when the backing library can't
// load that encoding, per §4.12.
type Encoder struct {
	name string
	bpe  *tiktoken.Tiktoken

	fallbackOnce sync.Once
	onFallback   func(name string, reason error)
}

// EncoderCache caches Encoders by name for the lifetime of a single
// Registry/Service instance. Per SPEC_FULL §9, the encoder cache (like
// the handler probe cache) must not be a process-wide singleton, so that
// separate workspaces/tests never observe each other's fallback state.
type EncoderCache struct {
	mu       sync.Mutex
	encoders map[string]*Encoder
}

// NewEncoderCache constructs an empty, instance-scoped encoder cache.
func NewEncoderCache() *EncoderCache {
	return &EncoderCache{encoders: map[string]*Encoder{}}
}

// Get returns the cached Encoder for name, constructing it if necessary.
// onFallback, if non-nil, is invoked exactly once for the lifetime of the
// returned Encoder if the library encoding is unavailable.
func (c *EncoderCache) Get(name string, onFallback func(name string, reason error)) *Encoder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.encoders[name]; ok {
		return e
	}

	e := &Encoder{name: name, onFallback: onFallback}
	bpe, err := tiktoken.GetEncoding(name)
	if err != nil {
		e.fallbackOnce.Do(func() {
			if e.onFallback != nil {
				e.onFallback(name, err)
			}
		})
	} else {
		e.bpe = bpe
	}
	c.encoders[name] = e
	return e
}

// Count returns the token count for text: the library encoder when
// available, else max(1, ceil(len(text)/4)) for non-empty text (0 for
// empty).
func (e *Encoder) Count(text string) int {
	if e == nil {
		if text == "" {
			return 0
		}
		return int(math.Max(1, math.Ceil(float64(len(text))/4)))
	}
	if e.bpe != nil {
		return len(e.bpe.Encode(text, nil, nil))
	}
	if text == "" {
		return 0
	}
	return int(math.Max(1, math.Ceil(float64(len(text))/4)))
}
