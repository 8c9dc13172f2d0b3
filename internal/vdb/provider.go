package vdb

import "context"

// ModelDescriptor is the shape returned by a Provider's DescribeModel.
type ModelDescriptor struct {
	Provider string
	Name     string
	Dim      int
}

// Capabilities describes a provider's batching/concurrency limits, per
// §6.3's embedding provider contract.
type Capabilities struct {
	MaxBatchSize         int
	MaxParallelRequests  int
	MaxInputTokens       int
	MaxRequestTokens     int
}

// Provider is the embedding-provider contract the core resolves effective
// concurrency against: min(requested|config, caps.MaxParallelRequests,
// cpu_count).
type Provider interface {
	DescribeModel(model string) (ModelDescriptor, error)
	Capabilities(model string) Capabilities
	EmbedTexts(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// EffectiveConcurrency resolves the concurrency the core should use for a
// batch embed call.
func EffectiveConcurrency(requested int, caps Capabilities, cpuCount int) int {
	eff := requested
	if caps.MaxParallelRequests > 0 && (eff <= 0 || caps.MaxParallelRequests < eff) {
		eff = caps.MaxParallelRequests
	}
	if cpuCount > 0 && (eff <= 0 || cpuCount < eff) {
		eff = cpuCount
	}
	if eff <= 0 {
		eff = 1
	}
	return eff
}
