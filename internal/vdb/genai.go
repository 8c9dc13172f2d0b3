package vdb

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/genai"

	"github.com/raggd/raggd/internal/logging"
)

// genaiMaxBatchSize is the API's documented per-request item ceiling.
const genaiMaxBatchSize = 100

// genaiDefaultDim is the dimensionality of gemini-embedding-001 output.
const genaiDefaultDim = 3072

// GenAIProvider embeds texts via Google's Gemini embedding API.
type GenAIProvider struct {
	client     *genai.Client
	maxRetries uint64
}

// NewGenAIProvider constructs a GenAIProvider bound to apiKey.
func NewGenAIProvider(ctx context.Context, apiKey string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vdb: genai API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("vdb: create genai client: %w", err)
	}
	return &GenAIProvider{client: client, maxRetries: 3}, nil
}

func (p *GenAIProvider) DescribeModel(model string) (ModelDescriptor, error) {
	if model == "" {
		model = "gemini-embedding-001"
	}
	return ModelDescriptor{Provider: "genai", Name: model, Dim: genaiDefaultDim}, nil
}

func (p *GenAIProvider) Capabilities(model string) Capabilities {
	return Capabilities{MaxBatchSize: genaiMaxBatchSize, MaxParallelRequests: 2}
}

func int32Ptr(i int32) *int32 { return &i }

// EmbedTexts chunks texts into genaiMaxBatchSize-sized requests and embeds
// each chunk with retry, concatenating results in input order.
func (p *GenAIProvider) EmbedTexts(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if model == "" {
		model = "gemini-embedding-001"
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += genaiMaxBatchSize {
		end := start + genaiMaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := p.embedChunkWithRetry(ctx, model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("vdb: genai embed batch [%d:%d]: %w", start, end, err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (p *GenAIProvider) embedChunkWithRetry(ctx context.Context, model string, texts []string) ([][]float32, error) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries)
	policy = backoff.WithContext(policy, ctx)

	var result [][]float32
	err := backoff.Retry(func() error {
		embeddings, err := p.embedChunk(ctx, model, texts)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Debugw("genai embed attempt failed, retrying", "error", err.Error())
			return err
		}
		result = embeddings
		return nil
	}, policy)
	return result, err
}

func (p *GenAIProvider) embedChunk(ctx context.Context, model string, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: int32Ptr(genaiDefaultDim),
	})
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
