package vdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/raggd/raggd/internal/logging"
)

// OllamaProvider embeds texts via a local Ollama server's /api/embeddings
// endpoint, retrying transient failures with exponential backoff.
type OllamaProvider struct {
	endpoint   string
	defaultDim int
	client     *http.Client
	maxRetries uint64
}

// NewOllamaProvider constructs an OllamaProvider. endpoint defaults to the
// local daemon; defaultDim is reported by DescribeModel/Capabilities when
// the model isn't otherwise known.
func NewOllamaProvider(endpoint string, defaultDim int) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if defaultDim <= 0 {
		defaultDim = 768
	}
	return &OllamaProvider{
		endpoint:   endpoint,
		defaultDim: defaultDim,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
	}
}

func (p *OllamaProvider) DescribeModel(model string) (ModelDescriptor, error) {
	if model == "" {
		model = "embeddinggemma"
	}
	return ModelDescriptor{Provider: "ollama", Name: model, Dim: p.defaultDim}, nil
}

func (p *OllamaProvider) Capabilities(model string) Capabilities {
	return Capabilities{MaxBatchSize: 1, MaxParallelRequests: 4}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedTexts has no native batch API on Ollama, so it issues one request
// per text, retrying each with exponential backoff + jitter.
func (p *OllamaProvider) EmbedTexts(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if model == "" {
		model = "embeddinggemma"
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := p.embedOneWithRetry(ctx, model, text)
		if err != nil {
			return nil, fmt.Errorf("vdb: ollama embed text %d: %w", i, err)
		}
		out[i] = embedding
	}
	return out, nil
}

func (p *OllamaProvider) embedOneWithRetry(ctx context.Context, model, text string) ([]float32, error) {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries)
	policy = backoff.WithContext(policy, ctx)

	var result []float32
	err := backoff.Retry(func() error {
		embedding, err := p.embedOne(ctx, model, text)
		if err != nil {
			logging.Get(logging.CategoryEmbedding).Debugw("ollama embed attempt failed, retrying", "error", err.Error())
			return err
		}
		result = embedding
		return nil
	}, policy)
	return result, err
}

func (p *OllamaProvider) embedOne(ctx context.Context, model, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(payload))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var decoded ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, backoff.Permanent(err)
	}
	return decoded.Embedding, nil
}
