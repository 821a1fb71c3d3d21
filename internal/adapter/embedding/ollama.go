// Package embedding provides EmbeddingProvider implementations for the
// shared memory store, plus resilience decorators.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskherd/internal/domain"
)

const maxResponseBytes = 10 * 1024 * 1024

// Ollama talks to a local Ollama instance's embedding API.
type Ollama struct {
	model   string
	dims    int
	baseURL string
	client  *http.Client
}

// OllamaOption configures the Ollama provider.
type OllamaOption func(*Ollama)

// WithOllamaBaseURL overrides the default http://localhost:11434.
func WithOllamaBaseURL(url string) OllamaOption {
	return func(p *Ollama) { p.baseURL = url }
}

// WithOllamaClient sets a custom HTTP client.
func WithOllamaClient(c *http.Client) OllamaOption {
	return func(p *Ollama) { p.client = c }
}

// NewOllama creates an Ollama embedding provider for the given model.
func NewOllama(model string, dims int, opts ...OllamaOption) *Ollama {
	p := &Ollama{
		model:   model,
		dims:    dims,
		baseURL: "http://localhost:11434",
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed implements domain.EmbeddingProvider.
func (p *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrEmbeddingFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %v", domain.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrEmbeddingFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: API error %d: %s", domain.ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrEmbeddingFailed, err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", domain.ErrEmbeddingFailed, len(out.Embeddings), len(texts))
	}
	return out.Embeddings, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *Ollama) Dimensions() int { return p.dims }

// Name implements domain.EmbeddingProvider.
func (p *Ollama) Name() string { return "ollama" }

var _ domain.EmbeddingProvider = (*Ollama)(nil)
