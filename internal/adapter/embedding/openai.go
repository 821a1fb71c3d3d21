package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"taskherd/internal/domain"
)

// OpenAI talks to the OpenAI embeddings API (or any compatible endpoint).
type OpenAI struct {
	apiKey  string
	model   string
	dims    int
	baseURL string
	client  *http.Client
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*OpenAI)

// WithOpenAIBaseURL overrides the default https://api.openai.com/v1.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAI) { p.baseURL = url }
}

// WithOpenAIClient sets a custom HTTP client.
func WithOpenAIClient(c *http.Client) OpenAIOption {
	return func(p *OpenAI) { p.client = c }
}

// NewOpenAI creates an OpenAI embedding provider for the given model.
func NewOpenAI(apiKey, model string, dims int, opts ...OpenAIOption) *OpenAI {
	p := &OpenAI{
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		baseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type openaiEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements domain.EmbeddingProvider. Results are reordered by the
// response index so output order matches input order.
func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openaiEmbedRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrEmbeddingFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrEmbeddingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

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

	var out openaiEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", domain.ErrEmbeddingFailed, err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", domain.ErrEmbeddingFailed, len(out.Data), len(texts))
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	embeddings := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		embeddings[i] = d.Embedding
	}
	return embeddings, nil
}

// Dimensions implements domain.EmbeddingProvider.
func (p *OpenAI) Dimensions() int { return p.dims }

// Name implements domain.EmbeddingProvider.
func (p *OpenAI) Name() string { return "openai" }

var _ domain.EmbeddingProvider = (*OpenAI)(nil)
