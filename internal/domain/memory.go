package domain

import (
	"context"
	"time"
)

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider identifier (e.g., "ollama").
	Name() string
}

// MemoryEntry is one stored memory in the shared backing store.
type MemoryEntry struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	// Score is populated on query results only (similarity, higher is better).
	Score float64 `json:"score,omitempty"`
}

// MemoryStore is the shared backing store that the orchestrator and every
// spawned worker point at. The orchestrator only passes connection parameters
// through to workers; it does not interpret the stored content.
type MemoryStore interface {
	Store(ctx context.Context, entry MemoryEntry) error
	Query(ctx context.Context, query string, limit int) ([]MemoryEntry, error)
	Delete(ctx context.Context, id string) error
	Name() string
	Close() error
}
