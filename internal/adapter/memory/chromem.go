package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"taskherd/internal/domain"
)

const chromemCollection = "taskherd"

// ChromemStore implements domain.MemoryStore on chromem-go, an embedded
// vector database persisted as a gob file.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
}

// NewChromemStore opens (or creates) a persistent chromem database at path.
// The embedder generates vectors for both writes and queries.
func NewChromemStore(path string, embedder domain.EmbeddingProvider, logger *slog.Logger) (*ChromemStore, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrMemoryStore, err)
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) == 0 {
			return nil, fmt.Errorf("%w: empty embedding", domain.ErrEmbeddingFailed)
		}
		return vecs[0], nil
	}

	collection, err := db.GetOrCreateCollection(chromemCollection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", domain.ErrMemoryStore, err)
	}

	return &ChromemStore{db: db, collection: collection, logger: logger}, nil
}

// Store implements domain.MemoryStore.
func (s *ChromemStore) Store(ctx context.Context, entry domain.MemoryEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: entry id must not be empty", domain.ErrMemoryStore)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	meta := make(map[string]string, len(entry.Metadata)+1)
	for k, v := range entry.Metadata {
		meta[k] = v
	}
	meta["created_at"] = entry.CreatedAt.Format(time.RFC3339)

	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       entry.ID,
		Content:  entry.Content,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("%w: add document: %v", domain.ErrMemoryStore, err)
	}
	return nil
}

// Query implements domain.MemoryStore.
func (s *ChromemStore) Query(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	// chromem rejects nResults beyond the collection size.
	if count := s.collection.Count(); limit > count {
		if count == 0 {
			return nil, nil
		}
		limit = count
	}

	results, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", domain.ErrMemorySearch, err)
	}

	entries := make([]domain.MemoryEntry, 0, len(results))
	for _, r := range results {
		entry := domain.MemoryEntry{
			ID:      r.ID,
			Content: r.Content,
			Score:   float64(r.Similarity),
		}
		if len(r.Metadata) > 0 {
			entry.Metadata = make(map[string]string, len(r.Metadata))
			for k, v := range r.Metadata {
				if k == "created_at" {
					if t, err := time.Parse(time.RFC3339, v); err == nil {
						entry.CreatedAt = t
					}
					continue
				}
				entry.Metadata[k] = v
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete implements domain.MemoryStore.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrMemoryStore, id, err)
	}
	return nil
}

// Name implements domain.MemoryStore.
func (s *ChromemStore) Name() string { return "chromem" }

// Close implements domain.MemoryStore. chromem persists on every write, so
// there is nothing to flush.
func (s *ChromemStore) Close() error { return nil }

var _ domain.MemoryStore = (*ChromemStore)(nil)
