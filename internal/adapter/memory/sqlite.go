// Package memory implements the shared MemoryStore that the orchestrator and
// its workers point at. Two backends are provided: SQLite and chromem-go.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"taskherd/internal/domain"
)

// SQLiteStore implements domain.MemoryStore backed by SQLite. Embeddings are
// generated on write and similarity search is a brute-force cosine scan,
// which is fine at the scale of a single orchestrator run.
type SQLiteStore struct {
	db       *sql.DB
	embedder domain.EmbeddingProvider
	logger   *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string, embedder domain.EmbeddingProvider, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrMemoryStore, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrMemoryStore, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			embedding  BLOB,
			created_at TEXT NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrMemoryStore, err)
	}

	return &SQLiteStore{db: db, embedder: embedder, logger: logger}, nil
}

// Store implements domain.MemoryStore.
func (s *SQLiteStore) Store(ctx context.Context, entry domain.MemoryEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: entry id must not be empty", domain.ErrMemoryStore)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %v", domain.ErrMemoryStore, err)
	}

	var blob []byte
	if s.embedder != nil && entry.Content != "" {
		vecs, err := s.embedder.Embed(ctx, []string{entry.Content})
		if err != nil {
			s.logger.Warn("memory store: embedding failed, storing without vector",
				"id", entry.ID, "error", err)
		} else if len(vecs) > 0 {
			blob = encodeVector(vecs[0])
		}
	}

	const upsert = `
		INSERT INTO memories (id, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content   = excluded.content,
			metadata  = excluded.metadata,
			embedding = excluded.embedding
	`
	_, err = s.db.ExecContext(ctx, upsert,
		entry.ID, entry.Content, string(meta), blob, entry.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: upsert: %v", domain.ErrMemoryStore, err)
	}
	return nil
}

// Query implements domain.MemoryStore. Without an embedder it falls back to
// substring matching on content.
func (s *SQLiteStore) Query(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.embedder == nil {
		return s.keywordQuery(ctx, query, limit)
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		if err != nil {
			s.logger.Warn("memory query: embedding failed, falling back to keyword search", "error", err)
		}
		return s.keywordQuery(ctx, query, limit)
	}
	queryVec := vecs[0]

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding, created_at FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", domain.ErrMemorySearch, err)
	}
	defer rows.Close()

	var results []domain.MemoryEntry
	for rows.Next() {
		entry, blob, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrMemorySearch, err)
		}
		entry.Score = cosineSimilarity(queryVec, decodeVector(blob))
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", domain.ErrMemorySearch, err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SQLiteStore) keywordQuery(ctx context.Context, query string, limit int) ([]domain.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding, created_at FROM memories
		 WHERE content LIKE '%' || ? || '%' ORDER BY created_at DESC LIMIT ?`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", domain.ErrMemorySearch, err)
	}
	defer rows.Close()

	var results []domain.MemoryEntry
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", domain.ErrMemorySearch, err)
		}
		results = append(results, entry)
	}
	return results, rows.Err()
}

// Delete implements domain.MemoryStore.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrMemoryStore, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("memory", "SQLiteStore.Delete", domain.ErrNotFound, id)
	}
	return nil
}

// Name implements domain.MemoryStore.
func (s *SQLiteStore) Name() string { return "sqlite" }

// Close implements domain.MemoryStore.
func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ domain.MemoryStore = (*SQLiteStore)(nil)

// --- helpers ---

func scanEntry(rows *sql.Rows) (domain.MemoryEntry, []byte, error) {
	var (
		entry     domain.MemoryEntry
		meta      string
		blob      []byte
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.Content, &meta, &blob, &createdAt); err != nil {
		return domain.MemoryEntry{}, nil, err
	}
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &entry.Metadata)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		entry.CreatedAt = t
	}
	return entry, blob, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
