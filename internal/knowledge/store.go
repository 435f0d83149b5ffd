package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// Querier defines the database operations Store needs. It is satisfied by
// *pgxpool.Pool; defining it on the consumer side keeps Store testable
// without a live pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store manages corpus documents with vector search capabilities.
// It handles embedding generation and similarity search using
// PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db       Querier
	embedder ai.Embedder
	logger   *slog.Logger
}

// New creates a new Store instance. A nil logger falls back to slog.Default.
func New(db Querier, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
	}
}

const upsertSQL = `
INSERT INTO documents (id, content, embedding, metadata, created_at)
VALUES ($1, $2, $3, $4, COALESCE($5, now()))
ON CONFLICT (id) DO UPDATE
SET content = EXCLUDED.content,
    embedding = EXCLUDED.embedding,
    metadata = EXCLUDED.metadata`

const searchSQL = `
SELECT id, content, metadata, created_at, 1 - (embedding <=> $1) AS similarity
FROM documents
ORDER BY embedding <=> $1, seq
LIMIT $2`

const countSQL = `SELECT count(*) FROM documents`

// Add embeds the document content and upserts it into the corpus.
func (s *Store) Add(ctx context.Context, doc Document) error {
	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("failed to embed document %q: %w", doc.ID, err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var createdAt *time.Time
	if !doc.CreatedAt.IsZero() {
		createdAt = &doc.CreatedAt
	}

	vec := pgvector.NewVector(embedding)
	if _, err := s.db.Exec(ctx, upsertSQL, doc.ID, doc.Content, &vec, metadataJSON, createdAt); err != nil {
		return fmt.Errorf("failed to upsert document %q: %w", doc.ID, err)
	}

	s.logger.Debug("added document", "id", doc.ID, "content_length", len(doc.Content))
	return nil
}

// Search performs semantic search over the corpus. Results are ordered by
// descending similarity; equal scores fall back to ingestion order, so
// repeated searches are stable.
func (s *Store) Search(ctx context.Context, query string, opts ...SearchOption) ([]Result, error) {
	cfg := buildSearchConfig(opts)

	queryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	embedding, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("embedding generation timeout: %w", err)
		}
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	vec := pgvector.NewVector(embedding)
	rows, err := s.db.Query(queryCtx, searchSQL, &vec, cfg.topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("search query timeout: %w", err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			doc          Document
			metadataJSON []byte
			similarity   float32
		)
		if err := rows.Scan(&doc.ID, &doc.Content, &metadataJSON, &doc.CreatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		if err := json.Unmarshal(metadataJSON, &doc.Metadata); err != nil {
			s.logger.Warn("failed to parse metadata", "document_id", doc.ID, "error", err)
			doc.Metadata = make(map[string]string)
		}
		results = append(results, Result{Document: doc, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	return results, nil
}

// Count returns the number of documents in the corpus.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.QueryRow(ctx, countSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}

	// Overflow protection for 32-bit platforms.
	if count > math.MaxInt {
		return 0, fmt.Errorf("document count %d exceeds platform int capacity", count)
	}

	return int(count), nil
}

// embed generates an embedding vector for the given text.
func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{
			{Content: []*ai.Part{ai.NewTextPart(text)}},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return resp.Embeddings[0].Embedding, nil
}
