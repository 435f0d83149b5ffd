// Package retrieval answers questions from the ingested corpus by combining
// semantic search with grounded answer synthesis. It is always available,
// regardless of how many external tool servers are reachable.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quill0/quill/internal/knowledge"
)

// NoContextAnswer is returned when the corpus is empty. Callers get a
// definite statement instead of an error or a fabricated answer.
const NoContextAnswer = "No documents have been ingested yet, so there is no context available to answer this question."

const systemPrompt = `You are a document analyst answering questions for executives.
Answer concisely using ONLY the provided context. Ground every claim in the
context and cite the source identifier in parentheses. If the context does not
contain enough information to answer, say so explicitly instead of guessing.`

// Chunk is one retrieved piece of corpus context.
type Chunk struct {
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
	Source string  `json:"source"`
}

// Result is a synthesized answer together with the context it was grounded
// on, kept for traceability.
type Result struct {
	Answer  string  `json:"answer"`
	Context []Chunk `json:"context"`
}

// Searcher is the corpus access the service needs. *knowledge.Store
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Service wraps the vector store and the generation model behind a single
// search-and-synthesize operation.
type Service struct {
	store    Searcher
	genkit   *genkit.Genkit
	model    ai.Model
	defaultK int
	maxK     int
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultTopK sets the result count used when the caller passes k <= 0.
func WithDefaultTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.defaultK = k
		}
	}
}

// WithMaxTopK caps the result count a caller may request.
func WithMaxTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.maxK = k
		}
	}
}

// WithTimeout sets the deadline for one search-and-synthesize call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a retrieval service. A nil logger falls back to slog.Default.
func New(store Searcher, g *genkit.Genkit, model ai.Model, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:    store,
		genkit:   g,
		model:    model,
		defaultK: 4,
		maxK:     20,
		timeout:  60 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search retrieves the k most similar chunks for the query and synthesizes
// an answer grounded on them. k <= 0 selects the configured default; values
// above the configured maximum are clamped. A smaller corpus simply yields
// fewer chunks.
//
// Provider failures are not retried here; they surface as *Error so the
// caller can decide how to recover.
func (s *Service) Search(ctx context.Context, query string, k int) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &Error{Stage: StageSearch, Err: fmt.Errorf("empty query")}
	}

	k = s.clampK(k)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	hits, err := s.store.Search(ctx, query, knowledge.WithTopK(k))
	if err != nil {
		return nil, &Error{Stage: StageSearch, Err: err}
	}

	if len(hits) == 0 {
		s.logger.Info("search returned no context", "query_length", len(query))
		return &Result{Answer: NoContextAnswer}, nil
	}

	chunks := make([]Chunk, len(hits))
	for i, hit := range hits {
		chunks[i] = Chunk{
			Text:   hit.Document.Content,
			Score:  hit.Similarity,
			Source: hit.Document.Metadata["source"],
		}
		if chunks[i].Source == "" {
			chunks[i].Source = hit.Document.ID
		}
	}

	answer, err := s.synthesize(ctx, query, chunks)
	if err != nil {
		return nil, &Error{Stage: StageSynthesize, Err: err}
	}

	s.logger.Debug("answered from corpus", "chunks", len(chunks), "answer_length", len(answer))
	return &Result{Answer: answer, Context: chunks}, nil
}

// clampK normalizes a requested result count into [1, maxK].
func (s *Service) clampK(k int) int {
	switch {
	case k <= 0:
		return s.defaultK
	case k > s.maxK:
		return s.maxK
	default:
		return k
	}
}

// synthesize issues one generation call over the assembled context.
func (s *Service) synthesize(ctx context.Context, query string, chunks []Chunk) (string, error) {
	var sb strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&sb, "[%d] (source: %s, score: %.3f)\n%s\n\n", i+1, c.Source, c.Score, c.Text)
	}

	resp, err := genkit.Generate(ctx, s.genkit,
		ai.WithModel(s.model),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt("Context:\n%s\nQuestion: %s", sb.String(), query),
	)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("generation returned empty answer")
	}
	return text, nil
}
