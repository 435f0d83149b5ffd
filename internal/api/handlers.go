package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quill0/quill/internal/agent"
	"github.com/quill0/quill/internal/retrieval"
)

const maxRequestBody = 64 * 1024 // 64 KiB of JSON is plenty for a question

// Answerer runs one query through the reasoning loop. *agent.Orchestrator
// satisfies it.
type Answerer interface {
	Answer(ctx context.Context, query string) (*agent.Answer, error)
}

// Retriever runs one direct corpus search. *retrieval.Service satisfies it.
type Retriever interface {
	Search(ctx context.Context, query string, k int) (*retrieval.Result, error)
}

// Counter reports corpus size. *knowledge.Store satisfies it.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

type answerHandler struct {
	answerer  Answerer
	retriever Retriever
	counter   Counter
	logger    *slog.Logger
}

type answerRequest struct {
	Query string `json:"query"`
}

type answerResponse struct {
	Text      string       `json:"text"`
	Truncated bool         `json:"truncated"`
	Trace     []agent.Step `json:"trace"`
}

// answer handles POST /api/v1/answer: the full reasoning loop.
func (h *answerHandler) answer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), h.logger)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty", h.logger)
		return
	}

	answer, err := h.answerer.Answer(r.Context(), req.Query)
	if err != nil {
		h.logger.Error("query failed",
			"error", err,
			"request_id", requestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusBadGateway, "answer_failed", "could not produce an answer", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, answerResponse{
		Text:      answer.Text,
		Truncated: answer.Truncated,
		Trace:     answer.Trace,
	}, h.logger)
}

type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// search handles POST /api/v1/search: one retrieval pass without the agent
// loop, useful for debugging what the corpus returns.
func (h *answerHandler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error(), h.logger)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "empty_query", "query must not be empty", h.logger)
		return
	}

	result, err := h.retriever.Search(r.Context(), req.Query, req.K)
	if err != nil {
		h.logger.Error("search failed",
			"error", err,
			"request_id", requestIDFromContext(r.Context()),
		)
		writeError(w, http.StatusBadGateway, "search_failed", "could not search the corpus", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, result, h.logger)
}

// corpus handles GET /api/v1/corpus: corpus statistics.
func (h *answerHandler) corpus(w http.ResponseWriter, r *http.Request) {
	count, err := h.counter.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "corpus_unavailable", "could not read corpus size", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"documents": count}, h.logger)
}

// decodeBody parses a size-limited JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// health is a liveness probe. Returns 200 OK with {"status":"ok"}.
func health(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// readiness reports whether the database is reachable. A nil pool skips
// the check and reports ready.
func readiness(pool *pgxpool.Pool, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable",
					"reason": "database unreachable",
				}, logger)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	}
}
