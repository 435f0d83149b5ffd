// Package api serves the JSON HTTP interface: answer queries through the
// reasoning loop, run direct corpus searches, and report health.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger     *slog.Logger
	Answerer   Answerer      // Required
	Retriever  Retriever     // Required
	Counter    Counter       // Required
	Pool       *pgxpool.Pool // Optional: nil skips the database readiness check
	TrustProxy bool          // Trust X-Real-IP/X-Forwarded-For headers
	RateBurst  int           // Rate limiter burst size per IP (0 = default 30)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Answerer == nil {
		return nil, errors.New("answerer is required")
	}
	if cfg.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if cfg.Counter == nil {
		return nil, errors.New("counter is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &answerHandler{
		answerer:  cfg.Answerer,
		retriever: cfg.Retriever,
		counter:   cfg.Counter,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/answer", h.answer)
	mux.HandleFunc("POST /api/v1/search", h.search)
	mux.HandleFunc("GET /api/v1/corpus", h.corpus)

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 30
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID sits before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
