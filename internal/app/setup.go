package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/quill0/quill/db"
	"github.com/quill0/quill/internal/agent"
	"github.com/quill0/quill/internal/bridge"
	"github.com/quill0/quill/internal/capability"
	"github.com/quill0/quill/internal/config"
	"github.com/quill0/quill/internal/knowledge"
	"github.com/quill0/quill/internal/observability"
	"github.com/quill0/quill/internal/retrieval"
)

// Setup creates and initializes the application. Everything already
// initialized is released if a later step fails.
//
// Tool server handshakes run during Setup (concurrently, bounded by the
// configured handshake timeout); servers that fail are logged and skipped,
// never fatal.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first, so Genkit's TracerProvider is ready before Init.
	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLPEndpoint,
			ServiceName: cfg.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.otelShutdown = shutdown
	}

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, model, embedder, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Model = model
	a.Embedder = embedder

	a.Store = knowledge.New(pool, embedder, logger)

	a.Retrieval = retrieval.New(a.Store, g, model, logger,
		retrieval.WithDefaultTopK(cfg.TopK),
		retrieval.WithMaxTopK(cfg.MaxTopK),
	)

	a.Bridge = provideBridge(ctx, cfg, logger)

	// The effective capability set is computed once per process lifetime.
	a.Registry = capability.Build(a.Retrieval, a.Bridge, logger)

	a.Orchestrator = agent.New(g, model, a.Registry, logger,
		agent.WithMaxSteps(cfg.MaxSteps),
		agent.WithStepTimeout(cfg.StepTimeout),
		agent.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestBurst)),
	)

	logger.Info("application ready",
		"model", cfg.ModelName,
		"capabilities", a.Registry.Len(),
		"tool_servers_ready", a.Bridge.ReadyCount(),
	)
	return a, nil
}

// providePool runs migrations and creates the PostgreSQL connection pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the Google AI plugin and resolves
// the configured model and embedder. The plugin reads GEMINI_API_KEY (or
// GOOGLE_API_KEY) from the environment; config.Validate has already
// confirmed one is set.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, ai.Model, ai.Embedder, error) {
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel(cfg.ModelName),
	)
	if g == nil {
		return nil, nil, nil, fmt.Errorf("initializing genkit")
	}

	model := genkit.LookupModel(g, cfg.ModelName)
	if model == nil {
		return nil, nil, nil, fmt.Errorf("model %q not found", cfg.ModelName)
	}

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, nil, nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	return g, model, embedder, nil
}

// provideBridge connects the configured tool servers. Per-server failures
// are recorded in bridge state, not returned.
func provideBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) *bridge.Bridge {
	configs := make([]bridge.ServerConfig, 0, len(cfg.ToolServers))
	for _, srv := range cfg.ToolServers {
		configs = append(configs, bridge.ServerConfig{
			Name:     srv.Name,
			Endpoint: srv.Endpoint,
			Command:  srv.Command,
			Args:     srv.Args,
		})
	}

	b := bridge.New(configs, logger,
		bridge.WithHandshakeTimeout(cfg.HandshakeTimeout),
		bridge.WithCallTimeout(cfg.CallTimeout),
	)
	// Connect only errors after Close; per-server failures degrade.
	_ = b.Connect(ctx)
	return b
}
