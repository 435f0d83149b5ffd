// Package app wires the application together: configuration, database,
// Genkit, the tool bridge, the capability registry, and the orchestrator.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quill0/quill/internal/agent"
	"github.com/quill0/quill/internal/bridge"
	"github.com/quill0/quill/internal/capability"
	"github.com/quill0/quill/internal/config"
	"github.com/quill0/quill/internal/knowledge"
	"github.com/quill0/quill/internal/retrieval"
)

// App is the application container. Build one with Setup and release it
// with Close.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Model    ai.Model
	Embedder ai.Embedder

	Pool         *pgxpool.Pool
	Store        *knowledge.Store
	Retrieval    *retrieval.Service
	Bridge       *bridge.Bridge
	Registry     *capability.Registry
	Orchestrator *agent.Orchestrator

	otelShutdown func(context.Context) error
}

// Close gracefully shuts down all resources. Safe to call on a partially
// constructed App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down")
	}

	if a.Bridge != nil {
		if err := a.Bridge.Close(); err != nil {
			a.Logger.Warn("closing tool bridge", "error", err)
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}

	return nil
}
