// Package cmd implements the quill command line interface.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quill0/quill/internal/app"
	"github.com/quill0/quill/internal/config"
	"github.com/quill0/quill/internal/log"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "quill",
	Short: "Quill - document Q&A with tool-augmented reasoning",
	Long: `Quill answers natural-language questions against a corpus of ingested
documents by combining semantic retrieval with a language model, optionally
augmented by external MCP tool servers.

Run "quill ingest" to load documents, then "quill ask" to query them.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// setupApp loads configuration and initializes the application container.
// Callers must Close the returned App.
func setupApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{Level: logLevel()})
	slog.SetDefault(logger)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing application: %w", err)
	}
	return a, nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
