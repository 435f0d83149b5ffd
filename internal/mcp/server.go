// Package mcp exposes quill's corpus over the Model Context Protocol, so
// other MCP clients can search the ingested documents the same way the
// built-in agent does.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quill0/quill/internal/retrieval"
)

// Counter reports corpus size. *knowledge.Store satisfies it.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Server wraps the MCP SDK server around the retrieval service.
type Server struct {
	mcpServer *mcp.Server
	svc       *retrieval.Service
	counter   Counter
	logger    *slog.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
	Service *retrieval.Service
	Counter Counter
	Logger  *slog.Logger
}

// NewServer creates an MCP server exposing search_documents and corpus_info.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if cfg.Service == nil {
		return nil, fmt.Errorf("retrieval service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:     cfg.Service,
		counter: cfg.Counter,
		logger:  cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Run starts the MCP server on the given transport. This blocks until the
// transport closes or ctx is cancelled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.Info("mcp server running")
	return s.mcpServer.Run(ctx, transport)
}

// SearchInput is the input schema for search_documents.
type SearchInput struct {
	Query string `json:"query" jsonschema:"The question to answer from the corpus"`
	K     int    `json:"k,omitempty" jsonschema:"How many chunks to retrieve (optional)"`
}

// CorpusInfoInput is the (empty) input schema for corpus_info.
type CorpusInfoInput struct{}

func (s *Server) registerTools() error {
	searchSchema, err := jsonschema.For[SearchInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create search schema: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "search_documents",
		Description: "Search the ingested document corpus and synthesize a grounded answer. " +
			"Returns the answer followed by the supporting context chunks.",
		InputSchema: searchSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, any, error) {
		result, err := s.svc.Search(ctx, in.Query, in.K)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil, nil
		}

		text := result.Answer
		for _, c := range result.Context {
			text += fmt.Sprintf("\n[source: %s, score: %.3f] %s", c.Source, c.Score, c.Text)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil, nil
	})

	infoSchema, err := jsonschema.For[CorpusInfoInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create corpus_info schema: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "corpus_info",
		Description: "Report how many document chunks are in the corpus.",
		InputSchema: infoSchema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ CorpusInfoInput) (*mcp.CallToolResult, any, error) {
		if s.counter == nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "corpus size unavailable"}},
				IsError: true,
			}, nil, nil
		}
		count, err := s.counter.Count(ctx)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d document chunks ingested", count)}},
		}, nil, nil
	})

	return nil
}
