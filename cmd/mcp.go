package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	mcpSdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/quill0/quill/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run quill as an MCP server on stdio",
	Long: `MCP exposes the ingested corpus over the Model Context Protocol on
standard input/output, so other MCP clients can search it the same way the
built-in agent does.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	mcpServer, err := mcp.NewServer(mcp.Config{
		Name:    "quill",
		Version: Version,
		Service: a.Retrieval,
		Counter: a.Store,
		Logger:  a.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	a.Logger.Info("MCP server ready", "name", "quill", "version", Version, "transport", "stdio")

	if err := mcpServer.Run(ctx, &mcpSdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
