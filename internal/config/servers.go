package config

import (
	"fmt"
	"os"
	"strings"
)

// ToolServer describes one external MCP tool server.
//
// Exactly one of Endpoint (streamable HTTP) or Command (stdio subprocess)
// must be set. Name must be unique across the configured set; it prefixes
// nothing on the wire but identifies the connection in logs and state.
type ToolServer struct {
	Name     string   `mapstructure:"name" json:"name"`
	Endpoint string   `mapstructure:"endpoint" json:"endpoint"`
	Command  string   `mapstructure:"command" json:"command"`
	Args     []string `mapstructure:"args" json:"args"`
}

// validate checks a single tool server entry.
func (s ToolServer) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidToolServer)
	}
	if s.Endpoint == "" && s.Command == "" {
		return fmt.Errorf("%w: %q needs an endpoint or a command", ErrInvalidToolServer, s.Name)
	}
	if s.Endpoint != "" && s.Command != "" {
		return fmt.Errorf("%w: %q sets both endpoint and command", ErrInvalidToolServer, s.Name)
	}
	if s.Endpoint != "" && !strings.HasPrefix(s.Endpoint, "http://") && !strings.HasPrefix(s.Endpoint, "https://") {
		return fmt.Errorf("%w: %q endpoint must be http(s)", ErrInvalidToolServer, s.Name)
	}
	return nil
}

// toolServersFromEnv reads QUILL_TOOL_SERVERS, a comma-separated list of
// streamable HTTP endpoints. Servers are named server_0, server_1, ... in
// list order. An empty or unset variable contributes nothing.
func toolServersFromEnv() []ToolServer {
	raw := strings.TrimSpace(os.Getenv("QUILL_TOOL_SERVERS"))
	if raw == "" {
		return nil
	}

	var servers []ToolServer
	for i, part := range strings.Split(raw, ",") {
		endpoint := strings.TrimSpace(part)
		if endpoint == "" {
			continue
		}
		servers = append(servers, ToolServer{
			Name:     fmt.Sprintf("server_%d", i),
			Endpoint: endpoint,
		})
	}
	return servers
}
