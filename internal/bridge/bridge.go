// Package bridge exposes the operations of external MCP tool servers as
// ordinary blocking calls. Each configured server is handshaked and its
// tools discovered independently; a slow or dead server never takes the
// others down with it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// DefaultHandshakeTimeout bounds one server's connect plus discovery.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultCallTimeout bounds one tool invocation.
	DefaultCallTimeout = 30 * time.Second

	// closeGracePeriod is how long Close waits for in-flight invocations
	// before tearing sessions down under them.
	closeGracePeriod = 5 * time.Second
)

// ErrUnknownTool is returned by Invoke for a name no ready server exposes.
var ErrUnknownTool = errors.New("unknown tool")

// ErrClosed is returned by Invoke after Close.
var ErrClosed = errors.New("bridge closed")

// ServerConfig describes one tool server to connect to. Exactly one of
// Endpoint (streamable HTTP) or Command (stdio subprocess) must be set.
// Transport, when non-nil, overrides both; tests use it to plug in
// in-memory transports.
type ServerConfig struct {
	Name      string
	Endpoint  string
	Command   string
	Args      []string
	Transport mcp.Transport
}

// Tool is one discovered server operation.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Server      string
}

// connection owns one server session. Mutated only during Connect and
// Close; invocations read it through the bridge lock. done is closed when
// the session terminates for any reason, so in-flight calls can bail out
// instead of waiting for their deadline.
type connection struct {
	name    string
	session *mcp.ClientSession
	done    chan struct{}
	state   State
	tools   []Tool
}

// Bridge manages connections to the configured tool servers and dispatches
// blocking invocations to them. Safe for concurrent use once Connect has
// returned.
type Bridge struct {
	configs          []ServerConfig
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*connection
	bindings map[string]*binding
	closed   bool
	inflight sync.WaitGroup
}

// binding resolves a tool name to the connection serving it.
type binding struct {
	conn *connection
	tool Tool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithHandshakeTimeout bounds each server's connect plus discovery.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.handshakeTimeout = d
		}
	}
}

// WithCallTimeout bounds each tool invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

// New creates a bridge for the given servers. No connections are made
// until Connect. A nil logger falls back to slog.Default.
func New(configs []ServerConfig, logger *slog.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		configs:          configs,
		handshakeTimeout: DefaultHandshakeTimeout,
		callTimeout:      DefaultCallTimeout,
		logger:           logger,
		conns:            make(map[string]*connection, len(configs)),
		bindings:         make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, cfg := range configs {
		b.conns[cfg.Name] = &connection{
			name:  cfg.Name,
			state: State{Name: cfg.Name, Status: StatusUnreached},
		}
	}
	return b
}

// Connect handshakes every configured server concurrently and discovers
// its tools. Per-server failures are recorded in connection state, never
// returned: a bridge with zero ready servers is still a working bridge.
// Connect itself only fails if called twice or after Close.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	for _, conn := range b.conns {
		conn.state.Status = StatusConnecting
		conn.state.LastAttempt = time.Now()
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, cfg := range b.configs {
		wg.Add(1)
		go func(cfg ServerConfig) {
			defer wg.Done()
			b.handshake(ctx, cfg)
		}(cfg)
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	ready := 0
	for _, cfg := range b.configs {
		conn := b.conns[cfg.Name]
		if conn.state.Status != StatusReady {
			continue
		}
		ready++
		for _, tool := range conn.tools {
			if existing, ok := b.bindings[tool.Name]; ok {
				b.logger.Warn("duplicate tool name, keeping earlier registration",
					"tool", tool.Name,
					"kept_server", existing.conn.name,
					"rejected_server", conn.name)
				continue
			}
			b.bindings[tool.Name] = &binding{conn: conn, tool: tool}
		}
	}

	b.logger.Info("tool servers connected",
		"configured", len(b.configs),
		"ready", ready,
		"tools", len(b.bindings))
	return nil
}

// handshake connects one server and lists its tools within the handshake
// deadline. All failures end in StatusFailed on that connection only.
func (b *Bridge) handshake(ctx context.Context, cfg ServerConfig) {
	ctx, cancel := context.WithTimeout(ctx, b.handshakeTimeout)
	defer cancel()

	transport, err := b.transportFor(cfg)
	if err != nil {
		b.markFailed(cfg.Name, err)
		return
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "quill",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		b.markFailed(cfg.Name, fmt.Errorf("handshake failed: %w", err))
		return
	}

	listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		_ = session.Close()
		b.markFailed(cfg.Name, fmt.Errorf("tool discovery failed: %w", err))
		return
	}

	tools := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toolSchema(t.InputSchema),
			Server:      cfg.Name,
		})
	}

	done := make(chan struct{})
	go func() {
		_ = session.Wait()
		close(done)
	}()

	b.mu.Lock()
	conn := b.conns[cfg.Name]
	conn.session = session
	conn.done = done
	conn.tools = tools
	conn.state.Status = StatusReady
	conn.state.LastError = nil
	conn.state.ToolCount = len(tools)
	b.mu.Unlock()

	b.logger.Info("tool server ready", "server", cfg.Name, "tools", len(tools))
}

// toolSchema normalizes a discovered input schema. The protocol carries it
// as arbitrary JSON; client sessions deliver a map[string]any, so anything
// that is not already a typed schema goes through one JSON round trip.
func toolSchema(v any) *jsonschema.Schema {
	switch s := v.(type) {
	case nil:
		return nil
	case *jsonschema.Schema:
		return s
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var schema jsonschema.Schema
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil
		}
		return &schema
	}
}

// transportFor builds the configured transport for one server.
func (b *Bridge) transportFor(cfg ServerConfig) (mcp.Transport, error) {
	switch {
	case cfg.Transport != nil:
		return cfg.Transport, nil
	case cfg.Endpoint != "":
		return &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint}, nil
	case cfg.Command != "":
		return &mcp.CommandTransport{Command: exec.Command(cfg.Command, cfg.Args...)}, nil
	default:
		return nil, fmt.Errorf("server %q has no endpoint, command, or transport", cfg.Name)
	}
}

func (b *Bridge) markFailed(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn := b.conns[name]
	conn.state.Status = StatusFailed
	conn.state.LastError = err
	b.logger.Warn("tool server unavailable", "server", name, "error", err)
}

// Tools returns the operations contributed by all ready servers.
func (b *Bridge) Tools() []Tool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tools := make([]Tool, 0, len(b.bindings))
	for _, bind := range b.bindings {
		tools = append(tools, bind.tool)
	}
	return tools
}

// States returns a snapshot of every configured server's connection state.
func (b *Bridge) States() map[string]State {
	b.mu.RLock()
	defer b.mu.RUnlock()

	states := make(map[string]State, len(b.conns))
	for name, conn := range b.conns {
		states[name] = conn.state
	}
	return states
}

// ReadyCount returns the number of servers that completed the handshake.
func (b *Bridge) ReadyCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, conn := range b.conns {
		if conn.state.Status == StatusReady {
			count++
		}
	}
	return count
}

// Invoke calls the named tool and blocks until it completes, fails, or the
// per-call deadline expires. Invocations are independent: each failure is
// reported as a *ToolError for that call alone, and concurrent callers do
// not interfere with each other.
func (b *Bridge) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return "", ErrClosed
	}
	bind, ok := b.bindings[name]
	var session *mcp.ClientSession
	var terminated chan struct{}
	if ok {
		session = bind.conn.session
		terminated = bind.conn.done
		b.inflight.Add(1)
	}
	b.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	defer b.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	// CallTool does not notice its session dying; watch the session's
	// terminal signal alongside the call so a mid-call disconnect is
	// reported as unreachable right away, not as a timeout later.
	type outcome struct {
		result *mcp.CallToolResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := session.CallTool(ctx, &mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		ch <- outcome{result: res, err: err}
	}()

	var result *mcp.CallToolResult
	select {
	case out := <-ch:
		if out.err != nil {
			return "", b.classify(name, out.err)
		}
		result = out.result
	case <-terminated:
		cancel()
		return "", &ToolError{
			Kind:       KindUnreachable,
			Capability: name,
			Message:    "server connection lost",
		}
	}

	text := contentText(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "server rejected the call"
		}
		return "", &ToolError{Kind: KindRejected, Capability: name, Message: msg}
	}
	if text == "" {
		return "", &ToolError{
			Kind:       KindMalformed,
			Capability: name,
			Message:    "response contained no text content",
		}
	}
	return text, nil
}

// classify maps a transport-level call failure onto an error kind.
func (b *Bridge) classify(name string, err error) *ToolError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Kind: KindTimeout, Capability: name, Message: "call deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &ToolError{Kind: KindUnreachable, Capability: name, Message: "call cancelled", Err: err}
	case isConnectionLoss(err):
		return &ToolError{Kind: KindUnreachable, Capability: name, Message: "server connection lost", Err: err}
	default:
		return &ToolError{Kind: KindRejected, Capability: name, Message: "server returned an error", Err: err}
	}
}

// isConnectionLoss recognizes transport failures that mean the session died,
// as opposed to the server answering with an error.
func isConnectionLoss(err error) bool {
	if errors.Is(err, mcp.ErrConnectionClosed) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"EOF",
		"session closed",
		"connection closed",
		"server is closing",
		"client is closing",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// contentText concatenates the text parts of a tool response.
func contentText(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// Close releases all server connections. New invocations are refused
// immediately; in-flight ones get a bounded grace period to finish before
// their sessions are torn down. Close is idempotent.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(closeGracePeriod):
		b.logger.Warn("closing with invocations still in flight")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, conn := range b.conns {
		if conn.session == nil {
			continue
		}
		if err := conn.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %q: %w", conn.name, err))
		}
		conn.session = nil
		conn.state.Status = StatusUnreached
	}
	b.bindings = make(map[string]*binding)

	return errors.Join(errs...)
}
