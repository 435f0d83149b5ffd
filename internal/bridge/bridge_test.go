package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quill0/quill/internal/log"
)

type echoInput struct {
	Text string `json:"text"`
}

// startTestServer runs an MCP server over in-memory transports and returns
// the client-side transport to hand to the bridge. The server exposes:
//
//	echo  - returns its input text
//	fail  - always responds with IsError
//	empty - responds with no content at all
//	slow  - blocks until the call context is cancelled
func startTestServer(t *testing.T, name string) mcp.Transport {
	t.Helper()

	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "1.0.0"}, nil)

	schema, err := jsonschema.For[echoInput](nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "echo",
		Description: "Echo the input text back.",
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Text}},
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "fail",
		Description: "Always rejects the call.",
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "permission denied"}},
			IsError: true,
		}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "empty",
		Description: "Responds with no content.",
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{}}, nil, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "slow",
		Description: "Blocks until cancelled.",
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := server.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	return clientTransport
}

func connectedBridge(t *testing.T, configs []ServerConfig, opts ...Option) *Bridge {
	t.Helper()
	b := New(configs, log.NewNop(), opts...)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestConnectZeroServers(t *testing.T) {
	b := connectedBridge(t, nil)

	if got := b.ReadyCount(); got != 0 {
		t.Errorf("ReadyCount = %d, want 0", got)
	}
	if tools := b.Tools(); len(tools) != 0 {
		t.Errorf("Tools = %v, want empty", tools)
	}

	_, err := b.Invoke(context.Background(), "read_file", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Invoke on empty bridge = %v, want ErrUnknownTool", err)
	}
}

func TestConnectDiscoversTools(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	})

	if got := b.ReadyCount(); got != 1 {
		t.Fatalf("ReadyCount = %d, want 1", got)
	}

	tools := b.Tools()
	names := make(map[string]string, len(tools))
	for _, tool := range tools {
		names[tool.Name] = tool.Server
	}
	for _, want := range []string{"echo", "fail", "empty", "slow"} {
		if names[want] != "files" {
			t.Errorf("tool %q not contributed by server files: %v", want, names)
		}
	}

	state := b.States()["files"]
	if state.Status != StatusReady {
		t.Errorf("status = %q, want ready", state.Status)
	}
	if state.ToolCount != len(tools) {
		t.Errorf("ToolCount = %d, want %d", state.ToolCount, len(tools))
	}
}

func TestConnectPartialFailure(t *testing.T) {
	// One healthy server, one with nothing to connect to. The bad server
	// must fail alone without disturbing the good one.
	b := connectedBridge(t, []ServerConfig{
		{Name: "good", Transport: startTestServer(t, "good")},
		{Name: "bad"},
	})

	states := b.States()
	if states["good"].Status != StatusReady {
		t.Errorf("good status = %q, want ready", states["good"].Status)
	}
	if states["bad"].Status != StatusFailed {
		t.Errorf("bad status = %q, want failed", states["bad"].Status)
	}
	if states["bad"].LastError == nil {
		t.Error("bad server has no recorded error")
	}
	if got := b.ReadyCount(); got != 1 {
		t.Errorf("ReadyCount = %d, want 1", got)
	}
}

func TestConnectUnreachableEndpointDoesNotBlock(t *testing.T) {
	// Nothing listens on this port. The handshake must fail within its
	// timeout, not hang Connect.
	start := time.Now()
	b := connectedBridge(t, []ServerConfig{
		{Name: "dead", Endpoint: "http://127.0.0.1:1/mcp"},
	}, WithHandshakeTimeout(2*time.Second))

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect took %v, want bounded by handshake timeout", elapsed)
	}
	if b.States()["dead"].Status != StatusFailed {
		t.Errorf("dead status = %q, want failed", b.States()["dead"].Status)
	}
}

func TestInvokeEcho(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	})

	result, err := b.Invoke(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result != "echo: hello" {
		t.Errorf("result = %q, want %q", result, "echo: hello")
	}
}

func TestInvokeRejected(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	})

	_, err := b.Invoke(context.Background(), "fail", map[string]any{"text": "x"})
	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *ToolError, got %v", err)
	}
	if terr.Kind != KindRejected {
		t.Errorf("kind = %q, want rejected", terr.Kind)
	}
	if terr.Message != "permission denied" {
		t.Errorf("message = %q, want server's error text", terr.Message)
	}
}

func TestInvokeMalformed(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	})

	_, err := b.Invoke(context.Background(), "empty", map[string]any{"text": "x"})
	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *ToolError, got %v", err)
	}
	if terr.Kind != KindMalformed {
		t.Errorf("kind = %q, want malformed", terr.Kind)
	}
}

func TestInvokeTimeout(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	}, WithCallTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := b.Invoke(context.Background(), "slow", map[string]any{"text": "x"})
	elapsed := time.Since(start)

	var terr *ToolError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *ToolError, got %v", err)
	}
	if terr.Kind != KindTimeout {
		t.Errorf("kind = %q, want timeout", terr.Kind)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Invoke took %v, want bounded by call timeout", elapsed)
	}
}

func TestDiscoveredToolCarriesInputSchema(t *testing.T) {
	// Schemas arrive as plain JSON maps from the session; discovery must
	// normalize them into typed schemas the registry can describe.
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	})

	var echo Tool
	found := false
	for _, tool := range b.Tools() {
		if tool.Name == "echo" {
			echo = tool
			found = true
		}
	}
	if !found {
		t.Fatal("echo tool not discovered")
	}
	if echo.InputSchema == nil {
		t.Fatal("echo tool has no input schema")
	}

	raw, err := json.Marshal(echo.InputSchema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	if !strings.Contains(string(raw), `"text"`) {
		t.Errorf("schema %s does not describe the text property", raw)
	}
}

func TestInvokeServerDisconnectMidCall(t *testing.T) {
	// A graceful session Close waits for in-flight handlers; a server that
	// dies does not. Connect over a raw pipe so the server side can be
	// severed abruptly under the call.
	serverConn, clientConn := net.Pipe()

	// The cancellation notification cannot cross the dead pipe, so the
	// handler is released by the test instead of by its context.
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	server := mcp.NewServer(&mcp.Implementation{Name: "flaky", Version: "1.0.0"}, nil)
	schema, err := jsonschema.For[echoInput](nil)
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	mcp.AddTool(server, &mcp.Tool{
		Name:        "slow",
		Description: "Blocks until released.",
		InputSchema: schema,
	}, func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-release:
			return nil, nil, errors.New("released")
		}
	})
	if _, err := server.Connect(context.Background(), &mcp.IOTransport{Reader: serverConn, Writer: serverConn}, nil); err != nil {
		t.Fatalf("server connect: %v", err)
	}

	b := connectedBridge(t, []ServerConfig{
		{Name: "flaky", Transport: &mcp.IOTransport{Reader: clientConn, Writer: clientConn}},
	}, WithCallTimeout(10*time.Second))

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "slow", map[string]any{"text": "x"})
		errCh <- err
	}()

	// Let the call reach the server, then kill the connection under it.
	time.Sleep(100 * time.Millisecond)
	_ = serverConn.Close()

	select {
	case err := <-errCh:
		var terr *ToolError
		if !errors.As(err, &terr) {
			t.Fatalf("expected *ToolError, got %v", err)
		}
		if terr.Kind != KindUnreachable {
			t.Errorf("kind = %q, want unreachable", terr.Kind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Invoke still blocked after the server disconnected; want prompt unreachable error")
	}
}

func TestCloseWaitsForInflightInvocation(t *testing.T) {
	b := New([]ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	}, log.NewNop(), WithCallTimeout(200*time.Millisecond))
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Invoke(context.Background(), "slow", map[string]any{"text": "x"})
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		var terr *ToolError
		if !errors.As(err, &terr) {
			t.Errorf("in-flight invoke returned %v, want *ToolError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight invoke never returned")
	}
}

func TestInvokeFailureDoesNotPoisonOthers(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	}, WithCallTimeout(100*time.Millisecond))

	if _, err := b.Invoke(context.Background(), "fail", map[string]any{"text": "x"}); err == nil {
		t.Fatal("expected fail to fail")
	}

	result, err := b.Invoke(context.Background(), "echo", map[string]any{"text": "still works"})
	if err != nil {
		t.Fatalf("Invoke after failure: %v", err)
	}
	if result != "echo: still works" {
		t.Errorf("result = %q", result)
	}
}

func TestDuplicateToolNameRejected(t *testing.T) {
	b := connectedBridge(t, []ServerConfig{
		{Name: "first", Transport: startTestServer(t, "first")},
		{Name: "second", Transport: startTestServer(t, "second")},
	})

	// Both servers expose the same four tools; only one registration per
	// name may survive.
	tools := b.Tools()
	seen := make(map[string]int)
	for _, tool := range tools {
		seen[tool.Name]++
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("tool %q registered %d times, want 1", name, n)
		}
	}
	if len(tools) != 4 {
		t.Errorf("got %d tools, want 4", len(tools))
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := New([]ServerConfig{
		{Name: "files", Transport: startTestServer(t, "files")},
	}, log.NewNop())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	_, err := b.Invoke(context.Background(), "echo", map[string]any{"text": "x"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Invoke after Close = %v, want ErrClosed", err)
	}
}
