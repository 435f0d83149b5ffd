package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/genkit"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quill0/quill/internal/knowledge"
	"github.com/quill0/quill/internal/log"
	"github.com/quill0/quill/internal/retrieval"
	"github.com/quill0/quill/internal/testutil"
)

type fakeSearcher struct {
	results []knowledge.Result
}

func (f *fakeSearcher) Search(context.Context, string, ...knowledge.SearchOption) ([]knowledge.Result, error) {
	return f.results, nil
}

type fakeCounter struct{ n int }

func (f fakeCounter) Count(context.Context) (int, error) { return f.n, nil }

// connectServer starts the server over in-memory transports and returns a
// connected client session.
func connectServer(t *testing.T, svc *retrieval.Service, counter Counter) *mcp.ClientSession {
	t.Helper()

	server, err := NewServer(Config{
		Name:    "quill-test",
		Version: "1.0.0",
		Service: svc,
		Counter: counter,
		Logger:  log.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	return session
}

func newService(t *testing.T, store retrieval.Searcher, canned string) *retrieval.Service {
	t.Helper()
	g := genkit.Init(context.Background())
	mock := testutil.NewMockLLM(canned)
	return retrieval.New(store, g, mock.Register(g), log.NewNop())
}

func TestNewServerValidation(t *testing.T) {
	svc := newService(t, &fakeSearcher{}, "x")

	if _, err := NewServer(Config{Version: "1.0.0", Service: svc}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := NewServer(Config{Name: "quill", Service: svc}); err == nil {
		t.Error("expected error for missing version")
	}
	if _, err := NewServer(Config{Name: "quill", Version: "1.0.0"}); err == nil {
		t.Error("expected error for missing service")
	}
}

func TestListTools(t *testing.T) {
	session := connectServer(t, newService(t, &fakeSearcher{}, "x"), fakeCounter{})

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"search_documents", "corpus_info"} {
		if !names[want] {
			t.Errorf("tool %q not listed; got %v", want, names)
		}
	}
}

func TestSearchDocumentsTool(t *testing.T) {
	store := &fakeSearcher{results: []knowledge.Result{
		{
			Document: knowledge.Document{
				ID:       "h-0",
				Content:  "Margins improved to 31% in Q3.",
				Metadata: map[string]string{"source": "q3.md"},
			},
			Similarity: 0.8,
		},
	}}
	svc := newService(t, store, "Margins improved to 31% (q3.md).")
	session := connectServer(t, svc, fakeCounter{n: 1})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search_documents",
		Arguments: map[string]any{"query": "How are margins?"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("content type = %T, want *mcp.TextContent", result.Content[0])
	}
	if !strings.Contains(text.Text, "31%") {
		t.Errorf("answer missing evidence: %q", text.Text)
	}
	if !strings.Contains(text.Text, "q3.md") {
		t.Errorf("answer missing source: %q", text.Text)
	}
}

func TestSearchDocumentsToolEmptyQuery(t *testing.T) {
	session := connectServer(t, newService(t, &fakeSearcher{}, "x"), fakeCounter{})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "search_documents",
		Arguments: map[string]any{"query": ""},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for empty query")
	}
}

func TestCorpusInfoTool(t *testing.T) {
	session := connectServer(t, newService(t, &fakeSearcher{}, "x"), fakeCounter{n: 17})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "corpus_info",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}

	text := result.Content[0].(*mcp.TextContent)
	if !strings.Contains(text.Text, "17") {
		t.Errorf("corpus_info = %q, want chunk count", text.Text)
	}
}
