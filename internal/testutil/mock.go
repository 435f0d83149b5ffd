package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockLLM provides deterministic model responses for testing.
//
// Two modes are supported and may be combined:
//   - scripted turns consumed in order (Script), which is what orchestrator
//     tests use to drive multi-step tool loops;
//   - pattern rules matched against the last user message (AddResponse,
//     AddToolResponse), checked when the script is exhausted.
//
// Thread-safe for concurrent use.
type MockLLM struct {
	mu       sync.Mutex
	script   []MockTurn
	rules    []mockRule
	fallback string
	calls    []MockCall
}

// MockTurn is one scripted model turn. A non-empty Tools slice produces
// tool request parts; Text is always appended as a text part.
type MockTurn struct {
	Text  string
	Tools []*ai.ToolRequest
}

type mockRule struct {
	pattern string // substring match in user message, lowercased
	turn    MockTurn
}

// MockCall records a single call to the mock model.
type MockCall struct {
	UserMessage string
	Response    string
	ToolCount   int
}

// NewMockLLM creates a mock model with the given fallback response.
// The fallback is returned when the script is exhausted and no rule matches.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// Script appends turns consumed one per call, before any rule matching.
func (m *MockLLM) Script(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
}

// AddResponse registers a pattern-response pair. When a user message
// contains the pattern (case-insensitive), the response is returned.
// Rules are checked in registration order; first match wins.
func (m *MockLLM) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{
		pattern: strings.ToLower(pattern),
		turn:    MockTurn{Text: response},
	})
}

// AddToolResponse registers a pattern that triggers tool requests.
func (m *MockLLM) AddToolResponse(pattern string, tools []*ai.ToolRequest, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{
		pattern: strings.ToLower(pattern),
		turn:    MockTurn{Text: text, Tools: tools},
	})
}

// Calls returns a copy of all recorded calls.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]MockCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Register registers the mock as a Genkit model named "mock/test-model".
func (m *MockLLM) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/test-model", &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			Tools:      true,
			SystemRole: true,
			Media:      false,
		},
	}, m.generate)
}

func (m *MockLLM) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	var turn MockTurn
	switch {
	case len(m.script) > 0:
		turn = m.script[0]
		m.script = m.script[1:]
	default:
		turn = MockTurn{Text: m.fallback}
		lower := strings.ToLower(userText)
		for i := range m.rules {
			if strings.Contains(lower, m.rules[i].pattern) {
				turn = m.rules[i].turn
				break
			}
		}
	}

	// Tool-disabled calls must never emit tool requests, whatever the
	// script says. The final turn of a bounded loop depends on this.
	if len(req.Tools) == 0 {
		turn.Tools = nil
	}

	m.calls = append(m.calls, MockCall{
		UserMessage: userText,
		Response:    turn.Text,
		ToolCount:   len(turn.Tools),
	})
	m.mu.Unlock()

	if cb != nil {
		_ = cb(ctx, &ai.ModelResponseChunk{
			Content: []*ai.Part{ai.NewTextPart(turn.Text)},
		})
	}

	var parts []*ai.Part
	for _, tr := range turn.Tools {
		parts = append(parts, &ai.Part{
			Kind:        ai.PartToolRequest,
			ToolRequest: tr,
		})
	}
	parts = append(parts, ai.NewTextPart(turn.Text))

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: parts,
		},
	}, nil
}

// MockEmbedder provides deterministic embedding vectors for testing.
//
// By default it generates a vector from content using SHA-256. Explicit
// mappings can be added for precise cosine similarity control.
//
// Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
}

// NewMockEmbedder creates a mock embedder with the given vector dimensions.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		vectors: make(map[string][]float32),
		dim:     dim,
	}
}

// SetVector registers an explicit vector for a given content string.
// Use this to control exact cosine similarity between test inputs.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// Register registers the mock as a Genkit embedder named "mock/test-embedder".
func (e *MockEmbedder) Register(g *genkit.Genkit) ai.Embedder {
	return genkit.DefineEmbedder(g, "mock/test-embedder", &ai.EmbedderOptions{
		Label:      "Mock Test Embedder",
		Dimensions: e.dim,
	}, e.embed)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		embeddings[i] = &ai.Embedding{
			Embedding: e.vectorFor(documentText(doc)),
		}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	if v, ok := e.vectors[content]; ok {
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	return deterministicVector(content, e.dim)
}

// documentText extracts all text content from a Document's parts.
func documentText(doc *ai.Document) string {
	var sb strings.Builder
	for _, p := range doc.Content {
		if p.Kind == ai.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// deterministicVector generates a normalized vector from content using
// SHA-256. The same content always produces the same vector.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32],
			hash[(idx+1)%32],
			hash[(idx+2)%32],
			hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec
}
