// Package capability computes the effective set of operations the agent may
// invoke: document search is always present, and each reachable tool server
// contributes its discovered operations. Unreachable servers shrink the set
// instead of failing it, so the system keeps answering from the corpus alone.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/quill0/quill/internal/bridge"
	"github.com/quill0/quill/internal/retrieval"
)

// SearchCapability is the name of the built-in document search operation.
const SearchCapability = "search_documents"

const searchDescription = "Search the ingested document corpus and synthesize a grounded answer. " +
	"Arguments: {\"query\": string (the question), \"k\": integer (optional, how many chunks to retrieve)}."

// Descriptor is one named operation the agent may invoke. Descriptors are
// immutable once registered.
type Descriptor struct {
	Name        string
	Description string
	// Source identifies where the capability came from: "retrieval" for
	// the built-in search, otherwise the contributing server name.
	Source string
	// Invoke runs the operation. It blocks until the result is ready or
	// the operation's own deadline expires.
	Invoke func(ctx context.Context, args map[string]any) (string, error)
}

// Registry is the effective capability set. It is built once at startup and
// read-only afterwards, so concurrent queries may consult it without locking.
type Registry struct {
	order  []string
	byName map[string]Descriptor
}

// Get looks up a capability by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Names returns all capability names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Len returns the number of registered capabilities.
func (r *Registry) Len() int {
	return len(r.order)
}

// Descriptors returns all capabilities in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// add registers a descriptor, rejecting name collisions. Returns false when
// the name is already taken.
func (r *Registry) add(d Descriptor) bool {
	if _, exists := r.byName[d.Name]; exists {
		return false
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return true
}

// ToolSource provides bridged tools and their invocation. *bridge.Bridge
// satisfies it.
type ToolSource interface {
	Tools() []bridge.Tool
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Build computes the registry from the retrieval service and the bridge's
// ready servers. The bridge may be nil when no tool servers are configured.
// Build never fails; with every server down the registry still holds the
// search capability. A nil logger falls back to slog.Default.
func Build(svc *retrieval.Service, br ToolSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{byName: make(map[string]Descriptor)}

	r.add(Descriptor{
		Name:        SearchCapability,
		Description: searchDescription,
		Source:      "retrieval",
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			return invokeSearch(ctx, svc, args)
		},
	})

	if br != nil {
		for _, tool := range br.Tools() {
			tool := tool
			desc := Descriptor{
				Name:        tool.Name,
				Description: describeTool(tool),
				Source:      tool.Server,
				Invoke: func(ctx context.Context, args map[string]any) (string, error) {
					return br.Invoke(ctx, tool.Name, args)
				},
			}
			if !r.add(desc) {
				logger.Warn("capability name collision, rejecting tool",
					"name", tool.Name,
					"server", tool.Server,
					"kept_source", r.byName[tool.Name].Source)
			}
		}
	}

	logger.Info("capability registry built", "capabilities", r.Len())
	return r
}

// invokeSearch adapts loosely-typed model arguments onto the retrieval
// service and renders the result for the conversation buffer.
func invokeSearch(ctx context.Context, svc *retrieval.Service, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("search_documents requires a non-empty \"query\" argument")
	}

	k := 0
	switch v := args["k"].(type) {
	case float64:
		k = int(v)
	case int:
		k = v
	}

	result, err := svc.Search(ctx, query, k)
	if err != nil {
		return "", err
	}

	out := result.Answer
	for _, c := range result.Context {
		out += fmt.Sprintf("\n[source: %s, score: %.3f] %s", c.Source, c.Score, c.Text)
	}
	return out, nil
}

// describeTool renders a bridged tool's description for the model,
// appending its input schema so argument shapes survive the trip through a
// generic tool signature.
func describeTool(tool bridge.Tool) string {
	desc := tool.Description
	if tool.InputSchema != nil {
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			desc += "\nInput schema: " + string(raw)
		}
	}
	return desc
}

// DefineTools registers every capability as a Genkit tool and returns the
// references to pass into generation calls. The orchestrator asks for tool
// requests back instead of letting Genkit run these handlers, but the
// handlers delegate to the real capability either way.
func (r *Registry) DefineTools(g *genkit.Genkit) []ai.ToolRef {
	refs := make([]ai.ToolRef, 0, r.Len())
	for _, name := range r.order {
		d := r.byName[name]
		tool := genkit.DefineTool(g, d.Name, d.Description,
			func(tc *ai.ToolContext, args map[string]any) (string, error) {
				return d.Invoke(tc.Context, args)
			})
		refs = append(refs, tool)
	}
	return refs
}
