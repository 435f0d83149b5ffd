// Package agent drives the reasoning loop that turns a question into an
// answer. Each iteration asks the model to either invoke a capability or
// finalize; capability results are fed back into the conversation until the
// model finalizes or the iteration bound forces it to.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/quill0/quill/internal/capability"
)

const systemPrompt = `You are a document analyst answering questions for executives.
Use the available tools to gather evidence before answering: search_documents
queries the ingested corpus, and other tools may expose external capabilities.
Only state what the gathered evidence supports; if it is insufficient, say so.
When you have enough evidence, answer directly without calling more tools.`

const finalizePrompt = `You have used all available reasoning steps.
Provide your best final answer now from the evidence gathered above.
Do not request any more tools; note explicitly if the evidence is incomplete.`

// Step records one iteration of the loop. A step either invoked a
// capability (Capability set, Result or Err filled) or finalized (Final
// set, Result holding the answer text).
type Step struct {
	Capability string         `json:"capability,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     string         `json:"result,omitempty"`
	Err        string         `json:"error,omitempty"`
	Final      bool           `json:"final"`
	Elapsed    time.Duration  `json:"elapsed"`
}

// Answer is the outcome of one query: the text, whether the iteration bound
// forced finalization, and the ordered trace of every step taken.
type Answer struct {
	Text      string `json:"text"`
	Truncated bool   `json:"truncated"`
	Trace     []Step `json:"trace"`
}

// Orchestrator runs bounded reasoning loops over a fixed capability
// registry. It is safe for concurrent use; each Answer call owns its
// conversation state.
type Orchestrator struct {
	genkit      *genkit.Genkit
	model       ai.Model
	registry    *capability.Registry
	toolRefs    []ai.ToolRef
	maxSteps    int
	stepTimeout time.Duration
	retryConfig RetryConfig
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxSteps bounds the number of reasoning iterations per query.
func WithMaxSteps(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSteps = n
		}
	}
}

// WithStepTimeout bounds each capability invocation.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithRetryConfig overrides the generation retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(o *Orchestrator) {
		o.retryConfig = cfg
	}
}

// WithRateLimiter throttles generation calls. Nil disables throttling.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

// New creates an orchestrator over the given registry. The registry's
// capabilities are registered as Genkit tools once, here. A nil logger
// falls back to slog.Default.
func New(g *genkit.Genkit, model ai.Model, registry *capability.Registry, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		genkit:      g,
		model:       model,
		registry:    registry,
		maxSteps:    8,
		stepTimeout: 30 * time.Second,
		retryConfig: DefaultRetryConfig(),
		limiter:     rate.NewLimiter(10, 30),
		logger:      logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.toolRefs = registry.DefineTools(g)
	return o
}

// Answer runs the reasoning loop for one query. Capability failures are
// recovered inside the loop and fed back to the model; only a generation
// provider failure surfaces as an error. When the iteration bound is hit
// before the model finalizes, the answer is produced anyway and flagged
// Truncated.
func (o *Orchestrator) Answer(ctx context.Context, query string) (*Answer, error) {
	messages := []*ai.Message{ai.NewUserTextMessage(query)}
	var trace []Step

	for step := 0; step < o.maxSteps; step++ {
		resp, err := o.generateWithRetry(ctx, func(ctx context.Context) (*ai.ModelResponse, error) {
			return genkit.Generate(ctx, o.genkit,
				ai.WithModel(o.model),
				ai.WithSystem(systemPrompt),
				ai.WithMessages(messages...),
				ai.WithTools(o.toolRefs...),
				ai.WithReturnToolRequests(true),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("reasoning step %d: %w", step+1, err)
		}

		requests := resp.ToolRequests()
		if len(requests) == 0 {
			// Finalizing: the model answered directly.
			text := resp.Text()
			trace = append(trace, Step{Result: text, Final: true})
			o.logger.Debug("query finalized", "steps", step+1, "trace_len", len(trace))
			return &Answer{Text: text, Trace: trace}, nil
		}

		// Invoking: run every requested capability, then hand the
		// results back for the next reasoning decision.
		messages = append(messages, resp.Message)
		parts := make([]*ai.Part, 0, len(requests))
		for _, req := range requests {
			result, invokeStep := o.invoke(ctx, req)
			trace = append(trace, invokeStep)
			parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   req.Name,
				Ref:    req.Ref,
				Output: result,
			}))
		}
		messages = append(messages, &ai.Message{Role: ai.RoleTool, Content: parts})
	}

	// Iteration bound reached: force a tool-free finalization from the
	// evidence gathered so far.
	messages = append(messages, ai.NewUserTextMessage(finalizePrompt))
	resp, err := o.generateWithRetry(ctx, func(ctx context.Context) (*ai.ModelResponse, error) {
		return genkit.Generate(ctx, o.genkit,
			ai.WithModel(o.model),
			ai.WithSystem(systemPrompt),
			ai.WithMessages(messages...),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("forced finalization: %w", err)
	}

	text := resp.Text()
	trace = append(trace, Step{Result: text, Final: true})
	o.logger.Info("query truncated at iteration bound", "max_steps", o.maxSteps)
	return &Answer{Text: text, Truncated: true, Trace: trace}, nil
}

// invoke runs one requested capability under the per-step deadline. All
// failures, including an unknown capability name, are returned as the tool
// result so the model can adapt; they never abort the query.
func (o *Orchestrator) invoke(ctx context.Context, req *ai.ToolRequest) (string, Step) {
	start := time.Now()
	args, _ := req.Input.(map[string]any)
	step := Step{Capability: req.Name, Arguments: args}

	desc, ok := o.registry.Get(req.Name)
	if !ok {
		step.Err = fmt.Sprintf("unknown capability %q; available: %v", req.Name, o.registry.Names())
		step.Elapsed = time.Since(start)
		o.logger.Warn("model requested unknown capability", "name", req.Name)
		return "error: " + step.Err, step
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	result, err := desc.Invoke(stepCtx, args)
	step.Elapsed = time.Since(start)
	if err != nil {
		step.Err = err.Error()
		o.logger.Warn("capability invocation failed",
			"capability", req.Name,
			"source", desc.Source,
			"error", err,
			"elapsed", step.Elapsed)
		return "error: " + err.Error(), step
	}

	step.Result = result
	o.logger.Debug("capability invoked",
		"capability", req.Name,
		"source", desc.Source,
		"elapsed", step.Elapsed)
	return result, step
}
