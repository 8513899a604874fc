package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/gridsage/gridsage/internal/retrieval"
)

const searchCorpusToolName = "search_corpus"

// SearchCorpusInput is the model-facing schema for the retrieval tool.
type SearchCorpusInput struct {
	Query string `json:"query" jsonschema_description:"Standalone search query for the document corpus"`
	K     int    `json:"k,omitempty" jsonschema_description:"Maximum number of passages to return"`
}

// GenkitPlanner implements Planner over genkit generate calls. A shared
// rate limiter throttles all model traffic from this process.
type GenkitPlanner struct {
	g         *genkit.Genkit
	modelName string
	tool      ai.Tool
	topK      int
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewGenkitPlanner registers the retrieval tool with genkit and returns a
// planner using the named model. Pass nil logger for the default.
func NewGenkitPlanner(g *genkit.Genkit, modelName string, search *retrieval.Tool, topK int, logger *slog.Logger) *GenkitPlanner {
	if logger == nil {
		logger = slog.Default()
	}

	tool := genkit.DefineTool(g, searchCorpusToolName,
		"Search the indexed ISO New England document corpus for passages relevant to a query. "+
			"Returns ranked passages with source URLs. "+
			"Use this before answering any question about ISO New England markets, rules, or operations.",
		func(ctx *ai.ToolContext, input SearchCorpusInput) ([]retrieval.Passage, error) {
			k := input.K
			if k < 1 {
				k = topK
			}
			return search.Search(ctx, input.Query, k)
		})

	return &GenkitPlanner{
		g:         g,
		modelName: modelName,
		tool:      tool,
		topK:      topK,
		limiter:   rate.NewLimiter(10, 30),
		logger:    logger.With("component", "planner"),
	}
}

// Decide asks the model for its next action without executing anything:
// tool requests come back to the caller instead of auto-running.
func (p *GenkitPlanner) Decide(ctx context.Context, transcript []*ai.Message) (*Decision, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := genkit.Generate(ctx, p.g,
		ai.WithModelName(p.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(transcript...),
		ai.WithTools(p.tool),
		ai.WithReturnToolRequests(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	if reqs := resp.ToolRequests(); len(reqs) > 0 {
		req := reqs[0]
		if req.Name != searchCorpusToolName {
			return nil, fmt.Errorf("%w: unknown tool %q", ErrUnparseableAction, req.Name)
		}
		search, err := p.parseSearchInput(req.Input)
		if err != nil {
			return nil, err
		}
		p.logger.Debug("model requested search", "query_len", len(search.Query), "k", search.K)
		return &Decision{
			Search:   search,
			Message:  resp.Message,
			ToolName: req.Name,
			ToolRef:  req.Ref,
		}, nil
	}

	if strings.TrimSpace(resp.Text()) == "" {
		return nil, fmt.Errorf("%w: empty response with no tool request", ErrUnparseableAction)
	}
	return &Decision{Message: resp.Message}, nil
}

// parseSearchInput decodes the tool request input, which arrives as a
// generic map from the model provider.
func (p *GenkitPlanner) parseSearchInput(input any) (*SearchRequest, error) {
	fields, ok := input.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: tool input is %T, want object", ErrUnparseableAction, input)
	}

	query, ok := fields["query"].(string)
	if !ok || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: tool input missing query", ErrUnparseableAction)
	}

	k := p.topK
	switch v := fields["k"].(type) {
	case float64:
		if v >= 1 {
			k = int(v)
		}
	case int:
		if v >= 1 {
			k = v
		}
	}
	return &SearchRequest{Query: query, K: k}, nil
}

// Respond streams the final answer, grounding the model on the gathered
// passages.
func (p *GenkitPlanner) Respond(ctx context.Context, transcript []*ai.Message, passages []retrieval.Passage, onToken func(string) error) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(p.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(transcript...),
		ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			return onToken(chunk.Text())
		}),
	}
	if len(passages) > 0 {
		docs := make([]*ai.Document, len(passages))
		for i, psg := range passages {
			docs[i] = ai.DocumentFromText(psg.Text, map[string]any{
				"sourceUrl":   psg.SourceURL,
				"contentType": psg.ContentType,
			})
		}
		opts = append(opts, ai.WithDocs(docs...))
	}

	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty final response", ErrGeneration)
	}
	return text, nil
}
