package external

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agentgate/pkg/llm"
)

// charsPerToken approximates English-text token density. llm.Response
// carries no token usage field, so rate/cost accounting works from an
// estimate rather than an exact provider count.
const charsPerToken = 4

func estimateTokens(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && s != "" {
		n = 1
	}
	return n
}

// LLMRouterAdapter satisfies LLMRouter by wrapping llm.Router's
// fast/smart heuristic routing over two llm.Client backends, converting
// this package's map-shaped RouteRequest into llm.Message and
// synthesizing a RouteUsage the underlying client doesn't report.
type LLMRouterAdapter struct {
	router *llm.Router
	models []string
}

// NewLLMRouterAdapter wraps router, reporting models as the set of
// configured model identifiers for /health and ListModels.
func NewLLMRouterAdapter(router *llm.Router, models []string) *LLMRouterAdapter {
	return &LLMRouterAdapter{router: router, models: models}
}

func (a *LLMRouterAdapter) ListModels() []string {
	return append([]string(nil), a.models...)
}

func (a *LLMRouterAdapter) Route(ctx context.Context, req RouteRequest) (*RouteResponse, error) {
	msgs := make([]llm.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}

	var tools []llm.ToolDefinition
	for _, t := range req.Tools {
		name, _ := t["name"].(string)
		desc, _ := t["description"].(string)
		params, _ := t["parameters"].(map[string]any)
		tools = append(tools, llm.ToolDefinition{Name: name, Description: desc, Parameters: params})
	}

	// One retry on any failure unless the context is done. llm.Router
	// sends each request to a single tier (fast or smart) and does not
	// fail over to the other.
	var resp *llm.Response
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = a.router.Chat(ctx, msgs, tools, nil)
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("external: llm router chat: %w", err)
	}

	return &RouteResponse{
		Content:    resp.Content,
		Model:      req.Model,
		ProviderID: "llm-router",
		Usage: RouteUsage{
			InputTokens:  estimateTokens(concatContents(msgs)),
			OutputTokens: estimateTokens(resp.Content),
		},
	}, nil
}

func concatContents(msgs []llm.Message) string {
	var out []byte
	for _, m := range msgs {
		out = append(out, m.Content...)
	}
	return string(out)
}
