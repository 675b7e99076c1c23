package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router decides which model tier serves a given request: a cheap fast
// client for routine turns, a smart client for tool use and complex
// prompts.
type Router struct {
	fastClient  Client
	smartClient Client
	embedder    Embedder
}

func NewRouter(fast, smart Client, embedder Embedder) *Router {
	return &Router{fastClient: fast, smartClient: smart, embedder: embedder}
}

func (r *Router) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("router: messages must not be empty")
	}

	// Tool use goes to the smart model; function calling on the fast
	// tier is not reliable enough to gate agent side effects on.
	if len(tools) > 0 {
		return r.smartClient.Chat(ctx, msgs, tools, options)
	}

	lastMsg := msgs[len(msgs)-1].Content
	if r.isComplexSemantic(ctx, lastMsg) {
		return r.smartClient.Chat(ctx, msgs, tools, options)
	}

	return r.fastClient.Chat(ctx, msgs, tools, options)
}

// isComplexSemantic classifies a prompt as needing the smart tier.
// Keyword heuristics, plus any prompt longer than 200 characters; the
// router's embedder is not consulted.
func (r *Router) isComplexSemantic(ctx context.Context, text string) bool {
	keywords := []string{"plan", "design", "architect", "reason", "verify", "root cause", "analyze"}
	text = strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return len(text) > 200
}
