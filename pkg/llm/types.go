// Package llm provides the gateway's language-model client surface: a
// provider-agnostic Client, a two-tier Router, and an Embedder hook.
package llm

import "context"

// Embedder is the interface for creating text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
