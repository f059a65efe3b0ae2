// Package llm provides the uniform gateway to the embedding service and the
// text-generation service. Throttled and transient failures are retried with
// exponential backoff inside the gateway; everything else surfaces to the
// caller with a taxonomy kind.
package llm

import (
	"context"

	"github.com/quarry-ai/ragcore/internal/domain"
)

// Gateway is the model gateway consumed by the indexing worker and the query
// engine.
type Gateway interface {
	// Embed returns one vector per input text, all of the dimension
	// determined by modelID, preserving input order. Large batches are
	// split internally to respect model limits.
	Embed(ctx context.Context, modelID string, texts []string) ([][]float32, error)

	// Generate produces a completion for the ordered conversation. The
	// system prompt is prepended to messages.
	Generate(ctx context.Context, modelID, systemPrompt string, messages []domain.Turn,
		params domain.GenerationParams) (string, error)
}
