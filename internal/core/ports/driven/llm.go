package driven

import (
	"context"
)

// LLMService provides text generation for the surrounding chat/query layer.
// The retrieval engine itself never calls Generate; it is wired so the
// application layer can turn retrieved context into an answer.
type LLMService interface {
	// Generate produces text for a prompt. maxTokens and temperature are
	// hints; the model may not respect them exactly.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

	// Model returns the model name being used
	Model() string

	// Ping verifies the LLM service is available
	Ping(ctx context.Context) error

	// Close releases resources held by the LLM service
	Close() error
}
