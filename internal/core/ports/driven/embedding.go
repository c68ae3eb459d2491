package driven

import (
	"context"
)

// EmbeddingService generates text embeddings
type EmbeddingService interface {
	// Embed generates embeddings for multiple texts.
	// The result is order-preserving: result[i] embeds texts[i].
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a search query
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions returns the embedding dimension size
	Dimensions() int

	// ProviderID identifies the provider (e.g. "openai", "ollama").
	// It participates in the index version hash.
	ProviderID() string

	// Model returns the model name being used
	Model() string

	// HealthCheck verifies the embedding service is available
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the embedding service
	Close() error
}

// EmbeddingCache caches query vectors keyed by model and content hash.
// Implementations must round-trip vectors bit-exactly. A nil cache is
// valid everywhere one is accepted; callers skip it.
type EmbeddingCache interface {
	// Get returns the cached vector or domain.ErrNotFound.
	Get(ctx context.Context, model, text string) ([]float32, error)

	// Put stores a vector for the model/text pair.
	Put(ctx context.Context, model, text string, vector []float32) error
}
