package domain

// Backend names selectable at connection-open time.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// RuntimeConfig holds the engine knobs shared by ingestion and retrieval.
type RuntimeConfig struct {
	// Backend selects the index store implementation.
	Backend string

	// ChunkSize is the approximate token budget per chunk.
	ChunkSize int

	// ChunkOverlap is the approximate token overlap between adjacent chunks.
	ChunkOverlap int

	// OverFetchMultiplier widens store searches to topK x multiplier so the
	// reranker has candidates to diversify over.
	OverFetchMultiplier int
}

// DefaultRuntimeConfig returns sensible defaults.
func DefaultRuntimeConfig(backend string) *RuntimeConfig {
	return &RuntimeConfig{
		Backend:             backend,
		ChunkSize:           512,
		ChunkOverlap:        64,
		OverFetchMultiplier: 4,
	}
}

// OverFetch returns the widened candidate count for a requested topK.
func (c *RuntimeConfig) OverFetch(topK int) int {
	mult := c.OverFetchMultiplier
	if mult < 1 {
		mult = 1
	}
	return topK * mult
}
