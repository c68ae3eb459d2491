package driving

import (
	"context"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// RetrievalService answers natural-language questions with ranked passages.
type RetrievalService interface {
	// Retrieve embeds the question, searches the collection with an
	// over-fetched topK and reranks down to at most topK results.
	// No results is not an error; the slice is empty.
	Retrieve(ctx context.Context, question, collection string, topK int) ([]domain.RankedChunk, error)

	// RetrieveLazy runs the two-stage protocol for lazily onboarded
	// collections: path-only search, on-demand embedding of surfaced files,
	// then a content search. Falls back to Retrieve when the collection was
	// never lazily onboarded, and degrades to path-only hits when the
	// content index stays empty.
	RetrieveLazy(ctx context.Context, question, collection string, topK int) ([]domain.RankedChunk, error)
}
