package driving

import (
	"context"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// IngestService indexes local directories into a collection.
type IngestService interface {
	// Ingest walks directory, indexing every eligible file into collection.
	// Per-file failures are recorded in the returned stats; only
	// configuration errors (dimension mismatch, unreachable store) fail the
	// whole run.
	Ingest(ctx context.Context, directory, collection string, opts domain.IngestOptions) (*domain.IngestStats, error)

	// Purge wipes one collection's documents and chunks.
	Purge(ctx context.Context, collection string) (*domain.PurgeResult, error)

	// MigrateDimension changes the store's embedding dimension,
	// destructively when the dimension actually changes.
	MigrateDimension(ctx context.Context, newDimension int) (*domain.DimensionMigration, error)
}

// OnboardingService registers an upstream repository for lazy retrieval.
type OnboardingService interface {
	// OnboardLazy indexes a repository's file tree only; content is embedded
	// on demand by the lazy retriever.
	OnboardLazy(ctx context.Context, owner, repo, ref, collection string) (*domain.OnboardResult, error)
}
