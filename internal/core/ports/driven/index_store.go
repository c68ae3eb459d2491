package driven

import (
	"context"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// IndexStore persists documents, chunks and embeddings and answers
// nearest-neighbour queries. Two implementations exist with identical
// semantics: a Postgres/pgvector store that delegates ranking to the
// database's ANN index, and a SQLite store that brute-force scans the
// collection in process. Rankings must be consistent across backends:
// same similarity formula (domain.CosineSimilarity), same tie-break
// (stable sort, ties in original row order).
type IndexStore interface {
	// UpsertDocument inserts or updates a document, idempotent on
	// (sha256, collection). Repeated calls with the same pair update key
	// and metadata in place. Returns the document id.
	UpsertDocument(ctx context.Context, doc *domain.Document) (int64, error)

	// DocumentIDForHash returns the id of the document with this hash in
	// the collection, or domain.ErrNotFound. Legacy hash-only dedup.
	DocumentIDForHash(ctx context.Context, sha256, collection string) (int64, error)

	// DocumentIDForIndex returns the document id only when hash, collection
	// and stored index_version all match, else domain.ErrNotFound.
	DocumentIDForIndex(ctx context.Context, sha256, collection, indexVersion string) (int64, error)

	// UpsertChunks atomically replaces all chunks owned by documentID.
	// An empty slice deletes existing chunks and leaves a childless
	// document. Returns the number of chunks written.
	UpsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) (int, error)

	// Search returns at most topK chunks for the collection ordered by
	// descending similarity (1 - cosine distance, projected to [0,1]).
	Search(ctx context.Context, query []float32, collection string, topK int) ([]domain.RankedChunk, error)

	// ValidateEmbeddingDimension fails with domain.ErrDimensionMismatch when
	// the collection's stored vector dimension disagrees with
	// providerDimension. On a virgin store it records providerDimension as
	// the fixed dimension instead.
	ValidateEmbeddingDimension(ctx context.Context, providerDimension int) error

	// MigrateEmbeddingDimension changes the stored dimension. Destructive for
	// any dimension other than the current one: all documents and chunks are
	// deleted first. Same-dimension migration is a no-op.
	MigrateEmbeddingDimension(ctx context.Context, newDimension int) (*domain.DimensionMigration, error)

	// PurgeCollection deletes every document and chunk in the collection.
	PurgeCollection(ctx context.Context, collection string) (*domain.PurgeResult, error)

	// GetIndexMetadata returns the collection's index metadata, or
	// domain.ErrNotFound when the collection was never indexed.
	GetIndexMetadata(ctx context.Context, collection string) (*domain.IndexMetadata, error)

	// PutIndexMetadata persists the collection's index metadata, deriving
	// and storing its index version. Returns the stored record.
	PutIndexMetadata(ctx context.Context, meta domain.IndexMetadata) (*domain.IndexMetadata, error)

	// UpsertFileTree bulk-upserts lazy file-tree rows, idempotent on
	// (collection, path). Returns the number of rows written.
	UpsertFileTree(ctx context.Context, collection, owner, repo, ref string, files []domain.RepoTreeEntry) (int, error)

	// UnembeddedFiles returns the subset of paths not yet marked embedded.
	UnembeddedFiles(ctx context.Context, collection string, paths []string) ([]string, error)

	// MarkFilesEmbedded flips the embedded flag for the given paths.
	// Returns the number of rows updated.
	MarkFilesEmbedded(ctx context.Context, collection string, paths []string) (int, error)

	// RepoMeta returns owner/repo/ref and embedding progress for a lazy
	// collection, or domain.ErrNotFound when it was never onboarded.
	RepoMeta(ctx context.Context, collection string) (*domain.RepoMeta, error)

	// Ping checks store reachability.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
