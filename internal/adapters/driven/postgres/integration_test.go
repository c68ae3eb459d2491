package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// openTestStore connects to the database named by QUARRY_TEST_DATABASE_URL.
// The suite is skipped when the variable is unset so unit runs stay hermetic.
// Each test works in its own throwaway collection, but dimension migrations
// are database-wide and destructive: point the variable at a dedicated
// throwaway database.
func openTestStore(t *testing.T) *IndexStore {
	t.Helper()
	url := os.Getenv("QUARRY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QUARRY_TEST_DATABASE_URL not set, skipping postgres integration suite")
	}

	ctx := context.Background()
	db, err := Connect(ctx, DefaultConfig(url))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewIndexStore(db)
}

func testCollection(t *testing.T) string {
	return fmt.Sprintf("it-%s-%d", t.Name(), time.Now().UnixNano())
}

func embeddingOf(dim int, hot int) []float32 {
	v := make([]float32, dim)
	v[hot%dim] = 1
	return v
}

func TestIntegration_DocumentLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	collection := testCollection(t)
	t.Cleanup(func() { store.PurgeCollection(ctx, collection) })

	doc := &domain.Document{
		Key:        "docs/guide.md",
		SHA256:     domain.ComputeSHA256("guide " + collection),
		Collection: collection,
		Metadata:   map[string]string{"index_version": "v1"},
	}
	id, err := store.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	again, err := store.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("second UpsertDocument: %v", err)
	}
	if again != id {
		t.Errorf("upsert must be idempotent on (sha, collection): %d != %d", again, id)
	}

	if got, err := store.DocumentIDForHash(ctx, doc.SHA256, collection); err != nil || got != id {
		t.Errorf("DocumentIDForHash = %d, %v; want %d", got, err, id)
	}
	if got, err := store.DocumentIDForIndex(ctx, doc.SHA256, collection, "v1"); err != nil || got != id {
		t.Errorf("DocumentIDForIndex(v1) = %d, %v; want %d", got, err, id)
	}
	if _, err := store.DocumentIDForIndex(ctx, doc.SHA256, collection, "v2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("DocumentIDForIndex(v2) = %v, want ErrNotFound", err)
	}
}

func TestIntegration_SearchRanksAndScopes(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	collection := testCollection(t)
	t.Cleanup(func() { store.PurgeCollection(ctx, collection) })

	// A fresh schema starts at vector(1536); bring the column to the test
	// dimension before validating against it.
	dim := 8
	if _, err := store.MigrateEmbeddingDimension(ctx, dim); err != nil {
		t.Fatalf("MigrateEmbeddingDimension(%d): %v", dim, err)
	}
	if err := store.ValidateEmbeddingDimension(ctx, dim); err != nil {
		t.Fatalf("ValidateEmbeddingDimension: %v", err)
	}

	id, err := store.UpsertDocument(ctx, &domain.Document{
		Key:        "docs/guide.md",
		SHA256:     domain.ComputeSHA256("search " + collection),
		Collection: collection,
	})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	chunks := []domain.Chunk{
		{Index: 0, Content: "alpha", Embedding: embeddingOf(dim, 0), Source: "docs/guide.md", LineStart: 1, LineEnd: 3},
		{Index: 1, Content: "beta", Embedding: embeddingOf(dim, 1), Source: "docs/guide.md", LineStart: 4, LineEnd: 6},
	}
	if _, err := store.UpsertChunks(ctx, id, chunks); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	hits, err := store.Search(ctx, embeddingOf(dim, 1), collection, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Content != "beta" {
		t.Errorf("expected the aligned vector first, got %q", hits[0].Content)
	}
	if hits[0].Similarity <= hits[1].Similarity {
		t.Errorf("expected descending similarity: %f, %f", hits[0].Similarity, hits[1].Similarity)
	}

	other, err := store.Search(ctx, embeddingOf(dim, 1), collection+"-other", 10)
	if err != nil {
		t.Fatalf("Search other collection: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("search must scope to the collection, got %d hits", len(other))
	}
}

func TestIntegration_DimensionValidateAndMigrate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	collection := testCollection(t)
	t.Cleanup(func() { store.PurgeCollection(ctx, collection) })

	dim := 8
	if _, err := store.MigrateEmbeddingDimension(ctx, dim); err != nil {
		t.Fatalf("MigrateEmbeddingDimension(%d): %v", dim, err)
	}
	if err := store.ValidateEmbeddingDimension(ctx, dim); err != nil {
		t.Fatalf("ValidateEmbeddingDimension(%d): %v", dim, err)
	}
	if err := store.ValidateEmbeddingDimension(ctx, dim+1); !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("ValidateEmbeddingDimension(%d) = %v, want ErrDimensionMismatch", dim+1, err)
	}

	id, err := store.UpsertDocument(ctx, &domain.Document{
		Key:        "docs/dim.md",
		SHA256:     domain.ComputeSHA256("dim " + collection),
		Collection: collection,
	})
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	chunks := []domain.Chunk{
		{Index: 0, Content: "survives a no-op", Embedding: embeddingOf(dim, 0), Source: "docs/dim.md"},
	}
	if _, err := store.UpsertChunks(ctx, id, chunks); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	// Migrating to the stored dimension must change nothing.
	m, err := store.MigrateEmbeddingDimension(ctx, dim)
	if err != nil {
		t.Fatalf("no-op MigrateEmbeddingDimension: %v", err)
	}
	if m.Changed || m.DocumentsDeleted != 0 {
		t.Errorf("migrating to the stored dimension must be a no-op, got %+v", m)
	}
	hits, err := store.Search(ctx, embeddingOf(dim, 0), collection, 5)
	if err != nil {
		t.Fatalf("Search after no-op: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected the chunk to survive a no-op migration, got %d hits", len(hits))
	}

	// A different dimension re-types the column and wipes the index.
	m, err = store.MigrateEmbeddingDimension(ctx, dim*2)
	if err != nil {
		t.Fatalf("MigrateEmbeddingDimension(%d): %v", dim*2, err)
	}
	if !m.Changed || m.PreviousDimension != dim || m.NewDimension != dim*2 {
		t.Errorf("unexpected migration report: %+v", m)
	}
	if m.DocumentsDeleted < 1 || m.ChunksDeleted < 1 {
		t.Errorf("expected the migration to count wiped rows, got %+v", m)
	}
	if err := store.ValidateEmbeddingDimension(ctx, dim*2); err != nil {
		t.Errorf("ValidateEmbeddingDimension(%d) after migration: %v", dim*2, err)
	}
	hits, err = store.Search(ctx, embeddingOf(dim*2, 0), collection, 5)
	if err != nil {
		t.Fatalf("Search after migration: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected an empty index after a destructive migration, got %d hits", len(hits))
	}

	if _, err := store.MigrateEmbeddingDimension(ctx, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("MigrateEmbeddingDimension(0) = %v, want ErrInvalidInput", err)
	}
}

func TestIntegration_IndexMetadataRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	collection := testCollection(t)
	t.Cleanup(func() { store.PurgeCollection(ctx, collection) })

	put, err := store.PutIndexMetadata(ctx, domain.IndexMetadata{
		Collection:        collection,
		RepoCommit:        "abc123",
		EmbeddingProvider: "openai",
		EmbeddingModel:    "text-embedding-3-small",
		ChunkSize:         512,
		ChunkOverlap:      64,
	})
	if err != nil {
		t.Fatalf("PutIndexMetadata: %v", err)
	}
	if put.IndexVersion == "" || put.CreatedAt == "" {
		t.Fatalf("expected stamped metadata, got %+v", put)
	}

	got, err := store.GetIndexMetadata(ctx, collection)
	if err != nil {
		t.Fatalf("GetIndexMetadata: %v", err)
	}
	if got.IndexVersion != put.IndexVersion || got.RepoCommit != "abc123" {
		t.Errorf("metadata round trip mismatch: %+v vs %+v", got, put)
	}
}

func TestIntegration_FileTreeLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	collection := testCollection(t)
	t.Cleanup(func() { store.PurgeCollection(ctx, collection) })

	entries := []domain.RepoTreeEntry{
		{Path: "README.md", SHA: "aaa", Size: 10},
		{Path: "main.go", SHA: "bbb", Size: 20},
	}
	if _, err := store.UpsertFileTree(ctx, collection, "acme", "widgets", "main", entries); err != nil {
		t.Fatalf("UpsertFileTree: %v", err)
	}

	pending, err := store.UnembeddedFiles(ctx, collection, []string{"README.md", "main.go", "missing.go"})
	if err != nil {
		t.Fatalf("UnembeddedFiles: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending files, got %v", pending)
	}

	if n, err := store.MarkFilesEmbedded(ctx, collection, []string{"README.md"}); err != nil || n != 1 {
		t.Fatalf("MarkFilesEmbedded = %d, %v", n, err)
	}

	// Same sha keeps the embedded flag; a changed sha resets it.
	if _, err := store.UpsertFileTree(ctx, collection, "acme", "widgets", "main", entries); err != nil {
		t.Fatalf("second UpsertFileTree: %v", err)
	}
	pending, err = store.UnembeddedFiles(ctx, collection, []string{"README.md", "main.go"})
	if err != nil {
		t.Fatalf("UnembeddedFiles after rerun: %v", err)
	}
	if len(pending) != 1 || pending[0] != "main.go" {
		t.Errorf("expected only main.go pending after idempotent rerun, got %v", pending)
	}

	meta, err := store.RepoMeta(ctx, collection)
	if err != nil {
		t.Fatalf("RepoMeta: %v", err)
	}
	if meta.Owner != "acme" || meta.FileCount != 2 || meta.EmbeddedCount != 1 {
		t.Errorf("unexpected repo meta: %+v", meta)
	}
}
