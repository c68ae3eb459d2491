package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

var _ driven.IndexStore = (*MockIndexStore)(nil)

type storedFile struct {
	path     string
	sha      string
	size     int64
	embedded bool
	order    int
}

// MockIndexStore is an in-memory implementation of IndexStore for testing
type MockIndexStore struct {
	mu        sync.RWMutex
	nextDocID int64
	docs      map[int64]*domain.Document
	docByHash map[string]int64 // sha256|collection -> doc id
	chunks    map[int64][]domain.Chunk
	meta      map[string]*domain.IndexMetadata
	files     map[string]map[string]*storedFile // collection -> path -> file
	repoMeta  map[string]*domain.RepoMeta
	dimension int
	fileOrder int
	failNext  error
}

// NewMockIndexStore creates a new MockIndexStore
func NewMockIndexStore() *MockIndexStore {
	return &MockIndexStore{
		nextDocID: 1,
		docs:      make(map[int64]*domain.Document),
		docByHash: make(map[string]int64),
		chunks:    make(map[int64][]domain.Chunk),
		meta:      make(map[string]*domain.IndexMetadata),
		files:     make(map[string]map[string]*storedFile),
		repoMeta:  make(map[string]*domain.RepoMeta),
	}
}

func (m *MockIndexStore) hashKey(sha256, collection string) string {
	return sha256 + "|" + collection
}

func (m *MockIndexStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MockIndexStore) UpsertDocument(ctx context.Context, doc *domain.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	key := m.hashKey(doc.SHA256, doc.Collection)
	if id, ok := m.docByHash[key]; ok {
		existing := m.docs[id]
		existing.Key = doc.Key
		existing.Metadata = doc.Metadata
		existing.UpdatedAt = time.Now()
		doc.ID = id
		return id, nil
	}

	id := m.nextDocID
	m.nextDocID++
	stored := *doc
	stored.ID = id
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.docs[id] = &stored
	m.docByHash[key] = id
	doc.ID = id
	return id, nil
}

func (m *MockIndexStore) DocumentIDForHash(ctx context.Context, sha256, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.docByHash[m.hashKey(sha256, collection)]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

func (m *MockIndexStore) DocumentIDForIndex(ctx context.Context, sha256, collection, indexVersion string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.docByHash[m.hashKey(sha256, collection)]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if m.docs[id].Metadata["index_version"] != indexVersion {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

func (m *MockIndexStore) UpsertChunks(ctx context.Context, docID int64, chunks []domain.Chunk) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	if _, ok := m.docs[docID]; !ok {
		return 0, domain.ErrNotFound
	}

	stored := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = docID
		stored[i] = c
	}
	m.chunks[docID] = stored
	return len(stored), nil
}

func (m *MockIndexStore) Search(ctx context.Context, embedding []float32, collection string, topK int) ([]domain.RankedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", domain.ErrInvalidInput)
	}

	var results []domain.RankedChunk
	docIDs := make([]int64, 0, len(m.docs))
	for id := range m.docs {
		docIDs = append(docIDs, id)
	}
	sort.Slice(docIDs, func(i, j int) bool { return docIDs[i] < docIDs[j] })

	for _, id := range docIDs {
		doc := m.docs[id]
		if doc.Collection != collection {
			continue
		}
		for _, c := range m.chunks[id] {
			sim := domain.CosineSimilarity(embedding, c.Embedding)
			results = append(results, domain.RankedChunk{
				Content:     c.Content,
				Source:      c.Source,
				DocumentKey: doc.Key,
				Index:       c.Index,
				LineStart:   c.LineStart,
				LineEnd:     c.LineEnd,
				Similarity:  sim,
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MockIndexStore) ValidateEmbeddingDimension(ctx context.Context, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dimension == 0 {
		m.dimension = dim
		return nil
	}
	if m.dimension != dim {
		return fmt.Errorf("%w: store has %d, embedder produces %d", domain.ErrDimensionMismatch, m.dimension, dim)
	}
	return nil
}

func (m *MockIndexStore) MigrateEmbeddingDimension(ctx context.Context, dim int) (*domain.DimensionMigration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	migration := &domain.DimensionMigration{
		Backend:           "mock",
		PreviousDimension: m.dimension,
		NewDimension:      dim,
	}
	if m.dimension == dim {
		return migration, nil
	}

	migration.DocumentsDeleted = len(m.docs)
	for _, chunks := range m.chunks {
		migration.ChunksDeleted += len(chunks)
	}
	m.docs = make(map[int64]*domain.Document)
	m.docByHash = make(map[string]int64)
	m.chunks = make(map[int64][]domain.Chunk)
	m.dimension = dim
	migration.Changed = true
	return migration, nil
}

func (m *MockIndexStore) PurgeCollection(ctx context.Context, collection string) (*domain.PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &domain.PurgeResult{}
	for id, doc := range m.docs {
		if doc.Collection != collection {
			continue
		}
		result.DocumentsDeleted++
		result.ChunksDeleted += len(m.chunks[id])
		delete(m.chunks, id)
		delete(m.docByHash, m.hashKey(doc.SHA256, doc.Collection))
		delete(m.docs, id)
	}
	delete(m.meta, collection)
	return result, nil
}

func (m *MockIndexStore) GetIndexMetadata(ctx context.Context, collection string) (*domain.IndexMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.meta[collection]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *MockIndexStore) PutIndexMetadata(ctx context.Context, meta domain.IndexMetadata) (*domain.IndexMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := meta.WithVersion()
	if stored.CreatedAt == "" {
		stored.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.meta[meta.Collection] = &stored
	cp := stored
	return &cp, nil
}

func (m *MockIndexStore) UpsertFileTree(ctx context.Context, collection, owner, repo, ref string, entries []domain.RepoTreeEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	files, ok := m.files[collection]
	if !ok {
		files = make(map[string]*storedFile)
		m.files[collection] = files
	}
	for _, e := range entries {
		if f, ok := files[e.Path]; ok {
			if f.sha != e.SHA {
				f.sha = e.SHA
				f.size = e.Size
				f.embedded = false
			}
			continue
		}
		m.fileOrder++
		files[e.Path] = &storedFile{path: e.Path, sha: e.SHA, size: e.Size, order: m.fileOrder}
	}
	m.repoMeta[collection] = &domain.RepoMeta{Owner: owner, Repo: repo, Ref: ref}
	return len(entries), nil
}

func (m *MockIndexStore) UnembeddedFiles(ctx context.Context, collection string, paths []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	files := m.files[collection]
	if files == nil {
		return nil, nil
	}
	var out []string
	for _, p := range paths {
		if f, ok := files[p]; ok && !f.embedded {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockIndexStore) MarkFilesEmbedded(ctx context.Context, collection string, paths []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := m.files[collection]
	updated := 0
	for _, p := range paths {
		if f, ok := files[p]; ok && !f.embedded {
			f.embedded = true
			updated++
		}
	}
	return updated, nil
}

func (m *MockIndexStore) RepoMeta(ctx context.Context, collection string) (*domain.RepoMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.repoMeta[collection]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *meta
	cp.FileCount = 0
	cp.EmbeddedCount = 0
	for _, f := range m.files[collection] {
		cp.FileCount++
		if f.embedded {
			cp.EmbeddedCount++
		}
	}
	return &cp, nil
}

func (m *MockIndexStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MockIndexStore) Close() error {
	return nil
}

// Helper methods for testing

func (m *MockIndexStore) SetFailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// DocumentCount returns the number of documents stored in a collection.
func (m *MockIndexStore) DocumentCount(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, doc := range m.docs {
		if doc.Collection == collection {
			n++
		}
	}
	return n
}

// ChunkCount returns the total number of chunks stored for a collection.
func (m *MockIndexStore) ChunkCount(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for id, doc := range m.docs {
		if doc.Collection == collection {
			n += len(m.chunks[id])
		}
	}
	return n
}

// EmbeddedPaths returns the paths in a collection marked embedded, sorted.
func (m *MockIndexStore) EmbeddedPaths(collection string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, f := range m.files[collection] {
		if f.embedded {
			out = append(out, f.path)
		}
	}
	sort.Strings(out)
	return out
}
