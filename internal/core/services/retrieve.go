package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driving"
	"github.com/custodia-labs/quarry-core/internal/postprocessors"
	"github.com/custodia-labs/quarry-core/internal/runtime"
)

// defaultTopK applies when a caller passes topK <= 0.
const defaultTopK = 5

// treeCollection derives the path-index collection paired with a lazily
// onboarded content collection.
func treeCollection(collection string) string {
	return collection + ":tree"
}

// Ensure Retriever implements RetrievalService
var _ driving.RetrievalService = (*Retriever)(nil)

// Retriever answers questions against an indexed collection: embed the
// question, over-fetch by similarity, rerank, diversify. For lazily
// onboarded collections it additionally embeds surfaced files on demand.
type Retriever struct {
	store    driven.IndexStore
	services *runtime.Services
	cache    driven.EmbeddingCache
	source   driven.RepoContentSource
	registry driven.NormaliserRegistry
	reranker *Reranker
	logger   *slog.Logger
}

// RetrieverConfig holds dependencies for Retriever. Cache and Source are
// optional; without a Source, RetrieveLazy cannot hydrate missing files.
type RetrieverConfig struct {
	Store    driven.IndexStore
	Services *runtime.Services
	Cache    driven.EmbeddingCache
	Source   driven.RepoContentSource
	Registry driven.NormaliserRegistry
	Reranker *Reranker
	Logger   *slog.Logger
}

// NewRetriever creates a new retrieval service.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reranker := cfg.Reranker
	if reranker == nil {
		reranker = NewReranker(nil)
	}
	return &Retriever{
		store:    cfg.Store,
		services: cfg.Services,
		cache:    cfg.Cache,
		source:   cfg.Source,
		registry: cfg.Registry,
		reranker: reranker,
		logger:   logger,
	}
}

// Retrieve answers question from collection with at most topK passages.
func (r *Retriever) Retrieve(ctx context.Context, question, collection string, topK int) ([]domain.RankedChunk, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	embedding := r.services.EmbeddingService()
	if embedding == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrServiceUnavailable)
	}
	if err := r.store.ValidateEmbeddingDimension(ctx, embedding.Dimensions()); err != nil {
		return nil, err
	}

	vector, err := r.embedQuery(ctx, embedding, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	candidates, err := r.searchAndRerank(ctx, vector, question, collection, topK)
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// RetrieveLazy runs the two-stage retrieval protocol for a lazily onboarded
// collection. When the collection has no tree index it falls back to the
// standard path.
func (r *Retriever) RetrieveLazy(ctx context.Context, question, collection string, topK int) ([]domain.RankedChunk, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	embedding := r.services.EmbeddingService()
	if embedding == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrServiceUnavailable)
	}
	if err := r.store.ValidateEmbeddingDimension(ctx, embedding.Dimensions()); err != nil {
		return nil, err
	}

	vector, err := r.embedQuery(ctx, embedding, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	overFetch := r.services.Config().OverFetch(topK)
	treeHits, err := r.store.Search(ctx, vector, treeCollection(collection), overFetch)
	if err != nil {
		return nil, fmt.Errorf("search tree index: %w", err)
	}
	if len(treeHits) == 0 {
		// Never lazily onboarded (or the tree index was purged).
		return r.searchAndRerank(ctx, vector, question, collection, topK)
	}

	if err := r.hydrateFiles(ctx, collection, treeHits, embedding); err != nil {
		return nil, err
	}

	contentHits, err := r.store.Search(ctx, vector, collection, overFetch)
	if err != nil {
		return nil, fmt.Errorf("search content index: %w", err)
	}
	if len(contentHits) == 0 {
		// Nothing hydrated successfully; path-only hits still tell the
		// caller where to look.
		r.logger.Warn("content index empty after hydration, returning path hits", "collection", collection)
		return r.reranker.Rerank(question, treeHits, topK), nil
	}
	return r.reranker.Rerank(question, contentHits, topK), nil
}

// searchAndRerank is the single-stage path shared by Retrieve and the
// lazy fallback.
func (r *Retriever) searchAndRerank(ctx context.Context, vector []float32, question, collection string, topK int) ([]domain.RankedChunk, error) {
	hits, err := r.store.Search(ctx, vector, collection, r.services.Config().OverFetch(topK))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	return r.reranker.Rerank(question, hits, topK), nil
}

// embedQuery embeds question, going through the cache when one is wired.
// A miss is the normal path; only real cache failures are logged, and both
// are ignored so retrieval never depends on the cache being healthy.
func (r *Retriever) embedQuery(ctx context.Context, embedding driven.EmbeddingService, question string) ([]float32, error) {
	if r.cache != nil {
		if vector, err := r.cache.Get(ctx, embedding.Model(), question); err == nil && vector != nil {
			return vector, nil
		} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("embedding cache get failed", "error", err)
		}
	}
	vector, err := embedding.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Put(ctx, embedding.Model(), question, vector); err != nil {
			r.logger.Warn("embedding cache put failed", "error", err)
		}
	}
	return vector, nil
}

// hydrateFiles fetches, chunks and embeds the not-yet-embedded files behind
// the surfaced tree hits. Per-file fetch failures are skipped so the file
// stays eligible for a later query.
func (r *Retriever) hydrateFiles(ctx context.Context, collection string, treeHits []domain.RankedChunk, embedding driven.EmbeddingService) error {
	paths := make([]string, 0, len(treeHits))
	seen := make(map[string]struct{}, len(treeHits))
	for _, hit := range treeHits {
		if _, ok := seen[hit.Source]; ok {
			continue
		}
		seen[hit.Source] = struct{}{}
		paths = append(paths, hit.Source)
	}

	pending, err := r.store.UnembeddedFiles(ctx, collection, paths)
	if err != nil {
		return fmt.Errorf("unembedded lookup: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	meta, err := r.store.RepoMeta(ctx, collection)
	if err != nil {
		return fmt.Errorf("repo meta for %s: %w", collection, err)
	}
	if r.source == nil {
		return fmt.Errorf("%w: repository content source not configured", domain.ErrServiceUnavailable)
	}

	r.logger.Info("hydrating files on demand", "collection", collection, "files", len(pending))
	config := r.services.Config()
	embedded := make([]string, 0, len(pending))
	for _, path := range pending {
		raw, err := r.source.FetchFileContent(ctx, meta.Owner, meta.Repo, path, meta.Ref)
		if err != nil {
			r.logger.Warn("fetch failed, file stays pending", "path", path, "error", err)
			continue
		}
		text := raw
		if normaliser := r.registry.Get(fileExtension(path)); normaliser != nil {
			if text, err = normaliser.Normalise(raw); err != nil {
				r.logger.Warn("extract failed, file stays pending", "path", path, "error", err)
				continue
			}
		}
		if strings.TrimSpace(text) == "" {
			// Empty files never produce chunks; mark them so they stop
			// reappearing in tree hits.
			embedded = append(embedded, path)
			continue
		}

		chunks := postprocessors.ChunkText(text, path, postprocessors.ChunkConfig{
			ChunkSize:    config.ChunkSize,
			ChunkOverlap: config.ChunkOverlap,
		})
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := embedding.Embed(ctx, texts)
		if err != nil {
			r.logger.Warn("embed failed, file stays pending", "path", path, "error", err)
			continue
		}
		if len(vectors) != len(chunks) {
			r.logger.Warn("embedding count mismatch, file stays pending", "path", path)
			continue
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}

		docID, err := r.store.UpsertDocument(ctx, &domain.Document{
			Key:        path,
			SHA256:     domain.ComputeSHA256(text),
			Collection: collection,
			Metadata: map[string]string{
				"filename":      path,
				"size_bytes":    fmt.Sprintf("%d", len(raw)),
				"index_version": "unknown",
			},
		})
		if err != nil {
			r.logger.Warn("upsert failed, file stays pending", "path", path, "error", err)
			continue
		}
		if _, err := r.store.UpsertChunks(ctx, docID, chunks); err != nil {
			r.logger.Warn("chunk upsert failed, file stays pending", "path", path, "error", err)
			continue
		}
		embedded = append(embedded, path)
	}

	if len(embedded) == 0 {
		return nil
	}
	if _, err := r.store.MarkFilesEmbedded(ctx, collection, embedded); err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	return nil
}
