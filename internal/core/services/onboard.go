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

// Ensure Onboarder implements OnboardingService
var _ driving.OnboardingService = (*Onboarder)(nil)

// Onboarder registers an upstream repository for lazy retrieval. Only the
// file tree is embedded up front; file contents are hydrated on demand by
// the retriever.
type Onboarder struct {
	store    driven.IndexStore
	services *runtime.Services
	source   driven.RepoContentSource
	registry driven.NormaliserRegistry
	logger   *slog.Logger
}

// OnboarderConfig holds dependencies for Onboarder.
type OnboarderConfig struct {
	Store    driven.IndexStore
	Services *runtime.Services
	Source   driven.RepoContentSource
	Registry driven.NormaliserRegistry
	Logger   *slog.Logger
}

// NewOnboarder creates a new lazy onboarding service.
func NewOnboarder(cfg OnboarderConfig) *Onboarder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Onboarder{
		store:    cfg.Store,
		services: cfg.Services,
		source:   cfg.Source,
		registry: cfg.Registry,
		logger:   logger,
	}
}

// OnboardLazy lists owner/repo at ref, persists the trackable file tree and
// embeds the file paths into the paired tree collection. Re-running against
// an unchanged tree skips the embedding pass.
func (o *Onboarder) OnboardLazy(ctx context.Context, owner, repo, ref, collection string) (*domain.OnboardResult, error) {
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("%w: owner and repo are required", domain.ErrInvalidInput)
	}
	if ref == "" {
		ref = "main"
	}
	if collection == "" {
		collection = owner + "-" + repo
	}

	embedding := o.services.EmbeddingService()
	if embedding == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrServiceUnavailable)
	}
	if o.source == nil {
		return nil, fmt.Errorf("%w: repository content source not configured", domain.ErrServiceUnavailable)
	}

	tree, err := o.source.FetchFileTree(ctx, owner, repo, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch tree %s/%s@%s: %w", owner, repo, ref, err)
	}

	tracked := make([]domain.RepoTreeEntry, 0, len(tree))
	for _, entry := range tree {
		if o.isTrackable(entry.Path) {
			tracked = append(tracked, entry)
		}
	}
	o.logger.Info("onboarding repository",
		"owner", owner,
		"repo", repo,
		"ref", ref,
		"collection", collection,
		"total_files", len(tree),
		"tracked_files", len(tracked),
	)

	trackedCount, err := o.store.UpsertFileTree(ctx, collection, owner, repo, ref, tracked)
	if err != nil {
		return nil, fmt.Errorf("persist file tree: %w", err)
	}

	if err := o.store.ValidateEmbeddingDimension(ctx, embedding.Dimensions()); err != nil {
		return nil, err
	}

	paths := make([]string, len(tracked))
	for i, entry := range tracked {
		paths[i] = entry.Path
	}
	treeChunks, err := o.indexTree(ctx, collection, owner, repo, ref, paths, embedding)
	if err != nil {
		return nil, err
	}

	return &domain.OnboardResult{
		Collection:     collection,
		TreeCollection: treeCollection(collection),
		Owner:          owner,
		Repo:           repo,
		Ref:            ref,
		TotalFiles:     len(tree),
		TrackedFiles:   trackedCount,
		TreeChunks:     treeChunks,
	}, nil
}

// isTrackable reports whether a repository path has a registered normaliser
// and no ignored directory component.
func (o *Onboarder) isTrackable(path string) bool {
	if o.registry.Get(fileExtension(path)) == nil {
		return false
	}
	parts := strings.Split(path, "/")
	for _, part := range parts[:len(parts)-1] {
		if shouldIgnoreDir(part, nil) {
			return false
		}
	}
	return true
}

// indexTree embeds the path list into the tree collection as one document
// with a chunk per path. The document hash covers the whole path list, so
// an unchanged tree dedups in one lookup and a changed tree replaces the
// previous snapshot wholesale.
func (o *Onboarder) indexTree(ctx context.Context, collection, owner, repo, ref string, paths []string, embedding driven.EmbeddingService) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}
	treeColl := treeCollection(collection)
	sha := domain.ComputeSHA256(strings.Join(paths, "\n"))

	if _, err := o.store.DocumentIDForHash(ctx, sha, treeColl); err == nil {
		o.logger.Info("tree snapshot unchanged, skipping embedding", "collection", treeColl)
		return len(paths), nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("tree dedup lookup: %w", err)
	}

	// Stale snapshot from an earlier ref or tree goes first.
	if _, err := o.store.PurgeCollection(ctx, treeColl); err != nil {
		return 0, fmt.Errorf("purge stale tree index: %w", err)
	}

	vectors, err := embedding.Embed(ctx, paths)
	if err != nil {
		return 0, fmt.Errorf("embed file paths: %w", err)
	}
	if len(vectors) != len(paths) {
		return 0, fmt.Errorf("embedding count mismatch: %d paths, %d vectors", len(paths), len(vectors))
	}

	chunks := make([]domain.Chunk, len(paths))
	for i, path := range paths {
		chunks[i] = domain.Chunk{
			Index:      i,
			Content:    path,
			Embedding:  vectors[i],
			TokenCount: postprocessors.EstimateTokens(path),
			Source:     path,
			LineStart:  i + 1,
			LineEnd:    i + 1,
		}
	}

	docID, err := o.store.UpsertDocument(ctx, &domain.Document{
		Key:        fmt.Sprintf("%s/%s@%s", owner, repo, ref),
		SHA256:     sha,
		Collection: treeColl,
		Metadata: map[string]string{
			"owner": owner,
			"repo":  repo,
			"ref":   ref,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("upsert tree snapshot: %w", err)
	}
	count, err := o.store.UpsertChunks(ctx, docID, chunks)
	if err != nil {
		return 0, fmt.Errorf("upsert tree chunks: %w", err)
	}
	return count, nil
}
