package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driving"
	"github.com/custodia-labs/quarry-core/internal/postprocessors"
	"github.com/custodia-labs/quarry-core/internal/runtime"
)

// ignoreDirs are directory names skipped during discovery, in any position
// under the ingestion root.
var ignoreDirs = map[string]struct{}{
	"__pycache__":   {},
	"node_modules":  {},
	".git":          {},
	".venv":         {},
	"venv":          {},
	"dist":          {},
	"build":         {},
	".next":         {},
	".pytest_cache": {},
	".mypy_cache":   {},
	".quarry":       {},
	".terraform":    {},
}

// ignoreDirSuffixes extend ignoreDirs with suffix rules (generated egg-info).
var ignoreDirSuffixes = []string{".egg-info"}

// fileExtension returns the lowercase extension used for normaliser lookup.
// Compound extensions the registry knows (".env.example") are preserved.
func fileExtension(name string) string {
	lower := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(lower, ".env.example") {
		return ".env.example"
	}
	return filepath.Ext(lower)
}

func shouldIgnoreDir(name string, extra map[string]struct{}) bool {
	if _, ok := ignoreDirs[name]; ok {
		return true
	}
	if _, ok := extra[name]; ok {
		return true
	}
	for _, suffix := range ignoreDirSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Ensure Ingestor implements IngestService
var _ driving.IngestService = (*Ingestor)(nil)

// Ingestor walks a local directory and indexes eligible files into a
// collection, deduplicating on content hash plus index version.
type Ingestor struct {
	store    driven.IndexStore
	registry driven.NormaliserRegistry
	services *runtime.Services
	logger   *slog.Logger
}

// IngestorConfig holds dependencies for Ingestor.
type IngestorConfig struct {
	Store    driven.IndexStore
	Registry driven.NormaliserRegistry
	Services *runtime.Services
	Logger   *slog.Logger
}

// NewIngestor creates a new ingestion service.
func NewIngestor(cfg IngestorConfig) *Ingestor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    cfg.Store,
		registry: cfg.Registry,
		services: cfg.Services,
		logger:   logger,
	}
}

// Ingest walks directory and indexes every eligible file into collection.
// Per-file failures land in the returned stats; only configuration errors
// (no embedding service, dimension mismatch, unreachable store) fail the run.
func (ing *Ingestor) Ingest(ctx context.Context, directory, collection string, opts domain.IngestOptions) (*domain.IngestStats, error) {
	start := time.Now()
	stats := &domain.IngestStats{}

	embedding := ing.services.EmbeddingService()
	if embedding == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrServiceUnavailable)
	}

	info, err := os.Stat(directory)
	if err != nil || !info.IsDir() {
		stats.AddError(fmt.Sprintf("directory not found: %s", directory))
		stats.Elapsed = time.Since(start)
		return stats, nil
	}

	files, err := ing.collectFiles(directory, opts)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", directory, err)
	}
	if len(files) == 0 {
		ing.logger.Warn("no eligible files found", "directory", directory)
		stats.Elapsed = time.Since(start)
		return stats, nil
	}
	ing.logger.Info("starting ingestion", "directory", directory, "collection", collection, "files", len(files))

	if err := ing.store.ValidateEmbeddingDimension(ctx, embedding.Dimensions()); err != nil {
		return nil, err
	}

	config := ing.services.Config()
	meta, err := ing.store.PutIndexMetadata(ctx, domain.IndexMetadata{
		Collection:        collection,
		RepoCommit:        resolveGitCommit(ctx, directory),
		EmbeddingProvider: strings.ToLower(embedding.ProviderID()),
		EmbeddingModel:    embedding.Model(),
		ChunkSize:         config.ChunkSize,
		ChunkOverlap:      config.ChunkOverlap,
	})
	if err != nil {
		return nil, fmt.Errorf("persist index metadata: %w", err)
	}
	stats.Metadata = meta

	for _, path := range files {
		if err := ing.ingestFile(ctx, path, collection, meta.IndexVersion, embedding, stats); err != nil {
			ing.logger.Error("ingestion failed for file", "path", path, "error", err)
			stats.AddError(fmt.Sprintf("error ingesting %s: %v", path, err))
		}
	}

	stats.Elapsed = time.Since(start)
	ing.logger.Info("ingestion complete",
		"indexed", stats.IndexedDocs,
		"skipped", stats.SkippedDocs,
		"chunks", stats.TotalChunks,
		"elapsed", stats.Elapsed,
	)
	return stats, nil
}

// collectFiles enumerates eligible files under root in directory-walk order.
func (ing *Ingestor) collectFiles(root string, opts domain.IngestOptions) ([]string, error) {
	includeSet := opts.IncludePaths
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && shouldIgnoreDir(d.Name(), opts.ExtraIgnoreDirs) {
				return filepath.SkipDir
			}
			return nil
		}
		ext := fileExtension(d.Name())
		if ing.registry.Get(ext) == nil {
			return nil
		}
		if includeSet != nil {
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if _, ok := includeSet[filepath.ToSlash(rel)]; !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// ingestFile runs the per-file state machine:
// extracted -> fingerprinted -> {skipped | chunked -> embedded -> upserted}.
func (ing *Ingestor) ingestFile(ctx context.Context, path, collection, indexVersion string, embedding driven.EmbeddingService, stats *domain.IngestStats) error {
	normaliser := ing.registry.Get(fileExtension(path))
	if normaliser == nil {
		return fmt.Errorf("%w: no normaliser for %s", domain.ErrInvalidInput, path)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	text, err := normaliser.Normalise(string(raw))
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if text == "" {
		ing.logger.Debug("skipping empty file", "path", path)
		return nil
	}

	sha := domain.ComputeSHA256(text)

	// Hash + index-version dedup; hash-only when no version is active.
	if indexVersion != "" {
		_, err = ing.store.DocumentIDForIndex(ctx, sha, collection, indexVersion)
	} else {
		_, err = ing.store.DocumentIDForHash(ctx, sha, collection)
	}
	if err == nil {
		stats.SkippedDocs++
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	config := ing.services.Config()
	chunks := postprocessors.ChunkText(text, path, postprocessors.ChunkConfig{
		ChunkSize:    config.ChunkSize,
		ChunkOverlap: config.ChunkOverlap,
	})
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := embedding.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(chunks), len(embeddings))
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}

	version := indexVersion
	if version == "" {
		version = "unknown"
	}
	docID, err := ing.store.UpsertDocument(ctx, &domain.Document{
		Key:        path,
		SHA256:     sha,
		Collection: collection,
		Metadata: map[string]string{
			"filename":      filepath.Base(path),
			"size_bytes":    strconv.Itoa(len(raw)),
			"index_version": version,
		},
	})
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	inserted, err := ing.store.UpsertChunks(ctx, docID, chunks)
	if err != nil {
		return fmt.Errorf("upsert chunks: %w", err)
	}

	stats.IndexedDocs++
	stats.TotalChunks += inserted
	ing.logger.Debug("indexed file", "path", path, "chunks", inserted)
	return nil
}

// Purge wipes one collection's documents and chunks.
func (ing *Ingestor) Purge(ctx context.Context, collection string) (*domain.PurgeResult, error) {
	result, err := ing.store.PurgeCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	ing.logger.Info("purged collection",
		"collection", collection,
		"documents", result.DocumentsDeleted,
		"chunks", result.ChunksDeleted,
	)
	return result, nil
}

// MigrateDimension changes the store's embedding dimension, destructively
// when the dimension actually changes.
func (ing *Ingestor) MigrateDimension(ctx context.Context, newDimension int) (*domain.DimensionMigration, error) {
	migration, err := ing.store.MigrateEmbeddingDimension(ctx, newDimension)
	if err != nil {
		return nil, err
	}
	if migration.Changed {
		ing.logger.Info("migrated embedding dimension",
			"previous", migration.PreviousDimension,
			"new", migration.NewDimension,
			"documents_deleted", migration.DocumentsDeleted,
		)
	}
	return migration, nil
}

// resolveGitCommit returns HEAD when the directory is inside a git work tree.
func resolveGitCommit(ctx context.Context, dir string) string {
	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
