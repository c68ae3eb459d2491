package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.IndexStore = (*IndexStore)(nil)

const indexMetadataPrefix = "index_metadata:"

// vectorTypePattern parses Postgres vector type declarations like "vector(1536)".
var vectorTypePattern = regexp.MustCompile(`^vector(?:\((\d+)\))?$`)

// IndexStore implements driven.IndexStore using PostgreSQL with pgvector.
// Nearest-neighbour ranking is delegated to the database via the cosine
// distance operator and the ivfflat index.
type IndexStore struct {
	db *DB
}

// NewIndexStore creates a new IndexStore
func NewIndexStore(db *DB) *IndexStore {
	return &IndexStore{db: db}
}

// UpsertDocument inserts or updates a document keyed by (sha256, collection)
func (s *IndexStore) UpsertDocument(ctx context.Context, doc *domain.Document) (int64, error) {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO documents (source_key, sha256, collection, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (sha256, collection)
		DO UPDATE SET
			source_key = EXCLUDED.source_key,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id
	`

	var id int64
	if err := s.db.QueryRowContext(ctx, query, doc.Key, doc.SHA256, doc.Collection, metadataJSON).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert document: %w", err)
	}
	doc.ID = id
	return id, nil
}

// DocumentIDForHash returns the document id for a content hash in a collection
func (s *IndexStore) DocumentIDForHash(ctx context.Context, sha256, collection string) (int64, error) {
	query := `SELECT id FROM documents WHERE sha256 = $1 AND collection = $2`

	var id int64
	err := s.db.QueryRowContext(ctx, query, sha256, collection).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DocumentIDForIndex returns the document id only when the stored
// index_version also matches
func (s *IndexStore) DocumentIDForIndex(ctx context.Context, sha256, collection, indexVersion string) (int64, error) {
	query := `
		SELECT id
		FROM documents
		WHERE sha256 = $1
		  AND collection = $2
		  AND COALESCE(metadata->>'index_version', '') = $3
	`

	var id int64
	err := s.db.QueryRowContext(ctx, query, sha256, collection, indexVersion).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertChunks replaces all chunks for a document in one transaction
func (s *IndexStore) UpsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) (int, error) {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks
				(document_id, chunk_index, content, embedding,
				 token_count, source_file, line_start, line_end)
			VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, chunk := range chunks {
			_, err := stmt.ExecContext(ctx,
				documentID,
				chunk.Index,
				chunk.Content,
				vectorLiteral(chunk.Embedding),
				chunk.TokenCount,
				chunk.Source,
				chunk.LineStart,
				chunk.LineEnd,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert chunks for document %d: %w", documentID, err)
	}
	return len(chunks), nil
}

// Search finds the top-K most similar chunks by cosine distance
func (s *IndexStore) Search(ctx context.Context, query []float32, collection string, topK int) ([]domain.RankedChunk, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", domain.ErrInvalidInput)
	}

	vec := vectorLiteral(query)
	sqlQuery := `
		SELECT
			c.content,
			c.source_file,
			c.line_start,
			c.line_end,
			c.chunk_index,
			d.source_key,
			1 - (c.embedding <=> $1::vector) AS similarity
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.collection = $2
		ORDER BY c.embedding <=> $1::vector
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, sqlQuery, vec, collection, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []domain.RankedChunk
	for rows.Next() {
		var r domain.RankedChunk
		var source sql.NullString
		var lineStart, lineEnd sql.NullInt64
		if err := rows.Scan(&r.Content, &source, &lineStart, &lineEnd, &r.Index, &r.DocumentKey, &r.Similarity); err != nil {
			return nil, err
		}
		r.Source = source.String
		r.LineStart = int(lineStart.Int64)
		r.LineEnd = int(lineEnd.Int64)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// embeddingDimension returns the declared dimension of chunks.embedding,
// or 0 when the column is an unconstrained vector.
func (s *IndexStore) embeddingDimension(ctx context.Context) (int, error) {
	query := `
		SELECT format_type(a.atttypid, a.atttypmod) AS embedding_type
		FROM pg_attribute a
		JOIN pg_class c ON a.attrelid = c.oid
		WHERE c.relname = 'chunks'
		  AND a.attname = 'embedding'
		  AND NOT a.attisdropped
	`

	var typeName string
	err := s.db.QueryRowContext(ctx, query).Scan(&typeName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	m := vectorTypePattern.FindStringSubmatch(strings.TrimSpace(typeName))
	if m == nil || m[1] == "" {
		return 0, nil
	}
	dim, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, nil
	}
	return dim, nil
}

// ValidateEmbeddingDimension checks the provider dimension against the schema
func (s *IndexStore) ValidateEmbeddingDimension(ctx context.Context, providerDimension int) error {
	schemaDim, err := s.embeddingDimension(ctx)
	if err != nil {
		return err
	}
	if schemaDim == 0 {
		return nil
	}
	if schemaDim != providerDimension {
		return fmt.Errorf("%w: database expects %d, provider returns %d",
			domain.ErrDimensionMismatch, schemaDim, providerDimension)
	}
	return nil
}

// MigrateEmbeddingDimension re-types chunks.embedding. Destructive for any
// dimension other than the current one: all documents and chunks are wiped
// first because existing vectors become invalid.
func (s *IndexStore) MigrateEmbeddingDimension(ctx context.Context, newDimension int) (*domain.DimensionMigration, error) {
	if newDimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be a positive integer", domain.ErrInvalidInput)
	}

	currentDim, err := s.embeddingDimension(ctx)
	if err != nil {
		return nil, err
	}

	migration := &domain.DimensionMigration{
		Backend:           "postgres",
		PreviousDimension: currentDim,
		NewDimension:      newDimension,
	}
	if currentDim == newDimension {
		return migration, nil
	}

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM documents) AS documents_deleted,
				(SELECT COUNT(*) FROM chunks) AS chunks_deleted
		`)
		if err := row.Scan(&migration.DocumentsDeleted, &migration.ChunksDeleted); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS idx_chunks_embedding`); err != nil {
			return err
		}
		alter := fmt.Sprintf(`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)`, newDimension)
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_chunks_embedding
				ON chunks USING ivfflat (embedding vector_cosine_ops)
				WITH (lists = 100)
		`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("migrate embedding dimension: %w", err)
	}

	migration.Changed = true
	return migration, nil
}

// PurgeCollection deletes a collection's documents and chunks, returning counts
func (s *IndexStore) PurgeCollection(ctx context.Context, collection string) (*domain.PurgeResult, error) {
	result := &domain.PurgeResult{}

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*)
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE d.collection = $1
		`, collection)
		if err := row.Scan(&result.ChunksDeleted); err != nil {
			return err
		}

		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = $1`, collection)
		if err := row.Scan(&result.DocumentsDeleted); err != nil {
			return err
		}

		// Chunks go with their documents via ON DELETE CASCADE
		_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = $1`, collection)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("purge collection %s: %w", collection, err)
	}
	return result, nil
}

// GetIndexMetadata returns the stored index metadata for a collection
func (s *IndexStore) GetIndexMetadata(ctx context.Context, collection string) (*domain.IndexMetadata, error) {
	query := `SELECT value FROM quarry_meta WHERE key = $1`

	var raw string
	err := s.db.QueryRowContext(ctx, query, indexMetadataPrefix+collection).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var meta domain.IndexMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode index metadata for %s: %w", collection, err)
	}
	return &meta, nil
}

// PutIndexMetadata persists index metadata, stamping version and creation time
func (s *IndexStore) PutIndexMetadata(ctx context.Context, meta domain.IndexMetadata) (*domain.IndexMetadata, error) {
	stored := meta.WithVersion()
	if stored.CreatedAt == "" {
		stored.CreatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO quarry_meta (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, indexMetadataPrefix+stored.Collection, payload); err != nil {
		return nil, fmt.Errorf("put index metadata: %w", err)
	}
	return &stored, nil
}

// UpsertFileTree bulk-upserts lazy file-tree rows keyed by (collection, path).
// A changed upstream sha resets the row's embedded flag via the sha update.
func (s *IndexStore) UpsertFileTree(ctx context.Context, collection, owner, repo, ref string, files []domain.RepoTreeEntry) (int, error) {
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO repo_files (collection, owner, repo, ref, file_path, file_sha, file_size)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (collection, file_path)
			DO UPDATE SET
				file_sha = EXCLUDED.file_sha,
				file_size = EXCLUDED.file_size,
				ref = EXCLUDED.ref,
				embedded = CASE
					WHEN repo_files.file_sha IS DISTINCT FROM EXCLUDED.file_sha THEN FALSE
					ELSE repo_files.embedded
				END
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range files {
			if _, err := stmt.ExecContext(ctx, collection, owner, repo, ref, f.Path, f.SHA, f.Size); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert file tree: %w", err)
	}
	return len(files), nil
}

// UnembeddedFiles returns the subset of paths not yet embedded
func (s *IndexStore) UnembeddedFiles(ctx context.Context, collection string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(paths))
	args := make([]interface{}, 0, len(paths)+1)
	args = append(args, collection)
	for i, p := range paths {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, p)
	}

	query := `
		SELECT file_path FROM repo_files
		WHERE collection = $1
		  AND file_path IN (` + strings.Join(placeholders, ", ") + `)
		  AND embedded = FALSE
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkFilesEmbedded flips the embedded flag for the given paths
func (s *IndexStore) MarkFilesEmbedded(ctx context.Context, collection string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(paths))
	args := make([]interface{}, 0, len(paths)+1)
	args = append(args, collection)
	for i, p := range paths {
		placeholders[i] = "$" + strconv.Itoa(i+2)
		args = append(args, p)
	}

	query := `
		UPDATE repo_files
		SET embedded = TRUE
		WHERE collection = $1
		  AND file_path IN (` + strings.Join(placeholders, ", ") + `)
	`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RepoMeta returns owner/repo/ref and embedding progress for a lazy collection
func (s *IndexStore) RepoMeta(ctx context.Context, collection string) (*domain.RepoMeta, error) {
	query := `
		SELECT owner, repo, ref, COUNT(*) AS file_count,
		       COUNT(*) FILTER (WHERE embedded) AS embedded_count
		FROM repo_files
		WHERE collection = $1
		GROUP BY owner, repo, ref
		LIMIT 1
	`

	var meta domain.RepoMeta
	err := s.db.QueryRowContext(ctx, query, collection).Scan(
		&meta.Owner, &meta.Repo, &meta.Ref, &meta.FileCount, &meta.EmbeddedCount)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Ping checks database reachability
func (s *IndexStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying connection pool
func (s *IndexStore) Close() error {
	return s.db.Close()
}

// vectorLiteral renders a pgvector text literal like "[0.1,0.2,0.3]".
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
