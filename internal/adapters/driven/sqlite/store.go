// Package sqlite provides the in-process index backend. Vectors live as
// little-endian float32 blobs and search is a brute-force cosine scan over
// the collection, ranked with the same similarity formula the Postgres
// backend delegates to pgvector.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

//go:embed schema.sql
var schema string

// Verify interface compliance
var _ driven.IndexStore = (*Store)(nil)

const (
	indexMetadataPrefix = "index_metadata:"
	dimensionKey        = "embedding_dimension"
)

// Store implements driven.IndexStore using SQLite
type Store struct {
	db   *sql.DB
	path string
}

// NewStore creates a new SQLite store at the given database path.
// If dbPath is empty, defaults to ~/.quarry/index.db.
func NewStore(dbPath string) (*Store, error) {
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dbPath = filepath.Join(home, ".quarry", "index.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// UpsertDocument inserts or updates a document keyed by (sha256, collection)
func (s *Store) UpsertDocument(ctx context.Context, doc *domain.Document) (int64, error) {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshalling metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (source_key, sha256, collection, metadata, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (sha256, collection)
		DO UPDATE SET
			source_key = excluded.source_key,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Key, doc.SHA256, doc.Collection, string(metadataJSON))
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE sha256 = ? AND collection = ?`,
		doc.SHA256, doc.Collection).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reading back document id: %w", err)
	}
	doc.ID = id
	return id, nil
}

// DocumentIDForHash returns the document id for a content hash in a collection
func (s *Store) DocumentIDForHash(ctx context.Context, sha256, collection string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE sha256 = ? AND collection = ?`,
		sha256, collection).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying document: %w", err)
	}
	return id, nil
}

// DocumentIDForIndex returns the document id only when the stored
// index_version also matches
func (s *Store) DocumentIDForIndex(ctx context.Context, sha256, collection, indexVersion string) (int64, error) {
	var id int64
	var metadataJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata FROM documents WHERE sha256 = ? AND collection = ?`,
		sha256, collection).Scan(&id, &metadataJSON)
	if err == sql.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying document: %w", err)
	}

	var metadata map[string]string
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return 0, domain.ErrNotFound
	}
	if metadata["index_version"] != indexVersion {
		return 0, domain.ErrNotFound
	}
	return id, nil
}

// UpsertChunks replaces all chunks for a document in one transaction
func (s *Store) UpsertChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return 0, fmt.Errorf("deleting old chunks: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (
				document_id, chunk_index, content, embedding,
				token_count, source_file, line_start, line_end
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, fmt.Errorf("preparing statement: %w", err)
		}
		defer stmt.Close()

		for _, chunk := range chunks {
			_, err := stmt.ExecContext(ctx,
				documentID, chunk.Index, chunk.Content,
				float32SliceToBytes(chunk.Embedding),
				chunk.TokenCount, chunk.Source, chunk.LineStart, chunk.LineEnd)
			if err != nil {
				return 0, fmt.Errorf("saving chunk: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return len(chunks), nil
}

// Search brute-force scans the collection's chunks and ranks by cosine
// similarity. Ties keep insertion order because the scan is id-ordered and
// the sort is stable.
func (s *Store) Search(ctx context.Context, query []float32, collection string, topK int) ([]domain.RankedChunk, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("%w: topK must be positive", domain.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.content,
			c.source_file,
			c.line_start,
			c.line_end,
			c.chunk_index,
			c.embedding,
			d.source_key
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.collection = ?
		ORDER BY c.id
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var scored []domain.RankedChunk
	for rows.Next() {
		var r domain.RankedChunk
		var source sql.NullString
		var lineStart, lineEnd sql.NullInt64
		var embeddingBlob []byte
		if err := rows.Scan(&r.Content, &source, &lineStart, &lineEnd, &r.Index, &embeddingBlob, &r.DocumentKey); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		r.Source = source.String
		r.LineStart = int(lineStart.Int64)
		r.LineEnd = int(lineEnd.Int64)
		r.Similarity = domain.CosineSimilarity(query, bytesToFloat32Slice(embeddingBlob))
		scored = append(scored, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// storedDimension returns the recorded embedding dimension, or 0 when unset.
func (s *Store) storedDimension(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM quarry_meta WHERE key = ?`, dimensionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return dim, nil
}

// ValidateEmbeddingDimension records the provider dimension on first use and
// rejects mismatches afterwards. Concurrent first writers race on an insert
// that keeps the earliest value: DO NOTHING on conflict, then re-read, so the
// loser fails with a mismatch instead of silently flipping the dimension.
func (s *Store) ValidateEmbeddingDimension(ctx context.Context, providerDimension int) error {
	existing, err := s.storedDimension(ctx)
	if err != nil {
		return err
	}
	if existing == 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO quarry_meta (key, value)
			VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING
		`, dimensionKey, strconv.Itoa(providerDimension))
		if err != nil {
			return fmt.Errorf("recording dimension: %w", err)
		}
		existing, err = s.storedDimension(ctx)
		if err != nil {
			return err
		}
	}
	if existing != providerDimension {
		return fmt.Errorf("%w: storage expects %d, provider returns %d",
			domain.ErrDimensionMismatch, existing, providerDimension)
	}
	return nil
}

// MigrateEmbeddingDimension updates the recorded dimension. Destructive for
// any dimension other than the current one: all documents and chunks are
// wiped first because existing vectors become invalid.
func (s *Store) MigrateEmbeddingDimension(ctx context.Context, newDimension int) (*domain.DimensionMigration, error) {
	if newDimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be a positive integer", domain.ErrInvalidInput)
	}

	previous, err := s.storedDimension(ctx)
	if err != nil {
		return nil, err
	}

	migration := &domain.DimensionMigration{
		Backend:           "sqlite",
		PreviousDimension: previous,
		NewDimension:      newDimension,
	}
	if previous == newDimension {
		return migration, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents) AS documents_deleted,
			(SELECT COUNT(*) FROM chunks) AS chunks_deleted
	`)
	if err := row.Scan(&migration.DocumentsDeleted, &migration.ChunksDeleted); err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return nil, fmt.Errorf("deleting documents: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quarry_meta (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, dimensionKey, strconv.Itoa(newDimension))
	if err != nil {
		return nil, fmt.Errorf("updating dimension: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	migration.Changed = true
	return migration, nil
}

// PurgeCollection deletes a collection's documents and chunks, returning counts
func (s *Store) PurgeCollection(ctx context.Context, collection string) (*domain.PurgeResult, error) {
	result := &domain.PurgeResult{}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.collection = ?
	`, collection)
	if err := row.Scan(&result.ChunksDeleted); err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, collection)
	if err := row.Scan(&result.DocumentsDeleted); err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}

	// Chunks go with their documents via ON DELETE CASCADE
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return nil, fmt.Errorf("deleting documents: %w", err)
	}
	return result, nil
}

// GetIndexMetadata returns the stored index metadata for a collection
func (s *Store) GetIndexMetadata(ctx context.Context, collection string) (*domain.IndexMetadata, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM quarry_meta WHERE key = ?`, indexMetadataPrefix+collection).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying index metadata: %w", err)
	}

	var meta domain.IndexMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("unmarshaling index metadata: %w", err)
	}
	return &meta, nil
}

// PutIndexMetadata persists index metadata, stamping version and creation time
func (s *Store) PutIndexMetadata(ctx context.Context, meta domain.IndexMetadata) (*domain.IndexMetadata, error) {
	stored := meta.WithVersion()
	if stored.CreatedAt == "" {
		stored.CreatedAt = time.Now().UTC().Format("2006-01-02T15:04:05Z")
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshalling index metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quarry_meta (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, indexMetadataPrefix+stored.Collection, string(payload))
	if err != nil {
		return nil, fmt.Errorf("saving index metadata: %w", err)
	}
	return &stored, nil
}

// UpsertFileTree bulk-upserts lazy file-tree rows keyed by (collection, path).
// A changed upstream sha resets the row's embedded flag.
func (s *Store) UpsertFileTree(ctx context.Context, collection, owner, repo, ref string, files []domain.RepoTreeEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO repo_files (collection, owner, repo, ref, file_path, file_sha, file_size)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, file_path)
		DO UPDATE SET
			file_sha = excluded.file_sha,
			file_size = excluded.file_size,
			ref = excluded.ref,
			embedded = CASE
				WHEN repo_files.file_sha IS excluded.file_sha THEN repo_files.embedded
				ELSE 0
			END
	`)
	if err != nil {
		return 0, fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, collection, owner, repo, ref, f.Path, f.SHA, f.Size); err != nil {
			return 0, fmt.Errorf("upserting file %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return len(files), nil
}

// UnembeddedFiles returns the subset of paths not yet embedded
func (s *Store) UnembeddedFiles(ctx context.Context, collection string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(paths)), ", ")
	args := make([]interface{}, 0, len(paths)+1)
	args = append(args, collection)
	for _, p := range paths {
		args = append(args, p)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path FROM repo_files
		WHERE collection = ?
		  AND file_path IN (`+placeholders+`)
		  AND embedded = 0
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unembedded files: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkFilesEmbedded flips the embedded flag for the given paths
func (s *Store) MarkFilesEmbedded(ctx context.Context, collection string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(paths)), ", ")
	args := make([]interface{}, 0, len(paths)+1)
	args = append(args, collection)
	for _, p := range paths {
		args = append(args, p)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE repo_files
		SET embedded = 1
		WHERE collection = ?
		  AND file_path IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("marking files embedded: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// RepoMeta returns owner/repo/ref and embedding progress for a lazy collection
func (s *Store) RepoMeta(ctx context.Context, collection string) (*domain.RepoMeta, error) {
	var meta domain.RepoMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, repo, ref, COUNT(*) AS file_count,
		       SUM(CASE WHEN embedded = 1 THEN 1 ELSE 0 END) AS embedded_count
		FROM repo_files
		WHERE collection = ?
		GROUP BY owner, repo, ref
		LIMIT 1
	`, collection).Scan(&meta.Owner, &meta.Repo, &meta.Ref, &meta.FileCount, &meta.EmbeddedCount)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying repo meta: %w", err)
	}
	return &meta, nil
}

// Ping checks database reachability
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Helper Functions ====================

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return []byte{}
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
