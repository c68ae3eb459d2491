package domain

import "time"

// Document represents an indexed source file within a collection.
// Identity is (SHA256, Collection); Key is the external path or object key.
type Document struct {
	ID         int64             `json:"id"`
	Key        string            `json:"key"`
	SHA256     string            `json:"sha256"`
	Collection string            `json:"collection"`
	Metadata   map[string]string `json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Chunk is a searchable passage of a document with line provenance.
// LineStart/LineEnd are 1-based and inclusive; Index is 0-based within the document.
type Chunk struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
	TokenCount int       `json:"token_count"`
	Source     string    `json:"source"`
	LineStart  int       `json:"line_start"`
	LineEnd    int       `json:"line_end"`
}

// RankedChunk is a search hit: a chunk plus its parent document key and a
// similarity score projected to [0,1] via 1 - cosine distance.
type RankedChunk struct {
	Content     string  `json:"content"`
	Source      string  `json:"source"`
	DocumentKey string  `json:"document_key"`
	Index       int     `json:"index"`
	LineStart   int     `json:"line_start"`
	LineEnd     int     `json:"line_end"`
	Similarity  float64 `json:"similarity"`
}

// IdentityKey returns the key used for result deduplication:
// two hits are the same passage only if source, line span and index all match.
func (r *RankedChunk) IdentityKey() ChunkIdentity {
	return ChunkIdentity{
		Source:    r.Source,
		LineStart: r.LineStart,
		LineEnd:   r.LineEnd,
		Index:     r.Index,
	}
}

// ChunkIdentity uniquely identifies a passage across reranking stages.
type ChunkIdentity struct {
	Source    string
	LineStart int
	LineEnd   int
	Index     int
}

// RepoFile tracks one upstream file path in a lazily onboarded collection.
// Embedded flips to true only after the file's content has been chunked,
// embedded and upserted into the content collection.
type RepoFile struct {
	Collection string `json:"collection"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	Ref        string `json:"ref"`
	Path       string `json:"path"`
	SHA        string `json:"sha"`
	Size       int64  `json:"size"`
	Embedded   bool   `json:"embedded"`
}

// RepoTreeEntry is one blob entry from an upstream file tree listing.
type RepoTreeEntry struct {
	Path string `json:"path"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

// RepoMeta summarizes a lazy collection's upstream coordinates and progress.
type RepoMeta struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	Ref           string `json:"ref"`
	FileCount     int    `json:"file_count"`
	EmbeddedCount int    `json:"embedded_count"`
}

// IngestStats aggregates the outcome of one ingestion run.
// Per-file failures land in Errors (capped); they never abort the run.
type IngestStats struct {
	IndexedDocs int            `json:"indexed_docs"`
	SkippedDocs int            `json:"skipped_docs"`
	TotalChunks int            `json:"total_chunks"`
	Elapsed     time.Duration  `json:"elapsed"`
	Errors      []string       `json:"errors,omitempty"`
	Metadata    *IndexMetadata `json:"metadata,omitempty"`
}

// MaxIngestErrors bounds the per-run error list.
const MaxIngestErrors = 50

// AddError appends a per-file error, dropping it once the cap is reached.
func (s *IngestStats) AddError(msg string) {
	if len(s.Errors) < MaxIngestErrors {
		s.Errors = append(s.Errors, msg)
	}
}

// PurgeResult reports what a collection wipe removed.
type PurgeResult struct {
	DocumentsDeleted int `json:"documents_deleted"`
	ChunksDeleted    int `json:"chunks_deleted"`
}

// DimensionMigration reports the outcome of an embedding-dimension migration.
// Migrating to the stored dimension is a no-op (Changed=false); any other
// target wipes all documents and chunks before the dimension is updated.
type DimensionMigration struct {
	Backend           string `json:"backend"`
	PreviousDimension int    `json:"previous_dimension"`
	NewDimension      int    `json:"new_dimension"`
	DocumentsDeleted  int    `json:"documents_deleted"`
	ChunksDeleted     int    `json:"chunks_deleted"`
	Changed           bool   `json:"changed"`
}

// OnboardResult reports the outcome of lazily onboarding a repository.
type OnboardResult struct {
	Collection     string `json:"collection"`
	TreeCollection string `json:"tree_collection"`
	Owner          string `json:"owner"`
	Repo           string `json:"repo"`
	Ref            string `json:"ref"`
	TotalFiles     int    `json:"total_files"`
	TrackedFiles   int    `json:"tracked_files"`
	TreeChunks     int    `json:"tree_chunks"`
}
