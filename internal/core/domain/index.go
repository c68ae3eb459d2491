package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// IndexMetadata is the per-collection record of the configuration an index was
// built with. IndexVersion is derived from the five driving fields; a document
// is current only when its stored index_version matches the collection's.
type IndexMetadata struct {
	Collection        string `json:"collection"`
	RepoCommit        string `json:"repo_commit"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	ChunkSize         int    `json:"chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap"`
	IndexVersion      string `json:"index_version"`
	CreatedAt         string `json:"created_at"`
}

// indexVersionFields fixes the field order the version hash is computed over.
// Adding or reordering fields changes every stored version, forcing a reindex.
type indexVersionFields struct {
	ChunkOverlap      int    `json:"chunk_overlap"`
	ChunkSize         int    `json:"chunk_size"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingProvider string `json:"embedding_provider"`
	RepoCommit        string `json:"repo_commit"`
}

// BuildIndexVersion deterministically hashes the configuration fields that
// invalidate an index when changed. Identical inputs always produce the
// identical version string across runs and machines.
func BuildIndexVersion(m IndexMetadata) string {
	fields := indexVersionFields{
		ChunkOverlap:      m.ChunkOverlap,
		ChunkSize:         m.ChunkSize,
		EmbeddingModel:    m.EmbeddingModel,
		EmbeddingProvider: m.EmbeddingProvider,
		RepoCommit:        m.RepoCommit,
	}
	serialized, err := json.Marshal(fields)
	if err != nil {
		// Fixed struct of strings and ints cannot fail to marshal.
		panic(fmt.Sprintf("index version serialization: %v", err))
	}
	return ComputeSHA256(string(serialized))[:16]
}

// WithVersion returns a copy of m with IndexVersion populated.
func (m IndexMetadata) WithVersion() IndexMetadata {
	m.IndexVersion = BuildIndexVersion(m)
	return m
}

// ComputeSHA256 returns the hex SHA-256 of content. It is the content
// fingerprint used for per-file dedup decisions.
func ComputeSHA256(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CosineSimilarity is the single similarity formula both index backends share.
// It returns 0 for nil, mismatched-length or zero-norm inputs so that
// malformed rows sort last instead of erroring out a whole search.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
