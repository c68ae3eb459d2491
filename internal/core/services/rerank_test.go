package services

import (
	"testing"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven/mocks"
)

func chunk(source string, index int, similarity float64) domain.RankedChunk {
	return domain.RankedChunk{
		Content:     "content of " + source,
		Source:      source,
		DocumentKey: source,
		Index:       index,
		LineStart:   index*10 + 1,
		LineEnd:     index*10 + 9,
		Similarity:  similarity,
	}
}

func TestRerank_EmptyAndZeroTopK(t *testing.T) {
	r := NewReranker(nil)
	if got := r.Rerank("anything", nil, 5); got != nil {
		t.Errorf("expected nil for empty candidates, got %v", got)
	}
	if got := r.Rerank("anything", []domain.RankedChunk{chunk("a.go", 0, 0.9)}, 0); got != nil {
		t.Errorf("expected nil for topK 0, got %v", got)
	}
}

func TestRerank_BroadQuestionPrefersDocs(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("internal/engine/engine.go", 0, 0.92),
		chunk("internal/engine/loop.go", 0, 0.88),
		chunk("README.md", 0, 0.55),
	}

	got := r.Rerank("give me an overview of this project", candidates, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if got[0].Source != "README.md" {
		t.Errorf("expected README.md first for a broad question, got %s", got[0].Source)
	}
}

func TestRerank_SpecificQuestionKeepsSimilarityOrder(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("internal/engine/engine.go", 0, 0.92),
		chunk("README.md", 0, 0.55),
	}

	got := r.Rerank("where is the retry loop implemented", candidates, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Source != "internal/engine/engine.go" {
		t.Errorf("expected the code hit first, got %s", got[0].Source)
	}
}

func TestRerank_FileHintBonus(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("internal/other.go", 0, 0.80),
		chunk("internal/chunker.go", 0, 0.70),
	}

	got := r.Rerank("what does chunker.go do", candidates, 2)
	if got[0].Source != "internal/chunker.go" {
		t.Errorf("expected the mentioned file first, got %s", got[0].Source)
	}
}

func TestRerank_LowValueSourcesExcludedWhenEnoughRemain(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("quarry.egg-info/PKG-INFO", 0, 0.95),
		chunk("internal/engine.go", 0, 0.70),
		chunk("internal/store.go", 0, 0.65),
	}

	got := r.Rerank("how is the store opened", candidates, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	for _, c := range got {
		if c.Source == "quarry.egg-info/PKG-INFO" {
			t.Errorf("generated path should be excluded when enough clean candidates exist")
		}
	}
}

func TestRerank_LowValueSourcesKeptWhenPoolTooSmall(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("build/package/meta.txt", 0, 0.90),
		chunk("internal/engine.go", 0, 0.70),
	}

	got := r.Rerank("how is the store opened", candidates, 2)
	if len(got) != 2 {
		t.Fatalf("expected both candidates when the pool is small, got %d", len(got))
	}
}

func TestRerank_DiversifiesAcrossSources(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("internal/engine.go", 0, 0.95),
		chunk("internal/engine.go", 1, 0.94),
		chunk("internal/engine.go", 2, 0.93),
		chunk("internal/store.go", 0, 0.60),
	}

	got := r.Rerank("how does the engine rank", candidates, 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Source == got[1].Source {
		t.Errorf("expected two distinct sources, got %s twice", got[0].Source)
	}
}

func TestRerank_PadsWithRunnerUpsWithoutDuplicateIdentities(t *testing.T) {
	r := NewReranker(nil)
	candidates := []domain.RankedChunk{
		chunk("internal/engine.go", 0, 0.95),
		chunk("internal/engine.go", 1, 0.94),
		chunk("internal/engine.go", 2, 0.93),
	}

	got := r.Rerank("how does the engine rank", candidates, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 results padded from one source, got %d", len(got))
	}
	seen := make(map[domain.ChunkIdentity]struct{})
	for _, c := range got {
		key := c.IdentityKey()
		if _, ok := seen[key]; ok {
			t.Fatalf("duplicate chunk identity %+v in results", key)
		}
		seen[key] = struct{}{}
	}
}

func TestRerank_OwnershipBonusOnBroadQuestions(t *testing.T) {
	ownership := mocks.NewMockOwnershipResolver()
	ownership.SetTokens("internal/search/engine.go", []string{"search"}, []string{"search", "retrieval"})
	r := NewReranker(ownership)

	candidates := []domain.RankedChunk{
		chunk("internal/ingest/walker.go", 0, 0.60),
		chunk("internal/search/engine.go", 0, 0.50),
	}

	got := r.Rerank("overview of the search area of the codebase", candidates, 2)
	if got[0].Source != "internal/search/engine.go" {
		t.Errorf("expected the owned search path first, got %s", got[0].Source)
	}
}

func TestIsBroadQuestion(t *testing.T) {
	broad := []string{
		"Give me an overview",
		"how does this work?",
		"explain the architechture", // common misspelling
		"where do I start with this codebase",
	}
	for _, q := range broad {
		if !isBroadQuestion(q) {
			t.Errorf("expected %q to be broad", q)
		}
	}
	narrow := []string{
		"where is the retry loop",
		"what does UpsertChunks return",
	}
	for _, q := range narrow {
		if isBroadQuestion(q) {
			t.Errorf("expected %q to be narrow", q)
		}
	}
}

func TestIsHighLevelSource(t *testing.T) {
	high := []string{"README.md", "docs/setup.rst", "user-guide/intro.txt", "runbooks/oncall.adoc"}
	for _, s := range high {
		if !isHighLevelSource(s) {
			t.Errorf("expected %q to be high level", s)
		}
	}
	low := []string{"internal/engine.go", "app/main.py", "web/index.tsx"}
	for _, s := range low {
		if isHighLevelSource(s) {
			t.Errorf("expected %q to be code level", s)
		}
	}
}

func TestExtractFileHints(t *testing.T) {
	hints := extractFileHints("compare engine.go with chunker.py please")
	if _, ok := hints["engine.go"]; !ok {
		t.Errorf("expected engine.go hint, got %v", hints)
	}
	if _, ok := hints["chunker.py"]; !ok {
		t.Errorf("expected chunker.py hint, got %v", hints)
	}
	if len(extractFileHints("no filenames here")) != 0 {
		t.Errorf("expected no hints in a plain question")
	}
}
