package services

import (
	"regexp"
	"sort"
	"strings"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// Rerank scoring weights. Scores start from raw similarity; bonuses and
// penalties shift candidates relative to each other, they are not clamped.
const (
	fileHintBonus        = 0.25
	lowValuePenalty      = -0.30
	priorityPathBonus    = 0.12
	highLevelPathBonus   = 0.10
	projectConfigPenalty = -0.04
	ownerMatchBonus      = 0.18
	areaMatchBonus       = 0.10
)

// broadTerms classify a question as seeking project-level onboarding context.
// "architechture" stays deliberately: it is a common enough misspelling that
// dropping it measurably hurts broad-question detection.
var broadTerms = []string{
	"overview",
	"start",
	"begin",
	"onboard",
	"onboarding",
	"architecture",
	"architechture",
	"project",
	"codebase",
	"how does this work",
	"what is this",
}

// priorityPathHints mark curated documentation that broad questions should
// surface first.
var priorityPathHints = []string{
	"readme",
	"architecture.md",
	"docs/",
	"user-guide",
	"runbooks",
	"codebase_manual.md",
	"api_manual.md",
	"database_manual.md",
}

// highLevelPathHints identify docs/manual style sources beyond the
// extension-based rules in isHighLevelSource.
var highLevelPathHints = []string{
	"readme",
	"docs/",
	"manual",
	"user-guide",
	"runbooks",
	"architecture",
	".md",
}

// lowValuePathHints mark generated or cache paths that should be demoted.
var lowValuePathHints = []string{
	".egg-info/",
	"build/package/",
	"__pycache__/",
	".pytest_cache/",
	".ruff_cache/",
}

var codeExtensions = []string{".py", ".ts", ".tsx", ".js", ".java", ".go", ".rs"}

var docExtensions = []string{".md", ".txt", ".rst", ".adoc"}

// fileHintPattern matches filename-looking tokens in a question
// ("look at chunker.py").
var fileHintPattern = regexp.MustCompile(`([a-zA-Z0-9_.-]+\.[a-zA-Z0-9_-]+)`)

// questionTokenPattern extracts words compared against ownership tokens.
var questionTokenPattern = regexp.MustCompile(`[a-z0-9][a-z0-9_-]+`)

// Reranker reorders over-fetched similarity candidates with source-aware
// priors and diversifies the final selection across source files. The
// pipeline runs in fixed stages: classify, score, prefer-non-low-value,
// diversify, tier-partition for broad questions.
type Reranker struct {
	ownership driven.OwnershipResolver
}

// NewReranker creates a reranker. ownership may be nil; the ownership bonus
// stage is skipped without it.
func NewReranker(ownership driven.OwnershipResolver) *Reranker {
	return &Reranker{ownership: ownership}
}

// Rerank returns at most topK candidates, rescored and source-diversified.
func (r *Reranker) Rerank(question string, candidates []domain.RankedChunk, topK int) []domain.RankedChunk {
	if topK <= 0 || len(candidates) == 0 {
		return nil
	}

	broad := isBroadQuestion(question)
	hints := extractFileHints(question)
	var qTokens map[string]struct{}
	if broad && r.ownership != nil {
		qTokens = questionTokens(question)
	}

	scored := make([]scoredChunk, 0, len(candidates))
	for _, c := range candidates {
		score := c.Similarity + sourceBonus(c.Source, broad, hints)
		if qTokens != nil {
			score += r.ownershipBonus(c.Source, qTokens)
		}
		scored = append(scored, scoredChunk{score: score, chunk: c})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	preferred := make([]scoredChunk, 0, len(scored))
	for _, s := range scored {
		if !isLowValueSource(s.chunk.Source) {
			preferred = append(preferred, s)
		}
	}
	pool := scored
	if len(preferred) >= topK {
		pool = preferred
	}
	ranked := make([]domain.RankedChunk, len(pool))
	for i, s := range pool {
		ranked[i] = s.chunk
	}

	if !broad {
		return selectDiverse(ranked, topK)
	}

	var highLevel, codeLevel []domain.RankedChunk
	for _, c := range ranked {
		if isHighLevelSource(c.Source) {
			highLevel = append(highLevel, c)
		} else {
			codeLevel = append(codeLevel, c)
		}
	}
	minimumDocs := 3
	if topK < minimumDocs {
		minimumDocs = topK
	}
	if minimumDocs < 2 {
		minimumDocs = 2
	}
	if len(highLevel) >= minimumDocs {
		return selectDiverse(highLevel, topK)
	}
	return selectDiverse(append(highLevel, codeLevel...), topK)
}

type scoredChunk struct {
	score float64
	chunk domain.RankedChunk
}

// isBroadQuestion detects architecture/overview/onboarding intent.
func isBroadQuestion(question string) bool {
	text := strings.ToLower(question)
	for _, term := range broadTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// extractFileHints pulls explicit filename tokens out of the question.
func extractFileHints(question string) map[string]struct{} {
	hints := make(map[string]struct{})
	for _, m := range fileHintPattern.FindAllString(strings.ToLower(question), -1) {
		if len(m) >= 4 {
			hints[m] = struct{}{}
		}
	}
	return hints
}

// questionTokens extracts words for ownership-token overlap checks.
func questionTokens(question string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, m := range questionTokenPattern.FindAllString(strings.ToLower(question), -1) {
		if len(m) >= 3 {
			tokens[m] = struct{}{}
		}
	}
	return tokens
}

// isLowValueSource reports generated/cache paths that should be demoted.
func isLowValueSource(source string) bool {
	src := strings.ToLower(source)
	for _, hint := range lowValuePathHints {
		if strings.Contains(src, hint) {
			return true
		}
	}
	return false
}

// isHighLevelSource identifies docs/manual/README style sources suitable for
// onboarding summaries.
func isHighLevelSource(source string) bool {
	src := strings.ToLower(source)
	for _, ext := range codeExtensions {
		if strings.HasSuffix(src, ext) {
			return false
		}
	}
	for _, ext := range docExtensions {
		if strings.HasSuffix(src, ext) {
			return true
		}
	}
	for _, hint := range highLevelPathHints {
		if strings.Contains(src, hint) {
			return true
		}
	}
	return false
}

// sourceBonus computes the path-based score adjustment for one candidate.
func sourceBonus(source string, broad bool, hints map[string]struct{}) float64 {
	src := strings.ToLower(source)
	bonus := 0.0
	for hint := range hints {
		if strings.Contains(src, hint) {
			bonus += fileHintBonus
			break
		}
	}
	if isLowValueSource(src) {
		bonus += lowValuePenalty
	}
	if broad {
		for _, hint := range priorityPathHints {
			if strings.Contains(src, hint) {
				bonus += priorityPathBonus
				break
			}
		}
		if isHighLevelSource(src) {
			bonus += highLevelPathBonus
		}
		if strings.HasSuffix(src, "pyproject.toml") {
			bonus += projectConfigPenalty
		}
	}
	return bonus
}

// ownershipBonus rewards candidates whose CODEOWNERS owner or area tokens
// overlap the question.
func (r *Reranker) ownershipBonus(source string, qTokens map[string]struct{}) float64 {
	owners, areas := r.ownership.OwnerAndAreaTokens(source)
	if len(owners) == 0 && len(areas) == 0 {
		return 0
	}
	bonus := 0.0
	if intersects(owners, qTokens) {
		bonus += ownerMatchBonus
	}
	if intersects(areas, qTokens) {
		bonus += areaMatchBonus
	}
	return bonus
}

func intersects(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

// selectDiverse picks candidates greedily, one per source file, then pads
// with runner-ups deduplicated by exact chunk identity.
func selectDiverse(candidates []domain.RankedChunk, limit int) []domain.RankedChunk {
	selected := make([]domain.RankedChunk, 0, limit)
	seenSources := make(map[string]struct{})
	seenChunks := make(map[domain.ChunkIdentity]struct{})

	for _, c := range candidates {
		source := strings.ToLower(c.Source)
		key := c.IdentityKey()
		if _, ok := seenSources[source]; ok {
			continue
		}
		if _, ok := seenChunks[key]; ok {
			continue
		}
		selected = append(selected, c)
		seenSources[source] = struct{}{}
		seenChunks[key] = struct{}{}
		if len(selected) >= limit {
			return selected
		}
	}
	for _, c := range candidates {
		key := c.IdentityKey()
		if _, ok := seenChunks[key]; ok {
			continue
		}
		selected = append(selected, c)
		seenChunks[key] = struct{}{}
		if len(selected) >= limit {
			break
		}
	}
	return selected
}
