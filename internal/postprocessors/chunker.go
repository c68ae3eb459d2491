package postprocessors

import (
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// ChunkConfig configures the chunker behavior.
type ChunkConfig struct {
	// ChunkSize is the target chunk size in tokens (approximate)
	ChunkSize int

	// ChunkOverlap is the overlap between chunks in tokens
	ChunkOverlap int
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		ChunkSize:    512,
		ChunkOverlap: 64,
	}
}

// Normalize prepares raw text for chunking: line endings become \n,
// control characters other than tab and newline are stripped, runs of
// three or more newlines collapse to a single blank line, and the
// result is trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	text = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// EstimateTokens is a rough token estimate (~4 chars per token for English).
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// ChunkText splits text into overlapping chunks with line-number tracking.
// Line numbers are 1-based positions in the text as passed in; callers that
// want stable provenance normalize first and chunk the normalized text.
// Chunk indexes are assigned only to emitted chunks, so they stay contiguous
// even when a window trims to nothing.
func ChunkText(text, sourceFile string, config ChunkConfig) []domain.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	// Token budgets converted to approximate character counts
	charSize := config.ChunkSize * 4
	charOverlap := config.ChunkOverlap * 4

	var chunks []domain.Chunk
	chunkIndex := 0
	pos := 0
	textLen := len(text)

	for pos < textLen {
		end := pos + charSize
		if end > textLen {
			end = textLen
		} else {
			end = runeStartBefore(text, end)
		}

		// Prefer a natural boundary in the back half of the window:
		// paragraph break, then sentence break, then line break. The
		// separators are ASCII, so these ends sit on rune boundaries.
		if end < textLen {
			mid := pos + charSize/2
			if idx := lastIndexWithin(text, "\n\n", mid, end); idx != -1 {
				end = idx + 1
			} else if idx := lastIndexWithin(text, ". ", mid, end); idx != -1 {
				end = idx + 2
			} else if idx := lastIndexWithin(text, "\n", mid, end); idx != -1 {
				end = idx + 1
			}
		}

		content := strings.TrimSpace(text[pos:end])
		if content == "" {
			break
		}

		chunks = append(chunks, domain.Chunk{
			Index:      chunkIndex,
			Content:    content,
			TokenCount: EstimateTokens(content),
			Source:     sourceFile,
			LineStart:  strings.Count(text[:pos], "\n") + 1,
			LineEnd:    strings.Count(text[:end], "\n") + 1,
		})
		chunkIndex++

		if end >= textLen {
			break
		}

		advance := end - pos - charOverlap
		if advance < 1 {
			advance = 1
		}
		next := runeStartBefore(text, pos+advance)
		if next <= pos {
			_, size := utf8.DecodeRuneInString(text[pos:])
			next = pos + size
		}
		pos = next
	}

	return chunks
}

// runeStartBefore walks i back to the nearest UTF-8 rune boundary so window
// edges never split a multi-byte rune.
func runeStartBefore(text string, i int) int {
	if i >= len(text) {
		return len(text)
	}
	for i > 0 && !utf8.RuneStart(text[i]) {
		i--
	}
	return i
}

// lastIndexWithin returns the highest index in [lo, hi) where sep starts and
// fits entirely before hi, or -1.
func lastIndexWithin(text, sep string, lo, hi int) int {
	if lo < 0 {
		lo = 0
	}
	if hi > len(text) {
		hi = len(text)
	}
	if lo >= hi {
		return -1
	}
	idx := strings.LastIndex(text[lo:hi], sep)
	if idx == -1 {
		return -1
	}
	return lo + idx
}
