package normalisers

import (
	"sort"
	"strings"
	"sync"

	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
	"github.com/custodia-labs/quarry-core/internal/postprocessors"
)

// Verify interface compliance
var _ driven.NormaliserRegistry = (*Registry)(nil)

// Registry implements NormaliserRegistry with priority-based selection.
// When multiple normalisers claim an extension, the highest priority one wins.
type Registry struct {
	mu          sync.RWMutex
	normalisers []driven.Normaliser
}

// NewRegistry creates a new normaliser registry.
func NewRegistry() *Registry {
	return &Registry{
		normalisers: make([]driven.Normaliser, 0),
	}
}

// Register registers a normaliser.
// Normalisers are stored and later selected by priority.
func (r *Registry) Register(n driven.Normaliser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.normalisers = append(r.normalisers, n)
}

// Get retrieves the best-matching normaliser for a file extension.
// Returns nil if no normaliser handles the extension.
func (r *Registry) Get(ext string) driven.Normaliser {
	ext = strings.ToLower(strings.TrimSpace(ext))

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best driven.Normaliser
	for _, n := range r.normalisers {
		if !handlesExtension(n, ext) {
			continue
		}
		if best == nil || n.Priority() > best.Priority() {
			best = n
		}
	}
	return best
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	extSet := make(map[string]struct{})
	for _, n := range r.normalisers {
		for _, ext := range n.Extensions() {
			extSet[ext] = struct{}{}
		}
	}

	exts := make([]string, 0, len(extSet))
	for ext := range extSet {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func handlesExtension(n driven.Normaliser, ext string) bool {
	for _, e := range n.Extensions() {
		if e == ext {
			return true
		}
	}
	return false
}

// DefaultRegistry creates a registry with the built-in normalisers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&PlaintextNormaliser{})
	r.Register(&PDFNormaliser{})
	return r
}

// plaintextExtensions is the allow-list of prose, code and config formats
// that index as-is after whitespace normalization.
var plaintextExtensions = []string{
	// Docs
	".md", ".txt", ".rst", ".adoc",
	// Code
	".py", ".js", ".ts", ".tsx", ".jsx", ".go", ".rs", ".java", ".kt",
	".rb", ".php", ".swift", ".c", ".cpp", ".h", ".cs", ".scala",
	// Config
	".json", ".yaml", ".yml", ".toml", ".cfg", ".csv", ".env.example",
}

// PlaintextNormaliser handles prose, code and config files.
type PlaintextNormaliser struct{}

var _ driven.Normaliser = (*PlaintextNormaliser)(nil)

func (n *PlaintextNormaliser) Normalise(raw string) (string, error) {
	return postprocessors.Normalize(raw), nil
}

func (n *PlaintextNormaliser) Extensions() []string {
	return plaintextExtensions
}

func (n *PlaintextNormaliser) Priority() int {
	return 1
}
