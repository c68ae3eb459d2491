// Package codeowners resolves source paths to owner and area ranking tokens
// from a repository's CODEOWNERS file. Matching is approximate: last matching
// rule wins, patterns follow fnmatch-style globbing.
package codeowners

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.OwnershipResolver = (*Resolver)(nil)

const (
	profileCacheSize = 4096
	rulesCacheSize   = 128
)

var tokenSplitRe = regexp.MustCompile(`[/._-]+`)
var areaSplitRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Rule is one parsed CODEOWNERS line.
type Rule struct {
	Pattern     string
	Owners      []string
	OwnerTokens map[string]struct{}
	AreaTokens  map[string]struct{}
}

type profile struct {
	owners map[string]struct{}
	areas  map[string]struct{}
}

// Resolver resolves ownership tokens for absolute source paths, walking up
// from each path to the nearest repo root that carries a CODEOWNERS file.
// Both the per-source profiles and the per-root rule sets are held in
// bounded LRU caches so long ingestion runs cannot grow memory without limit.
type Resolver struct {
	profiles *lru.Cache[string, profile]
	rules    *lru.Cache[string, []Rule]
}

// NewResolver creates a new Resolver with bounded caches.
func NewResolver() *Resolver {
	profiles, _ := lru.New[string, profile](profileCacheSize)
	rules, _ := lru.New[string, []Rule](rulesCacheSize)
	return &Resolver{profiles: profiles, rules: rules}
}

// OwnerAndAreaTokens returns the owner and area tokens for a source path.
// Both sets are empty when the path is relative, outside any repo, or no
// rule matches.
func (r *Resolver) OwnerAndAreaTokens(path string) (map[string]struct{}, map[string]struct{}) {
	if p, ok := r.profiles.Get(path); ok {
		return p.owners, p.areas
	}

	p := r.resolve(path)
	r.profiles.Add(path, p)
	return p.owners, p.areas
}

func (r *Resolver) resolve(source string) profile {
	empty := profile{owners: map[string]struct{}{}, areas: map[string]struct{}{}}
	if !filepath.IsAbs(source) {
		return empty
	}
	info, err := os.Stat(source)
	if err != nil {
		return empty
	}

	start := source
	if !info.IsDir() {
		start = filepath.Dir(source)
	}
	root := findRepoRoot(start)
	if root == "" {
		return empty
	}

	rel, err := filepath.Rel(root, source)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return empty
	}
	rel = filepath.ToSlash(rel)

	rules := r.loadRules(root)
	var matched *Rule
	for i := range rules {
		if patternMatches(rules[i].Pattern, rel) {
			matched = &rules[i]
		}
	}
	if matched == nil {
		return empty
	}
	return profile{owners: matched.OwnerTokens, areas: matched.AreaTokens}
}

// findRepoRoot walks up to the nearest directory that looks like a repo root.
func findRepoRoot(start string) string {
	cursor := start
	for {
		if _, err := os.Stat(filepath.Join(cursor, ".git")); err == nil {
			return cursor
		}
		if findCodeownersFile(cursor) != "" {
			return cursor
		}
		parent := filepath.Dir(cursor)
		if parent == cursor {
			return ""
		}
		cursor = parent
	}
}

// findCodeownersFile returns the first CODEOWNERS path under a root.
func findCodeownersFile(root string) string {
	candidates := []string{
		filepath.Join(root, "CODEOWNERS"),
		filepath.Join(root, ".github", "CODEOWNERS"),
		filepath.Join(root, "docs", "CODEOWNERS"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

// loadRules loads and parses the CODEOWNERS rules for a repository root.
func (r *Resolver) loadRules(root string) []Rule {
	if rules, ok := r.rules.Get(root); ok {
		return rules
	}

	rules := ParseFile(findCodeownersFile(root))
	r.rules.Add(root, rules)
	return rules
}

// ParseFile parses a CODEOWNERS file into rules. A missing or unreadable
// file yields no rules.
func ParseFile(path string) []Rule {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return Parse(string(data))
}

// Parse parses CODEOWNERS content into rules in file order.
func Parse(content string) []Rule {
	var rules []Rule
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		pattern := parts[0]
		owners := parts[1:]
		rules = append(rules, Rule{
			Pattern:     pattern,
			Owners:      owners,
			OwnerTokens: ownerTokens(owners),
			AreaTokens:  areaTokens(pattern),
		})
	}
	return rules
}

// ownerTokens normalizes @owner and @org/team handles into searchable tokens.
func ownerTokens(owners []string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, owner := range owners {
		normalized := strings.ToLower(strings.TrimLeft(owner, "@"))
		for _, piece := range tokenSplitRe.Split(normalized, -1) {
			if len(piece) >= 3 {
				tokens[piece] = struct{}{}
			}
		}
	}
	return tokens
}

// areaTokens extracts coarse area hints from a CODEOWNERS path pattern.
func areaTokens(pattern string) map[string]struct{} {
	cleaned := strings.TrimLeft(strings.TrimSpace(pattern), "/")
	tokens := make(map[string]struct{})
	for _, piece := range strings.Split(cleaned, "/") {
		if piece == "" {
			continue
		}
		for _, part := range areaSplitRe.Split(strings.ToLower(piece), -1) {
			if len(part) < 3 {
				continue
			}
			if strings.ContainsAny(part, "*?[]!") {
				continue
			}
			tokens[part] = struct{}{}
		}
	}
	return tokens
}

// patternMatches applies approximate CODEOWNERS matching for ranking hints.
func patternMatches(pattern, relPath string) bool {
	pat := strings.TrimSpace(pattern)
	if pat == "" {
		return false
	}
	rel := strings.TrimLeft(relPath, "./")

	// Directory rule
	if strings.HasSuffix(pat, "/") {
		prefix := strings.Trim(pat, "/")
		return rel == prefix || strings.HasPrefix(rel, prefix+"/")
	}

	anchored := strings.HasPrefix(pat, "/")
	normalized := strings.TrimLeft(pat, "/")

	if anchored {
		return fnmatch(normalized, rel)
	}

	// Non-anchored path pattern with slash can match anywhere
	if strings.Contains(normalized, "/") {
		if fnmatch(normalized, rel) {
			return true
		}
		return strings.HasSuffix(rel, "/"+normalized) || rel == normalized
	}

	// Basename pattern
	return fnmatch(normalized, filepath.Base(rel))
}

// fnmatch is shell-style glob matching where '*' also crosses path
// separators, unlike path.Match.
func fnmatch(pattern, name string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		case '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end < 0 {
				sb.WriteString(regexp.QuoteMeta(string(c)))
				continue
			}
			sb.WriteString(pattern[i : i+end+1])
			i += end
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}
