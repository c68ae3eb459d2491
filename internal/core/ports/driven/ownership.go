package driven

// OwnershipResolver maps a source path to normalized owner and area tokens
// derived from an ownership mapping such as CODEOWNERS. The reranker uses the
// overlap between these tokens and question tokens as a ranking bonus.
type OwnershipResolver interface {
	// OwnerAndAreaTokens returns the owner tokens and area tokens for a
	// source path. Both sets are empty when no rule matches.
	OwnerAndAreaTokens(path string) (owners map[string]struct{}, areas map[string]struct{})
}
