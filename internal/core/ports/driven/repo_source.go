package driven

import (
	"context"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
)

// RepoContentSource fetches file trees and individual file contents from an
// upstream repository host without cloning. Used by lazy onboarding (tree
// listing) and lazy retrieval (on-demand content fetch).
type RepoContentSource interface {
	// FetchFileTree returns every blob in the repository at ref.
	FetchFileTree(ctx context.Context, owner, repo, ref string) ([]domain.RepoTreeEntry, error)

	// FetchFileContent returns the raw text of one file at ref.
	FetchFileContent(ctx context.Context, owner, repo, path, ref string) (string, error)
}
