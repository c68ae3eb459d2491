package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/quarry-core/internal/core/domain"
	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

var _ driven.RepoContentSource = (*MockRepoContentSource)(nil)

// MockRepoContentSource is an in-memory RepoContentSource for testing
type MockRepoContentSource struct {
	mu          sync.Mutex
	tree        []domain.RepoTreeEntry
	contents    map[string]string // path -> content
	failPaths   map[string]error
	treeErr     error
	fetchCalls  []string
	treeFetches int
}

// NewMockRepoContentSource creates a new MockRepoContentSource
func NewMockRepoContentSource() *MockRepoContentSource {
	return &MockRepoContentSource{
		contents:  make(map[string]string),
		failPaths: make(map[string]error),
	}
}

func (m *MockRepoContentSource) FetchFileTree(ctx context.Context, owner, repo, ref string) ([]domain.RepoTreeEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.treeErr != nil {
		return nil, m.treeErr
	}
	m.treeFetches++
	out := make([]domain.RepoTreeEntry, len(m.tree))
	copy(out, m.tree)
	return out, nil
}

func (m *MockRepoContentSource) FetchFileContent(ctx context.Context, owner, repo, path, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failPaths[path]; ok {
		return "", err
	}
	m.fetchCalls = append(m.fetchCalls, path)
	content, ok := m.contents[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	return content, nil
}

// Helper methods for testing

// AddFile registers a file in both the tree listing and the content map.
func (m *MockRepoContentSource) AddFile(path, sha, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree = append(m.tree, domain.RepoTreeEntry{Path: path, SHA: sha, Size: int64(len(content))})
	m.contents[path] = content
}

func (m *MockRepoContentSource) SetTreeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.treeErr = err
}

func (m *MockRepoContentSource) SetContentError(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPaths[path] = err
}

// FetchedPaths returns each path passed to FetchFileContent, in order.
func (m *MockRepoContentSource) FetchedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.fetchCalls))
	copy(out, m.fetchCalls)
	return out
}

// TreeFetches returns how many times the tree was listed.
func (m *MockRepoContentSource) TreeFetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.treeFetches
}
