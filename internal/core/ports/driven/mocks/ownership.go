package mocks

import (
	"sync"

	"github.com/custodia-labs/quarry-core/internal/core/ports/driven"
)

var _ driven.OwnershipResolver = (*MockOwnershipResolver)(nil)

// MockOwnershipResolver is a configurable OwnershipResolver for testing
type MockOwnershipResolver struct {
	mu     sync.Mutex
	owners map[string][]string // path -> owner tokens
	areas  map[string][]string // path -> area tokens
}

// NewMockOwnershipResolver creates a new MockOwnershipResolver
func NewMockOwnershipResolver() *MockOwnershipResolver {
	return &MockOwnershipResolver{
		owners: make(map[string][]string),
		areas:  make(map[string][]string),
	}
}

func (m *MockOwnershipResolver) OwnerAndAreaTokens(path string) (map[string]struct{}, map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make(map[string]struct{})
	for _, t := range m.owners[path] {
		owners[t] = struct{}{}
	}
	areas := make(map[string]struct{})
	for _, t := range m.areas[path] {
		areas[t] = struct{}{}
	}
	return owners, areas
}

// SetTokens registers the owner and area tokens returned for a path.
func (m *MockOwnershipResolver) SetTokens(path string, owners, areas []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[path] = owners
	m.areas[path] = areas
}
