package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// MockDocumentStore is an in-memory DocumentStore for testing.
type MockDocumentStore struct {
	mu         sync.Mutex
	trees      map[string]*domain.ComponentTree
	components map[int64]*domain.Component
	contexts   map[int64]*driven.ComponentContext

	// Custom behavior hooks (optional)
	SearchKeywordFn func(query driven.KeywordQuery) ([]driven.KeywordHit, error)
	KeywordHits     []driven.KeywordHit

	KeywordQueries []driven.KeywordQuery
}

// NewMockDocumentStore creates a new mock document store.
func NewMockDocumentStore() *MockDocumentStore {
	return &MockDocumentStore{
		trees:      make(map[string]*domain.ComponentTree),
		components: make(map[int64]*domain.Component),
		contexts:   make(map[int64]*driven.ComponentContext),
	}
}

// AddTree registers a paper's component tree and indexes its components.
func (m *MockDocumentStore) AddTree(paperID string, tree *domain.ComponentTree) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trees[paperID] = tree
	for _, c := range tree.All() {
		m.components[c.ID] = c
	}
}

// SetContext registers the structural context returned for a component.
func (m *MockDocumentStore) SetContext(componentID int64, ctxInfo *driven.ComponentContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[componentID] = ctxInfo
}

func (m *MockDocumentStore) GetComponentTree(ctx context.Context, paperID string) (*domain.ComponentTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tree, ok := m.trees[paperID]
	if !ok {
		return nil, fmt.Errorf("paper %s: %w", paperID, domain.ErrNotFound)
	}
	return tree, nil
}

func (m *MockDocumentStore) SearchKeyword(ctx context.Context, query driven.KeywordQuery) ([]driven.KeywordHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.KeywordQueries = append(m.KeywordQueries, query)
	if m.SearchKeywordFn != nil {
		return m.SearchKeywordFn(query)
	}
	hits := m.KeywordHits
	if query.Limit > 0 && len(hits) > query.Limit {
		hits = hits[:query.Limit]
	}
	return append([]driven.KeywordHit(nil), hits...), nil
}

func (m *MockDocumentStore) FetchContext(ctx context.Context, componentID int64) (*driven.ComponentContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.contexts[componentID]
	if !ok {
		return nil, fmt.Errorf("component %d: %w", componentID, domain.ErrNotFound)
	}
	return info, nil
}

func (m *MockDocumentStore) GetComponents(ctx context.Context, ids []int64) ([]*domain.Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Component, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.components[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
