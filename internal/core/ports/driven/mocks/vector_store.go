package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// MockVectorStore is an in-memory VectorStore for testing.
// Upserts are keyed by point id so repeated writes stay idempotent,
// mirroring the behavior the services rely on.
type MockVectorStore struct {
	mu      sync.Mutex
	schemas map[string]indexSchema
	points  map[string]driven.VectorRecord

	// Custom behavior hooks (optional)
	EnsureErr  error
	UpsertErr  error
	SearchFn   func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error)
	SearchHits []driven.VectorHit

	UpsertCalls int
}

type indexSchema struct {
	dimension int
	metric    domain.DistanceMetric
}

// NewMockVectorStore creates a new mock vector store.
func NewMockVectorStore() *MockVectorStore {
	return &MockVectorStore{
		schemas: make(map[string]indexSchema),
		points:  make(map[string]driven.VectorRecord),
	}
}

func (m *MockVectorStore) EnsureIndex(ctx context.Context, profile *domain.IndexProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnsureErr != nil {
		return m.EnsureErr
	}
	if schema, exists := m.schemas[profile.Collection]; exists {
		if schema.dimension != profile.Dimension || schema.metric != profile.Distance {
			return fmt.Errorf("collection %s has dimension %d metric %s: %w",
				profile.Collection, schema.dimension, schema.metric, domain.ErrSchemaMismatch)
		}
		return nil
	}
	m.schemas[profile.Collection] = indexSchema{dimension: profile.Dimension, metric: profile.Distance}
	return nil
}

func (m *MockVectorStore) Upsert(ctx context.Context, profile *domain.IndexProfile, records []driven.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpsertCalls++
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	for _, r := range records {
		m.points[r.PointID] = r
	}
	return nil
}

func (m *MockVectorStore) DeleteByPlan(ctx context.Context, profile *domain.IndexProfile, planUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.points {
		if r.Payload.PlanUUID == planUUID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *MockVectorStore) Search(ctx context.Context, profile *domain.IndexProfile, vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SearchFn != nil {
		return m.SearchFn(vector, topK, filter)
	}
	hits := m.SearchHits
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return append([]driven.VectorHit(nil), hits...), nil
}

func (m *MockVectorStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MockVectorStore) Close() error {
	return nil
}

// Helper methods for testing

func (m *MockVectorStore) PointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

func (m *MockVectorStore) Point(id string) (driven.VectorRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.points[id]
	return r, ok
}
