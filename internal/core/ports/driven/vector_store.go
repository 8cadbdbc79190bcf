package driven

import (
	"context"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// VectorRecord is one point to upsert: a deterministic id, the embedding
// and a payload used for filtered search and plan-scoped deletion.
type VectorRecord struct {
	PointID string
	Vector  []float32
	Payload VectorPayload
}

// VectorPayload is the structured payload stored with each point.
type VectorPayload struct {
	PlanUUID       string
	ChunkID        int64
	ChunkSequence  int
	PaperID        string
	BundleSequence int
	ComponentIDs   []int64
	SpanPaths      []string
	TokenCount     int
}

// VectorFilter restricts a search by payload fields. Zero values mean no
// restriction. PlanUUIDs restricts to any of the listed plans; PlanUUID
// pins a single one.
type VectorFilter struct {
	PaperID   string
	PlanUUID  string
	PlanUUIDs []string
}

// VectorHit is one ranked search result.
type VectorHit struct {
	PointID string
	Score   float64
	Payload VectorPayload
}

// VectorStore is the external vector index. Implementations hold no
// business state beyond a cached index-existence check.
type VectorStore interface {
	// EnsureIndex creates the profile's collection if absent. It is a
	// no-op when the collection exists with a matching schema and fails
	// with domain.ErrSchemaMismatch when dimension or metric differ.
	EnsureIndex(ctx context.Context, profile *domain.IndexProfile) error

	// Upsert writes records idempotently; repeating the same point id and
	// vector has no additional effect.
	Upsert(ctx context.Context, profile *domain.IndexProfile, records []VectorRecord) error

	// DeleteByPlan removes every point whose payload carries the plan id.
	DeleteByPlan(ctx context.Context, profile *domain.IndexProfile, planUUID string) error

	// Search returns the top-k ranked points matching the filter.
	Search(ctx context.Context, profile *domain.IndexProfile, vector []float32, topK int, filter VectorFilter) ([]VectorHit, error)

	// HealthCheck verifies the backing index is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the client connection.
	Close() error
}
