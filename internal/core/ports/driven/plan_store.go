package driven

import (
	"context"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// ProfileStore persists IndexProfiles. Rows are append-only: profiles are
// never updated once a plan references them, only deactivated.
type ProfileStore interface {
	Save(ctx context.Context, profile *domain.IndexProfile) error
	Get(ctx context.Context, id int64) (*domain.IndexProfile, error)
	GetBySlug(ctx context.Context, slug string) (*domain.IndexProfile, error)
	ListActive(ctx context.Context) ([]*domain.IndexProfile, error)
	Deactivate(ctx context.Context, id int64) error
}

// ChunkFilter selects chunks by embedding status.
type ChunkFilter struct {
	Statuses []domain.ChunkStatus
	Limit    int
}

// ActivePlanFilter narrows active plans by the paper metadata a query
// blueprint carries. Zero values mean no restriction.
type ActivePlanFilter struct {
	Subject      string
	SyllabusCode string
	ExamBoard    string
	PaperType    string
	Years        domain.YearRange
}

// PlanCounts is the persisted chunk tally used by the monotonic completion
// check.
type PlanCounts struct {
	Total    int
	Embedded int
	Failed   int
}

// PlanStore persists chunk plans with their bundles and chunks. Status and
// activation updates run under row-scoped transactions so concurrent batch
// completions cannot lose writes.
type PlanStore interface {
	// CreatePlan inserts a new pending plan.
	CreatePlan(ctx context.Context, plan *domain.ChunkPlan) error

	// GetPlan loads a plan by database id.
	GetPlan(ctx context.Context, id int64) (*domain.ChunkPlan, error)

	// GetPlanByPair returns the plan for a (paper, profile) pair, or
	// domain.ErrNotFound.
	GetPlanByPair(ctx context.Context, paperID string, profileID int64) (*domain.ChunkPlan, error)

	// ListPlansForPaper returns every plan for a paper, newest first.
	ListPlansForPaper(ctx context.Context, paperID string) ([]*domain.ChunkPlan, error)

	// ListActivePlans returns the profile's active plans whose paper
	// matches the filter, ordered by plan id.
	ListActivePlans(ctx context.Context, profileID int64, filter ActivePlanFilter) ([]*domain.ChunkPlan, error)

	// UpdatePlan persists status, counts, error and timestamps under a
	// plan-row lock.
	UpdatePlan(ctx context.Context, plan *domain.ChunkPlan) error

	// ActivatePlan sets is_active on the plan and atomically clears it on
	// every sibling plan of the same (paper, profile) pair.
	ActivatePlan(ctx context.Context, planID int64) error

	// DeactivatePlansForPaper clears is_active on all plans for a paper.
	DeactivatePlansForPaper(ctx context.Context, paperID string) error

	// ReplaceGeneration deletes the plan's bundles and chunks and inserts
	// the new generation in one transaction.
	ReplaceGeneration(ctx context.Context, planID int64, bundles []*domain.Bundle, chunks []*domain.Chunk) error

	// DeletePlan removes the plan row with its bundles and chunks.
	DeletePlan(ctx context.Context, planID int64) error

	// ListChunks returns the plan's chunks matching the filter, ordered by
	// sequence.
	ListChunks(ctx context.Context, planID int64, filter ChunkFilter) ([]*domain.Chunk, error)

	// GetChunks loads specific chunks of a plan by id, ordered by sequence.
	GetChunks(ctx context.Context, planID int64, chunkIDs []int64) ([]*domain.Chunk, error)

	// GetChunksByPointIDs resolves vector hits back to chunks.
	GetChunksByPointIDs(ctx context.Context, planUUID string, pointIDs []string) ([]*domain.Chunk, error)

	// GetBundle loads one bundle of a plan by sequence.
	GetBundle(ctx context.Context, planID int64, sequence int) (*domain.Bundle, error)

	// MarkChunks updates status, error and point ids for a chunk set.
	MarkChunks(ctx context.Context, planID int64, chunkIDs []int64, status domain.ChunkStatus, lastError string) error

	// MarkChunkEmbedded records a successful embed with its point id.
	MarkChunkEmbedded(ctx context.Context, chunkID int64, pointID string) error

	// CountChunks returns the monotonic tallies for the completion check.
	CountChunks(ctx context.Context, planID int64) (PlanCounts, error)
}
