package driven

import (
	"context"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// KeywordQuery carries the filtered exact/fuzzy search parameters derived
// from a blueprint.
type KeywordQuery struct {
	Query        string
	Keywords     []string
	Subject      string
	SyllabusCode string
	ExamBoard    string
	PaperType    string
	Years        domain.YearRange
	Limit        int
}

// KeywordHit is one scored component match from the document store.
type KeywordHit struct {
	ComponentID  int64
	PaperID      string
	PaperCode    string
	Subject      string
	SyllabusCode string
	ExamBoard    string
	Year         int
	Path         string
	Snippet      string
	Score        float64
	MatchTerms   []string
}

// ComponentContext is the structural neighbourhood of a component, used to
// enrich candidates during merge/expand.
type ComponentContext struct {
	ParentID     *int64
	ParentPath   string
	SiblingPaths []string
	ChildPaths   []string
}

// DocumentStore exposes the externally owned paper/component data the core
// consumes. The core never writes components.
type DocumentStore interface {
	// GetComponentTree loads the full component forest for a paper.
	GetComponentTree(ctx context.Context, paperID string) (*domain.ComponentTree, error)

	// SearchKeyword runs a filtered exact/fuzzy search over components.
	SearchKeyword(ctx context.Context, query KeywordQuery) ([]KeywordHit, error)

	// FetchContext returns parent/sibling structure for a component.
	FetchContext(ctx context.Context, componentID int64) (*ComponentContext, error)

	// GetComponents loads specific components by id, preserving order.
	GetComponents(ctx context.Context, ids []int64) ([]*domain.Component, error)
}
