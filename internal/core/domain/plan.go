package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlanStatus is the lifecycle state of a ChunkPlan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanBundling  PlanStatus = "BUNDLING"
	PlanReady     PlanStatus = "READY"
	PlanEmbedding PlanStatus = "EMBEDDING"
	PlanEmbedded  PlanStatus = "EMBEDDED"
	PlanFailed    PlanStatus = "FAILED"
)

// planTransitions is the only legal movement between statuses. FAILED is
// additionally reachable from every non-terminal state via Fail.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanPending:   {PlanBundling},
	PlanBundling:  {PlanReady},
	PlanReady:     {PlanEmbedding, PlanPending},
	PlanEmbedding: {PlanEmbedded, PlanFailed, PlanPending},
	PlanEmbedded:  {PlanPending},
	PlanFailed:    {PlanPending},
}

// ChunkPlan pairs one paper version with one IndexProfile and tracks the
// bundling → embedding lifecycle for that pairing.
type ChunkPlan struct {
	ID        int64     `json:"id"`
	PlanID    uuid.UUID `json:"plan_id"`
	PaperID   string    `json:"paper_id"`
	ProfileID int64     `json:"profile_id"`

	Status    PlanStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`

	BundleCount  int `json:"bundle_count"`
	ChunkCount   int `json:"chunk_count"`
	EmbedRetries int `json:"embed_retries"`

	// IsActive marks the plan whose vectors serve retrieval for this
	// (paper, profile) pair. At most one sibling may be active.
	IsActive bool `json:"is_active"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	BundledAt  *time.Time `json:"bundled_at,omitempty"`
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
}

// NewChunkPlan creates a pending plan for a (paper, profile) pair.
func NewChunkPlan(paperID string, profileID int64) *ChunkPlan {
	now := time.Now()
	return &ChunkPlan{
		PlanID:    uuid.New(),
		PaperID:   paperID,
		ProfileID: profileID,
		Status:    PlanPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransition reports whether moving to next is permitted by the
// lifecycle table.
func (p *ChunkPlan) CanTransition(next PlanStatus) bool {
	if next == PlanFailed {
		return !p.IsTerminal()
	}
	for _, allowed := range planTransitions[p.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition moves the plan to next, or returns ErrInvalidTransition.
func (p *ChunkPlan) Transition(next PlanStatus) error {
	if !p.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	now := time.Now()
	p.Status = next
	p.UpdatedAt = now
	switch next {
	case PlanReady:
		p.BundledAt = &now
	case PlanEmbedded:
		p.EmbeddedAt = &now
		p.LastError = ""
	}
	return nil
}

// Fail moves the plan to FAILED recording the cause. A no-op error on
// terminal plans so late batch failures cannot resurrect finished plans.
func (p *ChunkPlan) Fail(cause string) error {
	if err := p.Transition(PlanFailed); err != nil {
		return err
	}
	if len(cause) > 2000 {
		cause = cause[:2000]
	}
	p.LastError = cause
	return nil
}

// Reset prepares the plan for a rerun: counts cleared, prior generation
// superseded. Callers must delete the old generation's vectors explicitly.
func (p *ChunkPlan) Reset() error {
	if p.Status == PlanPending || p.Status == PlanBundling {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, PlanPending)
	}
	now := time.Now()
	p.Status = PlanPending
	p.LastError = ""
	p.BundleCount = 0
	p.ChunkCount = 0
	p.EmbedRetries = 0
	p.BundledAt = nil
	p.EmbeddedAt = nil
	p.UpdatedAt = now
	return nil
}

// IsTerminal reports whether the plan reached a final state.
func (p *ChunkPlan) IsTerminal() bool {
	return p.Status == PlanEmbedded || p.Status == PlanFailed
}

// PointID derives the deterministic vector point id for a chunk sequence.
// Re-running embedding for the same plan overwrites rather than duplicates.
func (p *ChunkPlan) PointID(chunkSequence int) string {
	return uuid.NewSHA1(p.PlanID, []byte(fmt.Sprintf("%06d", chunkSequence))).String()
}

// Bundle is a coarse semantic unit cut from the component tree. Bundles are
// written once per plan generation and never mutated.
type Bundle struct {
	ID     int64 `json:"id"`
	PlanID int64 `json:"plan_id"`

	Sequence     int      `json:"sequence"`
	Title        string   `json:"title"`
	ComponentIDs []int64  `json:"component_ids"`
	SpanPaths    []string `json:"span_paths"`

	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`

	CreatedAt time.Time `json:"created_at"`
}

// ChunkStatus is the embedding state of a single chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "PENDING"
	ChunkQueued    ChunkStatus = "QUEUED"
	ChunkEmbedding ChunkStatus = "EMBEDDING"
	ChunkEmbedded  ChunkStatus = "EMBEDDED"
	ChunkFailed    ChunkStatus = "FAILED"
)

// Chunk is the token-window slice of a bundle that actually gets embedded.
type Chunk struct {
	ID       int64 `json:"id"`
	PlanID   int64 `json:"plan_id"`
	BundleID int64 `json:"bundle_id"`

	// BundleSequence is the owning bundle's sequence within the plan.
	// Stores resolve BundleID from it when persisting a generation.
	BundleSequence int `json:"bundle_sequence"`

	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	CharStart  int    `json:"char_start"`
	CharEnd    int    `json:"char_end"`

	Status     ChunkStatus `json:"status"`
	PointID    string      `json:"point_id,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	EmbeddedAt *time.Time  `json:"embedded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
