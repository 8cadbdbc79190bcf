package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Embedder turns queued chunks into vector points. One EmbedBatch call
// handles one fixed-size batch; batches for the same plan may run
// concurrently on different workers, so every status write goes through
// the store and completion is decided from persisted counts only.
type Embedder struct {
	planStore    driven.PlanStore
	profileStore driven.ProfileStore
	embedding    driven.EmbeddingService
	vectorStore  driven.VectorStore
	tokenizers   TokenizerFactory
	maxRetries   int
	logger       *slog.Logger
}

// EmbedderConfig holds dependencies for Embedder.
type EmbedderConfig struct {
	PlanStore    driven.PlanStore
	ProfileStore driven.ProfileStore
	Embedding    driven.EmbeddingService
	VectorStore  driven.VectorStore
	Tokenizers   TokenizerFactory

	// MaxEmbedRetries is the per-plan budget of failed batches before the
	// plan is marked FAILED.
	MaxEmbedRetries int

	Logger *slog.Logger
}

// NewEmbedder creates a new embedding pipeline.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := cfg.MaxEmbedRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Embedder{
		planStore:    cfg.PlanStore,
		profileStore: cfg.ProfileStore,
		embedding:    cfg.Embedding,
		vectorStore:  cfg.VectorStore,
		tokenizers:   cfg.Tokenizers,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// EmbedBatch embeds one batch of a plan's chunks and upserts the vectors.
// Point ids derive from the plan UUID and chunk sequence, so replays of
// the same batch overwrite instead of duplicating. On failure the batch's
// chunks are marked FAILED with the cause and the error is returned for
// the task queue to retry.
func (e *Embedder) EmbedBatch(ctx context.Context, planDBID int64, chunkIDs []int64) error {
	plan, err := e.planStore.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}
	profile, err := e.profileStore.Get(ctx, plan.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %d: %w", plan.ProfileID, err)
	}

	chunks, err := e.planStore.GetChunks(ctx, plan.ID, chunkIDs)
	if err != nil {
		return fmt.Errorf("load chunks for plan %d: %w", plan.ID, err)
	}
	if len(chunks) == 0 {
		return e.checkCompletion(ctx, plan.ID)
	}

	e.logOversized(plan, profile, chunks)

	if err := e.planStore.MarkChunks(ctx, plan.ID, chunkIDs, domain.ChunkEmbedding, ""); err != nil {
		return fmt.Errorf("mark chunks embedding: %w", err)
	}

	if err := e.embedAndUpsert(ctx, plan, profile, chunks); err != nil {
		return e.failBatch(ctx, plan, chunkIDs, err)
	}
	return e.checkCompletion(ctx, plan.ID)
}

func (e *Embedder) embedAndUpsert(ctx context.Context, plan *domain.ChunkPlan, profile *domain.IndexProfile, chunks []*domain.Chunk) error {
	if err := e.vectorStore.EnsureIndex(ctx, profile); err != nil {
		return fmt.Errorf("ensure index %s: %w", profile.Collection, err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := e.embedding.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedding returned %d vectors for %d chunks: %w",
			len(vectors), len(chunks), domain.ErrEmbedding)
	}

	records := make([]driven.VectorRecord, len(chunks))
	for i, c := range chunks {
		bundle, err := e.planStore.GetBundle(ctx, plan.ID, c.BundleSequence)
		if err != nil {
			return fmt.Errorf("load bundle %d: %w", c.BundleSequence, err)
		}
		records[i] = driven.VectorRecord{
			PointID: plan.PointID(c.Sequence),
			Vector:  vectors[i],
			Payload: driven.VectorPayload{
				PlanUUID:       plan.PlanID.String(),
				ChunkID:        c.ID,
				ChunkSequence:  c.Sequence,
				PaperID:        plan.PaperID,
				BundleSequence: c.BundleSequence,
				ComponentIDs:   bundle.ComponentIDs,
				SpanPaths:      bundle.SpanPaths,
				TokenCount:     c.TokenCount,
			},
		}
	}

	if err := e.vectorStore.Upsert(ctx, profile, records); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(records), err)
	}

	for i, c := range chunks {
		if err := e.planStore.MarkChunkEmbedded(ctx, c.ID, records[i].PointID); err != nil {
			return fmt.Errorf("mark chunk %d embedded: %w", c.ID, err)
		}
	}
	return nil
}

// failBatch records the failure on chunks and plan. The plan keeps its
// EMBEDDING status while retry budget remains; the queue's backoff will
// bring the batch back.
func (e *Embedder) failBatch(ctx context.Context, plan *domain.ChunkPlan, chunkIDs []int64, cause error) error {
	msg := cause.Error()
	if len(msg) > 2000 {
		msg = msg[:2000]
	}
	e.logger.Error("embedding batch failed",
		"plan_id", plan.PlanID, "chunks", len(chunkIDs), "error", cause)

	if err := e.planStore.MarkChunks(ctx, plan.ID, chunkIDs, domain.ChunkFailed, msg); err != nil {
		return fmt.Errorf("mark chunks failed: %v (original: %w)", err, cause)
	}

	// Re-read so a concurrent batch's retry bump is not lost.
	fresh, err := e.planStore.GetPlan(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("reload plan %d: %v (original: %w)", plan.ID, err, cause)
	}
	fresh.EmbedRetries++
	if fresh.EmbedRetries >= e.maxRetries && !fresh.IsTerminal() {
		if failErr := fresh.Fail(msg); failErr != nil {
			e.logger.Warn("could not mark plan failed",
				"plan_id", fresh.PlanID, "error", failErr)
		}
	}
	if err := e.planStore.UpdatePlan(ctx, fresh); err != nil {
		return fmt.Errorf("update plan %d: %v (original: %w)", fresh.ID, err, cause)
	}
	return cause
}

func (e *Embedder) logOversized(plan *domain.ChunkPlan, profile *domain.IndexProfile, chunks []*domain.Chunk) {
	if profile.MaxInputTokens <= 0 {
		return
	}
	tok := e.tokenizers(profile.TokenizerName)
	for _, c := range chunks {
		if c.TokenCount <= profile.MaxInputTokens {
			continue
		}
		e.logger.Error("chunk exceeds embedder window",
			"plan_id", plan.PlanID,
			"profile", profile.Slug,
			"chunk_sequence", c.Sequence,
			"stored_tokens", c.TokenCount,
			"recalculated_tokens", tok.Count(c.Text),
			"max_input_tokens", profile.MaxInputTokens)
	}
}

func (e *Embedder) checkCompletion(ctx context.Context, planDBID int64) error {
	return CheckPlanCompletion(ctx, e.planStore, planDBID, e.maxRetries, e.logger)
}

// CheckPlanCompletion settles a plan's terminal status from persisted
// chunk counts. It only ever moves a plan forward: FAILED and EMBEDDED
// plans are left untouched, a plan with outstanding chunks stays in
// EMBEDDING regardless of which batch finished last, and failed chunks
// only fail the plan once the retry budget is spent.
func CheckPlanCompletion(ctx context.Context, store driven.PlanStore, planDBID int64, retryBudget int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	plan, err := store.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}
	if plan.IsTerminal() {
		return nil
	}

	counts, err := store.CountChunks(ctx, plan.ID)
	if err != nil {
		return fmt.Errorf("count chunks for plan %d: %w", plan.ID, err)
	}

	if counts.Failed > 0 {
		if plan.EmbedRetries < retryBudget {
			// Retried batches are still in flight.
			return nil
		}
		if plan.LastError == "" {
			plan.LastError = "embedding failures detected"
		}
		cause := plan.LastError
		if err := plan.Fail(cause); err != nil {
			return nil
		}
		return store.UpdatePlan(ctx, plan)
	}

	if counts.Embedded < counts.Total || counts.Total == 0 {
		return nil
	}

	if err := plan.Transition(domain.PlanEmbedded); err != nil {
		return nil
	}
	if err := store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan %d: %w", plan.ID, err)
	}
	logger.Info("embedding complete",
		"plan_id", plan.PlanID, "paper_id", plan.PaperID, "chunks", counts.Total)
	return nil
}
