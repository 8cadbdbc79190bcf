package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// TokenizerFactory resolves a tokenizer by the name stored on a profile.
type TokenizerFactory func(name string) driven.Tokenizer

// Planner coordinates the indexing pipeline for chunk plans:
//  1. Create or reset one plan per active profile
//  2. Bundle the paper's component tree
//  3. Split bundles into token-window chunks
//  4. Queue embedding batches for the worker
//
// Vector cleanup is always explicit; nothing here deletes points as a side
// effect of a row update.
type Planner struct {
	profileStore driven.ProfileStore
	planStore    driven.PlanStore
	docStore     driven.DocumentStore
	vectorStore  driven.VectorStore
	taskQueue    driven.TaskQueue
	tokenizers   TokenizerFactory
	batchSize    int
	maxRetries   int
	logger       *slog.Logger
}

// PlannerConfig holds dependencies for Planner.
type PlannerConfig struct {
	ProfileStore  driven.ProfileStore
	PlanStore     driven.PlanStore
	DocumentStore driven.DocumentStore
	VectorStore   driven.VectorStore
	TaskQueue     driven.TaskQueue
	Tokenizers    TokenizerFactory

	// EmbedBatchSize is the number of chunks per embedding task.
	EmbedBatchSize int

	// MaxEmbedRetries bounds embedding task retries per batch.
	MaxEmbedRetries int

	Logger *slog.Logger
}

// NewPlanner creates a new indexing planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.EmbedBatchSize
	if batchSize < 1 {
		batchSize = 16
	}
	maxRetries := cfg.MaxEmbedRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Planner{
		profileStore: cfg.ProfileStore,
		planStore:    cfg.PlanStore,
		docStore:     cfg.DocumentStore,
		vectorStore:  cfg.VectorStore,
		taskQueue:    cfg.TaskQueue,
		tokenizers:   cfg.Tokenizers,
		batchSize:    batchSize,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

// CreatePlansForPaper creates a pending plan for every active profile, or
// resets the existing plan for the pair back to PENDING. When
// enqueueBundles is set a bundling task is queued per plan.
func (p *Planner) CreatePlansForPaper(ctx context.Context, paperID string, enqueueBundles bool) ([]*domain.ChunkPlan, error) {
	profiles, err := p.profileStore.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active profiles: %w", err)
	}

	var plans []*domain.ChunkPlan
	for _, profile := range profiles {
		plan, err := p.planStore.GetPlanByPair(ctx, paperID, profile.ID)
		switch {
		case err == nil:
			if resetErr := plan.Reset(); resetErr != nil {
				// PENDING/BUNDLING plans are already on their way.
				p.logger.Warn("skipping plan reset",
					"plan_id", plan.PlanID, "status", plan.Status)
			} else if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
				return nil, fmt.Errorf("reset plan %d: %w", plan.ID, err)
			}
		case errors.Is(err, domain.ErrNotFound):
			plan = domain.NewChunkPlan(paperID, profile.ID)
			if err := p.planStore.CreatePlan(ctx, plan); err != nil {
				return nil, fmt.Errorf("create plan for paper %s profile %s: %w",
					paperID, profile.Slug, err)
			}
		default:
			return nil, fmt.Errorf("load plan for paper %s profile %s: %w",
				paperID, profile.Slug, err)
		}

		plans = append(plans, plan)
		if enqueueBundles {
			if err := p.taskQueue.Enqueue(ctx, domain.NewBundlePlanTask(plan.ID)); err != nil {
				return nil, fmt.Errorf("enqueue bundling for plan %d: %w", plan.ID, err)
			}
		}
	}

	p.logger.Info("plans created", "paper_id", paperID, "count", len(plans))
	return plans, nil
}

// BundlePlan runs bundling and chunking for one plan and persists the new
// generation, replacing any previous bundles and chunks. On success the
// plan lands in READY and, when enqueueEmbedding is set, an embedding
// dispatch task is queued.
func (p *Planner) BundlePlan(ctx context.Context, planDBID int64, enqueueEmbedding bool) error {
	plan, err := p.planStore.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}
	profile, err := p.profileStore.Get(ctx, plan.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %d: %w", plan.ProfileID, err)
	}

	p.logger.Info("bundling started",
		"plan_id", plan.PlanID, "paper_id", plan.PaperID, "profile", profile.Slug)

	if profile.MaxInputTokens > 0 && profile.ChunkSize > profile.MaxInputTokens {
		p.logger.Warn("profile chunk size exceeds encoder window",
			"plan_id", plan.PlanID,
			"profile", profile.Slug,
			"chunk_size", profile.ChunkSize,
			"max_input_tokens", profile.MaxInputTokens)
	}

	tree, err := p.docStore.GetComponentTree(ctx, plan.PaperID)
	if err != nil {
		return p.failPlan(ctx, plan, fmt.Errorf("load components: %w", err))
	}
	if tree.Size() == 0 {
		return p.failPlan(ctx, plan, fmt.Errorf("paper %s: %w", plan.PaperID, domain.ErrEmptyTree))
	}

	if err := plan.Transition(domain.PlanBundling); err != nil {
		return fmt.Errorf("plan %d: %w", plan.ID, err)
	}
	plan.LastError = ""
	if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan %d: %w", plan.ID, err)
	}

	tok := p.tokenizers(profile.TokenizerName)
	bundles := BuildBundles(tree, tok, profile.TargetBundleTokens)
	if len(bundles) == 0 {
		return p.failPlan(ctx, plan, errors.New("bundling produced no bundles"))
	}

	chunks := p.splitAll(plan, profile, bundles, tok)
	if len(chunks) == 0 {
		return p.failPlan(ctx, plan, errors.New("chunking produced no chunks"))
	}

	if err := p.planStore.ReplaceGeneration(ctx, plan.ID, bundles, chunks); err != nil {
		return p.failPlan(ctx, plan, fmt.Errorf("persist generation: %w", err))
	}

	plan.BundleCount = len(bundles)
	plan.ChunkCount = len(chunks)
	if err := plan.Transition(domain.PlanReady); err != nil {
		return fmt.Errorf("plan %d: %w", plan.ID, err)
	}
	if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan %d: %w", plan.ID, err)
	}

	p.logger.Info("bundling complete",
		"plan_id", plan.PlanID,
		"bundles", plan.BundleCount,
		"chunks", plan.ChunkCount)

	if enqueueEmbedding {
		if err := p.taskQueue.Enqueue(ctx, domain.NewEmbedDispatchTask(plan.ID)); err != nil {
			return fmt.Errorf("enqueue embedding dispatch for plan %d: %w", plan.ID, err)
		}
	}
	return nil
}

// splitAll chunks every bundle, renumbering chunk sequences across the
// whole plan so point ids stay unique per plan.
func (p *Planner) splitAll(plan *domain.ChunkPlan, profile *domain.IndexProfile, bundles []*domain.Bundle, tok driven.Tokenizer) []*domain.Chunk {
	var chunks []*domain.Chunk
	seq := 1
	for _, bundle := range bundles {
		for _, c := range SplitBundle(bundle, tok, SplitOptions{
			ChunkSize: profile.ChunkSize,
			Overlap:   profile.ChunkOverlap,
			MaxTokens: profile.MaxInputTokens,
			Logger:    p.logger,
		}) {
			c.Sequence = seq
			seq++
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// EnqueueEmbedding selects the plan's pending and failed chunks, marks
// them queued and dispatches fixed-size embedding batches.
func (p *Planner) EnqueueEmbedding(ctx context.Context, planDBID int64) error {
	plan, err := p.planStore.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}

	chunks, err := p.planStore.ListChunks(ctx, plan.ID, driven.ChunkFilter{
		Statuses: []domain.ChunkStatus{domain.ChunkPending, domain.ChunkFailed},
	})
	if err != nil {
		return fmt.Errorf("list chunks for plan %d: %w", plan.ID, err)
	}
	if len(chunks) == 0 {
		return CheckPlanCompletion(ctx, p.planStore, plan.ID, p.maxRetries, p.logger)
	}

	if err := plan.Transition(domain.PlanEmbedding); err != nil {
		return fmt.Errorf("plan %d: %w", plan.ID, err)
	}
	plan.LastError = ""
	if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan %d: %w", plan.ID, err)
	}

	p.logger.Info("queueing chunks for embedding",
		"plan_id", plan.PlanID, "chunks", len(chunks))

	for start := 0; start < len(chunks); start += p.batchSize {
		end := start + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := make([]int64, 0, end-start)
		for _, c := range chunks[start:end] {
			batch = append(batch, c.ID)
		}
		if err := p.planStore.MarkChunks(ctx, plan.ID, batch, domain.ChunkQueued, ""); err != nil {
			return fmt.Errorf("mark chunks queued: %w", err)
		}
		if err := p.taskQueue.Enqueue(ctx, domain.NewEmbedBatchTask(plan.ID, batch, p.maxRetries)); err != nil {
			return fmt.Errorf("enqueue embed batch for plan %d: %w", plan.ID, err)
		}
	}
	return nil
}

// RerunPlan resets a plan, drops its previous vectors and replays the
// pipeline from bundling.
func (p *Planner) RerunPlan(ctx context.Context, planDBID int64, requeueEmbedding bool) error {
	plan, err := p.planStore.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}
	profile, err := p.profileStore.Get(ctx, plan.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %d: %w", plan.ProfileID, err)
	}

	p.logger.Info("rerunning plan", "plan_id", plan.PlanID, "requeue_embedding", requeueEmbedding)

	if err := p.vectorStore.DeleteByPlan(ctx, profile, plan.PlanID.String()); err != nil {
		return fmt.Errorf("delete vectors for plan %s: %w", plan.PlanID, err)
	}
	if err := plan.Reset(); err != nil {
		return fmt.Errorf("plan %d: %w", plan.ID, err)
	}
	if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update plan %d: %w", plan.ID, err)
	}

	return p.BundlePlan(ctx, plan.ID, requeueEmbedding)
}

// DeletePlan removes a plan with its bundles, chunks and vectors. Vectors
// go first so a partial failure leaves rows behind rather than orphaned
// points.
func (p *Planner) DeletePlan(ctx context.Context, planDBID int64) error {
	plan, err := p.planStore.GetPlan(ctx, planDBID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planDBID, err)
	}
	profile, err := p.profileStore.Get(ctx, plan.ProfileID)
	if err != nil {
		return fmt.Errorf("load profile %d: %w", plan.ProfileID, err)
	}
	if err := p.vectorStore.DeleteByPlan(ctx, profile, plan.PlanID.String()); err != nil {
		return fmt.Errorf("delete vectors for plan %s: %w", plan.PlanID, err)
	}
	if err := p.planStore.DeletePlan(ctx, plan.ID); err != nil {
		return fmt.Errorf("delete plan %d: %w", plan.ID, err)
	}
	p.logger.Info("plan deleted", "plan_id", plan.PlanID, "paper_id", plan.PaperID)
	return nil
}

// ActivatePlan marks the plan as serving retrieval for its (paper,
// profile) pair, deactivating any sibling in the same store transaction.
func (p *Planner) ActivatePlan(ctx context.Context, planDBID int64) error {
	if err := p.planStore.ActivatePlan(ctx, planDBID); err != nil {
		return fmt.Errorf("activate plan %d: %w", planDBID, err)
	}
	p.logger.Info("plan activated", "plan_db_id", planDBID)
	return nil
}

// DeactivatePlansForPaper disables every plan for a paper, optionally
// dropping their vectors.
func (p *Planner) DeactivatePlansForPaper(ctx context.Context, paperID string, dropVectors bool) (int, error) {
	plans, err := p.planStore.ListPlansForPaper(ctx, paperID)
	if err != nil {
		return 0, fmt.Errorf("list plans for paper %s: %w", paperID, err)
	}
	if len(plans) == 0 {
		return 0, nil
	}

	if dropVectors {
		for _, plan := range plans {
			profile, err := p.profileStore.Get(ctx, plan.ProfileID)
			if err != nil {
				return 0, fmt.Errorf("load profile %d: %w", plan.ProfileID, err)
			}
			if err := p.vectorStore.DeleteByPlan(ctx, profile, plan.PlanID.String()); err != nil {
				p.logger.Error("failed to drop vectors during deactivation",
					"plan_id", plan.PlanID, "error", err)
			}
		}
	}
	if err := p.planStore.DeactivatePlansForPaper(ctx, paperID); err != nil {
		return 0, fmt.Errorf("deactivate plans for paper %s: %w", paperID, err)
	}
	p.logger.Info("plans deactivated", "paper_id", paperID, "count", len(plans))
	return len(plans), nil
}

// failPlan records a failure cause on the plan and returns the cause.
func (p *Planner) failPlan(ctx context.Context, plan *domain.ChunkPlan, cause error) error {
	p.logger.Error("indexing failed", "plan_id", plan.PlanID, "error", cause)
	if err := plan.Fail(cause.Error()); err != nil {
		return fmt.Errorf("plan %d: %v (original: %w)", plan.ID, err, cause)
	}
	if err := p.planStore.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("update failed plan %d: %v (original: %w)", plan.ID, err, cause)
	}
	return cause
}
