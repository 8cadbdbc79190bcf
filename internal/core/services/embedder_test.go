package services

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven/mocks"
)

type embedderFixture struct {
	planStore    *mocks.MockPlanStore
	profileStore *mocks.MockProfileStore
	embedding    *mocks.MockEmbeddingService
	vectorStore  *mocks.MockVectorStore
	embedder     *Embedder
}

func newEmbedderFixture(maxRetries int) *embedderFixture {
	f := &embedderFixture{
		planStore:    mocks.NewMockPlanStore(),
		profileStore: mocks.NewMockProfileStore(),
		embedding:    mocks.NewMockEmbeddingService(),
		vectorStore:  mocks.NewMockVectorStore(),
	}
	f.embedder = NewEmbedder(EmbedderConfig{
		PlanStore:       f.planStore,
		ProfileStore:    f.profileStore,
		Embedding:       f.embedding,
		VectorStore:     f.vectorStore,
		Tokenizers:      func(string) driven.Tokenizer { return mocks.NewMockTokenizer() },
		MaxEmbedRetries: maxRetries,
	})
	return f
}

// seedEmbeddingPlan stores a plan mid-embedding with queued chunks and
// returns the plan plus the stored chunk ids in sequence order.
func (f *embedderFixture) seedEmbeddingPlan(t *testing.T, chunkCount int) (*domain.ChunkPlan, []int64) {
	t.Helper()
	profile := domain.DefaultProfile()
	profile.Dimension = f.embedding.Dimensions()
	if err := f.profileStore.Save(context.Background(), profile); err != nil {
		t.Fatalf("save profile: %v", err)
	}

	plan := domain.NewChunkPlan("paper-1", profile.ID)
	if err := f.planStore.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	bundles := []*domain.Bundle{{
		Sequence:     1,
		Title:        "Q1",
		ComponentIDs: []int64{1, 2},
		SpanPaths:    []string{"1", "1.a"},
	}}
	var chunks []*domain.Chunk
	for i := 1; i <= chunkCount; i++ {
		chunks = append(chunks, &domain.Chunk{
			Sequence:       i,
			BundleSequence: 1,
			Text:           "differentiate the function " + strconv.Itoa(i),
			TokenCount:     4,
			Status:         domain.ChunkQueued,
		})
	}
	if err := f.planStore.ReplaceGeneration(context.Background(), plan.ID, bundles, chunks); err != nil {
		t.Fatalf("replace generation: %v", err)
	}
	for _, next := range []domain.PlanStatus{domain.PlanBundling, domain.PlanReady, domain.PlanEmbedding} {
		if err := plan.Transition(next); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	plan.ChunkCount = chunkCount
	if err := f.planStore.UpdatePlan(context.Background(), plan); err != nil {
		t.Fatalf("update plan: %v", err)
	}

	ids := make([]int64, 0, chunkCount)
	for _, c := range f.planStore.Chunks(plan.ID) {
		ids = append(ids, c.ID)
	}
	return plan, ids
}

func TestEmbedBatch(t *testing.T) {
	t.Run("embeds and completes the plan", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 3)

		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids); err != nil {
			t.Fatalf("EmbedBatch() error = %v", err)
		}

		for _, c := range f.planStore.Chunks(plan.ID) {
			if c.Status != domain.ChunkEmbedded {
				t.Errorf("chunk %d status = %s, want EMBEDDED", c.Sequence, c.Status)
			}
			wantPoint := plan.PointID(c.Sequence)
			if c.PointID != wantPoint {
				t.Errorf("chunk %d point id = %s, want %s", c.Sequence, c.PointID, wantPoint)
			}
			record, ok := f.vectorStore.Point(wantPoint)
			if !ok {
				t.Fatalf("point %s missing from the store", wantPoint)
			}
			if record.Payload.PlanUUID != plan.PlanID.String() {
				t.Errorf("payload plan = %s, want %s", record.Payload.PlanUUID, plan.PlanID)
			}
			if len(record.Payload.SpanPaths) != 2 {
				t.Errorf("payload span paths = %v, want the bundle's", record.Payload.SpanPaths)
			}
		}

		got, _ := f.planStore.GetPlan(context.Background(), plan.ID)
		if got.Status != domain.PlanEmbedded {
			t.Errorf("status = %s, want EMBEDDED", got.Status)
		}
		if got.EmbeddedAt == nil {
			t.Error("embedded_at should be stamped")
		}
	})

	t.Run("plan completes only after the last batch", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 4)

		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids[:2]); err != nil {
			t.Fatalf("first batch: %v", err)
		}
		got, _ := f.planStore.GetPlan(context.Background(), plan.ID)
		if got.Status != domain.PlanEmbedding {
			t.Fatalf("status = %s after first batch, want EMBEDDING", got.Status)
		}

		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids[2:]); err != nil {
			t.Fatalf("second batch: %v", err)
		}
		got, _ = f.planStore.GetPlan(context.Background(), plan.ID)
		if got.Status != domain.PlanEmbedded {
			t.Errorf("status = %s after last batch, want EMBEDDED", got.Status)
		}
	})

	t.Run("replaying a batch does not duplicate points", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 2)

		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids); err != nil {
			t.Fatalf("EmbedBatch() error = %v", err)
		}
		first := f.vectorStore.PointCount()
		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids); err != nil {
			t.Fatalf("replay: %v", err)
		}
		if f.vectorStore.PointCount() != first {
			t.Errorf("point count %d -> %d, replay must overwrite", first, f.vectorStore.PointCount())
		}
	})
}

func TestEmbedBatchFailure(t *testing.T) {
	t.Run("marks chunks failed and spends a retry", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 2)
		f.embedding.SetFailNext(true)

		err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids)
		if !errors.Is(err, domain.ErrEmbedding) {
			t.Fatalf("EmbedBatch() error = %v, want ErrEmbedding", err)
		}

		for _, c := range f.planStore.Chunks(plan.ID) {
			if c.Status != domain.ChunkFailed {
				t.Errorf("chunk %d status = %s, want FAILED", c.Sequence, c.Status)
			}
			if c.LastError == "" {
				t.Errorf("chunk %d missing failure cause", c.Sequence)
			}
		}
		got, _ := f.planStore.GetPlan(context.Background(), plan.ID)
		if got.EmbedRetries != 1 {
			t.Errorf("embed retries = %d, want 1", got.EmbedRetries)
		}
		if got.Status != domain.PlanEmbedding {
			t.Errorf("status = %s, want EMBEDDING while budget remains", got.Status)
		}
	})

	t.Run("exhausted budget fails the plan", func(t *testing.T) {
		f := newEmbedderFixture(2)
		plan, ids := f.seedEmbeddingPlan(t, 2)

		for attempt := 1; attempt <= 2; attempt++ {
			f.embedding.SetFailNext(true)
			if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids); err == nil {
				t.Fatalf("attempt %d: expected an error", attempt)
			}
		}

		got, _ := f.planStore.GetPlan(context.Background(), plan.ID)
		if got.Status != domain.PlanFailed {
			t.Fatalf("status = %s, want FAILED after the budget is spent", got.Status)
		}
		if got.LastError == "" {
			t.Error("plan should record the failure cause")
		}
		if got.EmbedRetries != 2 {
			t.Errorf("embed retries = %d, want 2", got.EmbedRetries)
		}
	})

	t.Run("one failed batch does not sink the healthy one", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 10)

		f.embedding.SetFailNext(true)
		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids[:5]); err == nil {
			t.Fatal("expected the poisoned batch to fail")
		}
		if err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids[5:]); err != nil {
			t.Fatalf("healthy batch: %v", err)
		}

		embedded, failed := 0, 0
		for _, c := range f.planStore.Chunks(plan.ID) {
			switch c.Status {
			case domain.ChunkEmbedded:
				embedded++
			case domain.ChunkFailed:
				failed++
			}
		}
		if embedded != 5 || failed != 5 {
			t.Errorf("chunks = %d embedded / %d failed, want 5/5", embedded, failed)
		}

		// Failed chunks remain retryable, so the plan must stay open.
		got, _ := f.planStore.GetPlan(context.Background(), plan.ID)
		if got.Status != domain.PlanEmbedding {
			t.Errorf("status = %s, want EMBEDDING while retries remain", got.Status)
		}
	})

	t.Run("schema mismatch fails the batch", func(t *testing.T) {
		f := newEmbedderFixture(3)
		plan, ids := f.seedEmbeddingPlan(t, 1)
		f.vectorStore.EnsureErr = domain.ErrSchemaMismatch

		err := f.embedder.EmbedBatch(context.Background(), plan.ID, ids)
		if !errors.Is(err, domain.ErrSchemaMismatch) {
			t.Fatalf("EmbedBatch() error = %v, want ErrSchemaMismatch", err)
		}
		for _, c := range f.planStore.Chunks(plan.ID) {
			if c.Status != domain.ChunkFailed {
				t.Errorf("chunk status = %s, want FAILED", c.Status)
			}
		}
	})
}
