package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven/mocks"
)

type searchFixture struct {
	docStore     *mocks.MockDocumentStore
	planStore    *mocks.MockPlanStore
	profileStore *mocks.MockProfileStore
	vectorStore  *mocks.MockVectorStore
	embedding    *mocks.MockEmbeddingService
	service      *SearchService
}

func newSearchFixture() *searchFixture {
	f := &searchFixture{
		docStore:     mocks.NewMockDocumentStore(),
		planStore:    mocks.NewMockPlanStore(),
		profileStore: mocks.NewMockProfileStore(),
		vectorStore:  mocks.NewMockVectorStore(),
		embedding:    mocks.NewMockEmbeddingService(),
	}
	f.service = NewSearchService(SearchServiceConfig{
		DocumentStore: f.docStore,
		PlanStore:     f.planStore,
		ProfileStore:  f.profileStore,
		VectorStore:   f.vectorStore,
		Embedding:     f.embedding,
	})
	return f
}

func TestKeywordSearch(t *testing.T) {
	t.Run("maps blueprint to a filtered query", func(t *testing.T) {
		f := newSearchFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{
			{
				ComponentID: 7,
				PaperID:     "paper-1",
				PaperCode:   "0625/42",
				Subject:     "Physics",
				Year:        2022,
				Path:        "Q3 / b",
				Snippet:     "state the formula for centripetal force",
				Score:       0.8,
				MatchTerms:  []string{"centripetal"},
			},
		}

		from := 2022
		bp := domain.QueryBlueprint{
			RawQuery:     "2022 physics mark scheme centripetal force",
			Subject:      "Physics",
			ResourceType: "mark_scheme",
			Years:        domain.YearRange{From: &from, To: &from},
			Keywords:     []string{"centripetal", "force"},
		}
		candidates, err := f.service.KeywordSearch(context.Background(), bp, 25)
		if err != nil {
			t.Fatalf("KeywordSearch() error = %v", err)
		}

		if len(f.docStore.KeywordQueries) != 1 {
			t.Fatalf("store saw %d queries, want 1", len(f.docStore.KeywordQueries))
		}
		query := f.docStore.KeywordQueries[0]
		if query.PaperType != "ms" {
			t.Errorf("paper type = %q, want ms", query.PaperType)
		}
		if query.Limit != 25 {
			t.Errorf("limit = %d, want 25", query.Limit)
		}

		if len(candidates) != 1 {
			t.Fatalf("got %d candidates, want 1", len(candidates))
		}
		c := candidates[0]
		if !c.HasSource(domain.SourceKeyword) {
			t.Error("candidate missing keyword source tag")
		}
		if got, ok := c.Metadata["component_id"].(int64); !ok || got != 7 {
			t.Errorf("component_id metadata = %v, want 7", c.Metadata["component_id"])
		}
		if c.Path != "Q3 / b" || c.Year != 2022 {
			t.Errorf("candidate = %q year %d", c.Path, c.Year)
		}
	})

	t.Run("long snippets are truncated", func(t *testing.T) {
		f := newSearchFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{
			{PaperID: "paper-1", Path: "Q1", Snippet: strings.Repeat("x", 400)},
		}
		candidates, err := f.service.KeywordSearch(context.Background(), domain.QueryBlueprint{RawQuery: "query"}, 10)
		if err != nil {
			t.Fatalf("KeywordSearch() error = %v", err)
		}
		snippet := candidates[0].Snippet
		if len(snippet) != snippetMax {
			t.Errorf("snippet length = %d, want %d", len(snippet), snippetMax)
		}
		if !strings.HasSuffix(snippet, "...") {
			t.Error("truncated snippet should end with ellipsis")
		}
	})

	t.Run("empty raw query short-circuits", func(t *testing.T) {
		f := newSearchFixture()
		candidates, err := f.service.KeywordSearch(context.Background(), domain.QueryBlueprint{RawQuery: "  "}, 10)
		if err != nil {
			t.Fatalf("KeywordSearch() error = %v", err)
		}
		if candidates != nil {
			t.Errorf("got %d candidates, want none", len(candidates))
		}
		if len(f.docStore.KeywordQueries) != 0 {
			t.Error("store should not be queried for an empty query")
		}
	})
}

func TestSemanticSearch(t *testing.T) {
	seedPlan := func(t *testing.T, f *searchFixture) (*domain.ChunkPlan, *domain.Chunk) {
		t.Helper()
		profile := domain.DefaultProfile()
		if err := f.profileStore.Save(context.Background(), profile); err != nil {
			t.Fatalf("save profile: %v", err)
		}
		plan := domain.NewChunkPlan("paper-1", profile.ID)
		if err := f.planStore.CreatePlan(context.Background(), plan); err != nil {
			t.Fatalf("create plan: %v", err)
		}
		err := f.planStore.ReplaceGeneration(context.Background(), plan.ID,
			[]*domain.Bundle{{Sequence: 1, Title: "Q1", SpanPaths: []string{"Q1"}}},
			[]*domain.Chunk{{Sequence: 1, BundleSequence: 1, Text: "the centripetal force on a mass", Status: domain.ChunkPending}},
		)
		if err != nil {
			t.Fatalf("replace generation: %v", err)
		}
		chunk := f.planStore.Chunks(plan.ID)[0]
		if err := f.planStore.MarkChunkEmbedded(context.Background(), chunk.ID, "pt-1"); err != nil {
			t.Fatalf("mark embedded: %v", err)
		}
		if err := f.planStore.ActivatePlan(context.Background(), plan.ID); err != nil {
			t.Fatalf("activate plan: %v", err)
		}
		return plan, chunk
	}

	t.Run("resolves hits to chunk-backed candidates", func(t *testing.T) {
		f := newSearchFixture()
		plan, chunk := seedPlan(t, f)
		f.vectorStore.SearchHits = []driven.VectorHit{
			{
				PointID: "pt-1",
				Score:   0.91,
				Payload: driven.VectorPayload{
					PlanUUID:       plan.PlanID.String(),
					PaperID:        "paper-1",
					BundleSequence: 1,
					SpanPaths:      []string{"Q1", "a"},
				},
			},
		}

		candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion"}, 10)
		if err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if len(candidates) != 1 {
			t.Fatalf("got %d candidates, want 1", len(candidates))
		}
		c := candidates[0]
		if c.Path != "Q1 / a" {
			t.Errorf("path = %q, want Q1 / a", c.Path)
		}
		if c.Snippet != "the centripetal force on a mass" {
			t.Errorf("snippet = %q", c.Snippet)
		}
		if c.Score != 0.91 {
			t.Errorf("score = %v, want 0.91", c.Score)
		}
		if !c.FromActive {
			t.Error("semantic candidates should be marked from the active plan")
		}
		if got, ok := c.Metadata["chunk_id"].(int64); !ok || got != chunk.ID {
			t.Errorf("chunk_id metadata = %v, want %d", c.Metadata["chunk_id"], chunk.ID)
		}
	})

	t.Run("splits the limit across active profiles", func(t *testing.T) {
		f := newSearchFixture()
		first := domain.DefaultProfile()
		second := domain.DefaultProfile()
		second.Slug = "default-large"
		second.Collection = "papyr_default_large"
		for _, p := range []*domain.IndexProfile{first, second} {
			if err := f.profileStore.Save(context.Background(), p); err != nil {
				t.Fatalf("save profile: %v", err)
			}
			plan := domain.NewChunkPlan("paper-1", p.ID)
			if err := f.planStore.CreatePlan(context.Background(), plan); err != nil {
				t.Fatalf("create plan: %v", err)
			}
			if err := f.planStore.ActivatePlan(context.Background(), plan.ID); err != nil {
				t.Fatalf("activate plan: %v", err)
			}
		}

		var topKs []int
		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			topKs = append(topKs, topK)
			return nil, nil
		}

		if _, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "enzymes"}, 10); err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if len(topKs) != 2 {
			t.Fatalf("searched %d collections, want 2", len(topKs))
		}
		for _, k := range topKs {
			if k != 5 {
				t.Errorf("per-profile top-k = %d, want 5", k)
			}
		}
	})

	t.Run("filter carries only the active plan uuids", func(t *testing.T) {
		f := newSearchFixture()
		active, _ := seedPlan(t, f)
		superseded := domain.NewChunkPlan("paper-2", active.ProfileID)
		if err := f.planStore.CreatePlan(context.Background(), superseded); err != nil {
			t.Fatalf("create plan: %v", err)
		}

		var sent []driven.VectorFilter
		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			sent = append(sent, filter)
			return nil, nil
		}

		if _, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion"}, 10); err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if len(sent) != 1 {
			t.Fatalf("searched %d times, want 1", len(sent))
		}
		if len(sent[0].PlanUUIDs) != 1 || sent[0].PlanUUIDs[0] != active.PlanID.String() {
			t.Errorf("filter plan uuids = %v, want only %s", sent[0].PlanUUIDs, active.PlanID)
		}
	})

	t.Run("profiles without an active plan are skipped", func(t *testing.T) {
		f := newSearchFixture()
		profile := domain.DefaultProfile()
		if err := f.profileStore.Save(context.Background(), profile); err != nil {
			t.Fatalf("save profile: %v", err)
		}
		plan := domain.NewChunkPlan("paper-1", profile.ID)
		if err := f.planStore.CreatePlan(context.Background(), plan); err != nil {
			t.Fatalf("create plan: %v", err)
		}

		calls := 0
		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			calls++
			return nil, nil
		}

		candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion"}, 10)
		if err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if calls != 0 {
			t.Errorf("vector store queried %d times for an inactive plan, want 0", calls)
		}
		if candidates != nil {
			t.Errorf("got %d candidates, want none", len(candidates))
		}
	})

	t.Run("hits from superseded plans are discarded", func(t *testing.T) {
		f := newSearchFixture()
		active, _ := seedPlan(t, f)
		stale := domain.NewChunkPlan("paper-2", active.ProfileID)
		if err := f.planStore.CreatePlan(context.Background(), stale); err != nil {
			t.Fatalf("create plan: %v", err)
		}

		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			return []driven.VectorHit{
				{
					PointID: "pt-1",
					Score:   0.9,
					Payload: driven.VectorPayload{PlanUUID: active.PlanID.String(), PaperID: "paper-1", SpanPaths: []string{"Q1"}},
				},
				{
					PointID: "pt-stale",
					Score:   0.95,
					Payload: driven.VectorPayload{PlanUUID: stale.PlanID.String(), PaperID: "paper-2", SpanPaths: []string{"Q7"}},
				},
			}, nil
		}

		candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion"}, 10)
		if err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if len(candidates) != 1 {
			t.Fatalf("got %d candidates, want the active plan's hit only", len(candidates))
		}
		if candidates[0].PaperID != "paper-1" {
			t.Errorf("candidate paper = %q, want paper-1", candidates[0].PaperID)
		}
		if !candidates[0].FromActive {
			t.Error("surviving candidate should be marked from the active plan")
		}
	})

	t.Run("blueprint paper filters narrow the plan set", func(t *testing.T) {
		f := newSearchFixture()
		seedPlan(t, f)
		f.planStore.SetPaperMeta("paper-1", mocks.PaperMeta{
			Subject: "Physics", PaperType: "qp", Year: 2021,
		})

		calls := 0
		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			calls++
			return nil, nil
		}

		from := 2023
		if _, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion", Years: domain.YearRange{From: &from}}, 10); err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if calls != 0 {
			t.Errorf("vector store queried %d times outside the year range, want 0", calls)
		}
	})

	t.Run("one failing collection does not empty the pass", func(t *testing.T) {
		f := newSearchFixture()
		plan, _ := seedPlan(t, f)
		second := domain.DefaultProfile()
		second.Slug = "default-large"
		second.Collection = "papyr_default_large"
		if err := f.profileStore.Save(context.Background(), second); err != nil {
			t.Fatalf("save profile: %v", err)
		}

		calls := 0
		f.vectorStore.SearchFn = func(vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("collection offline")
			}
			return []driven.VectorHit{{
				PointID: "pt-1",
				Score:   0.5,
				Payload: driven.VectorPayload{PlanUUID: plan.PlanID.String(), PaperID: "paper-1", BundleSequence: 1, SpanPaths: []string{"Q1"}},
			}}, nil
		}

		candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "circular motion"}, 10)
		if err != nil {
			t.Fatalf("SemanticSearch() error = %v", err)
		}
		if len(candidates) != 1 {
			t.Fatalf("got %d candidates, want the healthy collection's hit", len(candidates))
		}
	})

	t.Run("empty seed and no profiles short-circuit", func(t *testing.T) {
		f := newSearchFixture()
		if candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: " "}, 10); err != nil || candidates != nil {
			t.Errorf("empty seed: candidates %v err %v", candidates, err)
		}
		if candidates, err := f.service.SemanticSearch(context.Background(),
			domain.QueryBlueprint{SemanticSeed: "enzymes"}, 10); err != nil || candidates != nil {
			t.Errorf("no profiles: candidates %v err %v", candidates, err)
		}
	})
}

func TestExpandCandidates(t *testing.T) {
	f := newSearchFixture()
	f.docStore.SetContext(7, &driven.ComponentContext{
		ParentPath:   "Q1",
		SiblingPaths: []string{"Q1 / b", "Q1 / a"},
	})

	workspace := domain.NewSearchWorkspace("run-1")
	workspace.AddCandidate(&domain.WorkspaceCandidate{
		PaperID:  "paper-1",
		Path:     "Q1 / a",
		Score:    0.8,
		Sources:  []domain.CandidateSource{domain.SourceKeyword},
		Metadata: map[string]interface{}{"component_id": int64(7)},
	})
	// Semantic-only candidates have no component anchor and are skipped.
	workspace.AddCandidate(&domain.WorkspaceCandidate{
		PaperID: "paper-1",
		Path:    "Q4",
		Score:   0.9,
		Sources: []domain.CandidateSource{domain.SourceSemantic},
	})

	added := f.service.ExpandCandidates(context.Background(), workspace, 10)
	if added != 2 {
		t.Fatalf("added = %d, want 2 (parent and one sibling)", added)
	}

	parent := workspace.Get("paper-1#Q1")
	if parent == nil {
		t.Fatal("parent path should have joined the workspace")
	}
	if parent.Score != 0.4 {
		t.Errorf("expansion score = %v, want half the anchor's", parent.Score)
	}
	if !parent.HasSource(domain.SourceExpansion) {
		t.Error("expansion candidate missing source tag")
	}
	if workspace.Get("paper-1#Q1 / b") == nil {
		t.Error("sibling path should have joined the workspace")
	}
	// The anchor's own path must not be duplicated.
	if workspace.Size() != 4 {
		t.Errorf("workspace size = %d, want 4", workspace.Size())
	}
}
