package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven/mocks"
)

type runnerFixture struct {
	*searchFixture
	llm       *mocks.MockLLMService
	publisher *mocks.MockProgressPublisher
	quota     *mocks.MockConcurrencyQuota
}

func newRunnerFixture() *runnerFixture {
	return &runnerFixture{
		searchFixture: newSearchFixture(),
		llm:           mocks.NewMockLLMService(),
		publisher:     mocks.NewMockProgressPublisher(),
		quota:         mocks.NewMockConcurrencyQuota(2),
	}
}

func (f *runnerFixture) runner(cfg RunnerConfig) *Runner {
	cfg.Search = f.service
	cfg.Publisher = f.publisher
	if cfg.Quota == nil {
		cfg.Quota = f.quota
	}
	return NewRunner(cfg)
}

// seedSemanticHit stands up one active plan with an embedded chunk and a
// matching vector hit so the semantic pass produces a candidate.
func seedSemanticHit(t *testing.T, f *runnerFixture, score float64) {
	t.Helper()
	profile := domain.DefaultProfile()
	if err := f.profileStore.Save(context.Background(), profile); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	plan := domain.NewChunkPlan("paper-sem", profile.ID)
	if err := f.planStore.CreatePlan(context.Background(), plan); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	err := f.planStore.ReplaceGeneration(context.Background(), plan.ID,
		[]*domain.Bundle{{Sequence: 1, Title: "Q1", SpanPaths: []string{"Q1"}}},
		[]*domain.Chunk{{Sequence: 1, BundleSequence: 1, Text: "expand the quadratic into factorised form", Status: domain.ChunkPending}},
	)
	if err != nil {
		t.Fatalf("replace generation: %v", err)
	}
	chunk := f.planStore.Chunks(plan.ID)[0]
	if err := f.planStore.MarkChunkEmbedded(context.Background(), chunk.ID, "pt-sem"); err != nil {
		t.Fatalf("mark embedded: %v", err)
	}
	if err := f.planStore.ActivatePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("activate plan: %v", err)
	}
	f.planStore.SetPaperMeta("paper-sem", mocks.PaperMeta{
		Subject: "Mathematics", PaperType: "qp", Year: 2023,
	})
	f.vectorStore.SearchHits = []driven.VectorHit{{
		PointID: "pt-sem",
		Score:   score,
		Payload: driven.VectorPayload{
			PlanUUID:       plan.PlanID.String(),
			PaperID:        "paper-sem",
			BundleSequence: 1,
			SpanPaths:      []string{"Q1", "a"},
		},
	}}
}

func keywordHit(path string, year int, score float64) driven.KeywordHit {
	return driven.KeywordHit{
		ComponentID: 1,
		PaperID:     "paper-" + path,
		PaperCode:   "9709/12",
		Subject:     "Mathematics",
		Year:        year,
		Path:        path,
		Snippet:     "solve the quadratic equation",
		Score:       score,
	}
}

func TestRunnerHappyPath(t *testing.T) {
	f := newRunnerFixture()
	f.docStore.KeywordHits = []driven.KeywordHit{
		keywordHit("Q1", 2022, 0.9),
		keywordHit("Q2", 2022, 0.8),
		keywordHit("Q3", 2023, 0.7),
	}
	runner := f.runner(RunnerConfig{})

	results, err := runner.Run(context.Background(), "run-1",
		"find 2022 algebra past paper questions", RunOptions{Limit: 2, Scope: "user-1"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	// One result per year first, score order within that.
	if results[0].Year != 2022 || results[1].Year != 2023 {
		t.Errorf("years = [%d, %d], want [2022, 2023]", results[0].Year, results[1].Year)
	}
	if !strings.Contains(results[0].Reason, "diversity") {
		t.Errorf("reason = %q, want a diversity mention", results[0].Reason)
	}

	kinds := f.publisher.Kinds()
	if len(kinds) == 0 || kinds[0] != domain.EventStarted {
		t.Fatalf("first event = %v, want started", kinds)
	}
	if kinds[len(kinds)-1] != domain.EventComplete {
		t.Errorf("last event = %s, want complete", kinds[len(kinds)-1])
	}
	var sawKeyword, sawSemantic, sawIntent bool
	terminals := 0
	for _, k := range kinds {
		switch k {
		case domain.EventKeywordPass:
			sawKeyword = true
		case domain.EventSemanticPass:
			sawSemantic = true
		case domain.EventIntent:
			sawIntent = true
		}
		if (domain.ProgressEvent{Kind: k}).Terminal() {
			terminals++
		}
	}
	if !sawIntent || !sawKeyword || !sawSemantic {
		t.Errorf("events %v missing a pipeline stage", kinds)
	}
	if terminals != 1 {
		t.Errorf("saw %d terminal events, want exactly 1", terminals)
	}

	if f.quota.HeldCount("user-1") != 0 {
		t.Error("quota slot should be released after the run")
	}
}

func TestRunnerSafeguardReject(t *testing.T) {
	f := newRunnerFixture()
	runner := f.runner(RunnerConfig{})

	_, err := runner.Run(context.Background(), "run-1",
		"how do i hack the examiner portal", RunOptions{})
	if !errors.Is(err, domain.ErrSafeguardRejected) {
		t.Fatalf("Run() error = %v, want ErrSafeguardRejected", err)
	}

	kinds := f.publisher.Kinds()
	if kinds[len(kinds)-1] != domain.EventError {
		t.Errorf("last event = %s, want error", kinds[len(kinds)-1])
	}
	if len(f.docStore.KeywordQueries) != 0 {
		t.Error("no retrieval pass should run after a rejection")
	}
}

func TestRunnerQuotaExceeded(t *testing.T) {
	f := newRunnerFixture()
	quota := mocks.NewMockConcurrencyQuota(1)
	if _, err := quota.Acquire(context.Background(), "user-1"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	runner := f.runner(RunnerConfig{Quota: quota})

	_, err := runner.Run(context.Background(), "run-1",
		"find 2022 algebra questions", RunOptions{Scope: "user-1"})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("Run() error = %v, want ErrQuotaExceeded", err)
	}

	kinds := f.publisher.Kinds()
	if len(kinds) != 1 || kinds[0] != domain.EventError {
		t.Errorf("events = %v, want a single error event", kinds)
	}
}

func TestRunnerQuotaAcquireFailure(t *testing.T) {
	f := newRunnerFixture()
	quota := mocks.NewMockConcurrencyQuota(1)
	quota.AcquireFn = func(scope string) (string, error) {
		return "", errors.New("quota backend unavailable")
	}
	runner := f.runner(RunnerConfig{Quota: quota})

	_, err := runner.Run(context.Background(), "run-1",
		"find algebra questions", RunOptions{Scope: "user-1"})
	if err == nil {
		t.Fatal("Run() should surface the acquire failure")
	}

	kinds := f.publisher.Kinds()
	if len(kinds) != 1 || kinds[0] != domain.EventError {
		t.Errorf("events = %v, want a single error event", kinds)
	}
}

func TestRunnerPassFailureDegrades(t *testing.T) {
	t.Run("keyword store failure keeps the semantic pass", func(t *testing.T) {
		f := newRunnerFixture()
		seedSemanticHit(t, f, 0.8)
		f.docStore.SearchKeywordFn = func(query driven.KeywordQuery) ([]driven.KeywordHit, error) {
			return nil, errors.New("document index offline")
		}
		runner := f.runner(RunnerConfig{})

		results, err := runner.Run(context.Background(), "run-1",
			"find algebra questions", RunOptions{Limit: 5})
		if err != nil {
			t.Fatalf("Run() should survive a keyword pass failure, got %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("got %d results, want the semantic pass survivor", len(results))
		}
		if results[0].PaperID != "paper-sem" {
			t.Errorf("result paper = %q, want paper-sem", results[0].PaperID)
		}

		kinds := f.publisher.Kinds()
		if kinds[len(kinds)-1] != domain.EventComplete {
			t.Errorf("last event = %s, want complete", kinds[len(kinds)-1])
		}
		var sawSkip, sawKeywordPass bool
		for _, e := range f.publisher.Events() {
			if e.Kind == domain.EventMessage && strings.Contains(e.Message, "Keyword pass skipped") {
				sawSkip = true
			}
			if e.Kind == domain.EventKeywordPass {
				sawKeywordPass = true
			}
		}
		if !sawSkip {
			t.Error("expected a keyword pass skipped message")
		}
		if sawKeywordPass {
			t.Error("no keyword pass event should follow a store failure")
		}
	})

	t.Run("query embedding failure keeps the keyword pass", func(t *testing.T) {
		f := newRunnerFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q1", 2022, 0.9)}
		f.embedding.SetFailNext(true)
		runner := f.runner(RunnerConfig{})

		results, err := runner.Run(context.Background(), "run-1",
			"find algebra questions", RunOptions{Limit: 5})
		if err != nil {
			t.Fatalf("Run() should survive a semantic pass failure, got %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("got %d results, want the keyword pass survivor", len(results))
		}

		kinds := f.publisher.Kinds()
		if kinds[len(kinds)-1] != domain.EventComplete {
			t.Errorf("last event = %s, want complete", kinds[len(kinds)-1])
		}
		var sawSkip bool
		for _, e := range f.publisher.Events() {
			if e.Kind == domain.EventMessage && strings.Contains(e.Message, "Semantic pass skipped") {
				sawSkip = true
			}
		}
		if !sawSkip {
			t.Error("expected a semantic pass skipped message")
		}
	})
}

func TestRunnerDropsWeakCandidates(t *testing.T) {
	f := newRunnerFixture()
	f.docStore.KeywordHits = []driven.KeywordHit{
		keywordHit("Q1", 2022, 0.9),
		keywordHit("Q2", 2023, 0.02),
	}
	runner := f.runner(RunnerConfig{})

	results, err := runner.Run(context.Background(), "run-1",
		"find algebra questions", RunOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want the weak candidate pruned", len(results))
	}
	if results[0].Path != "Q1" {
		t.Errorf("result = %q, want Q1", results[0].Path)
	}

	var dropped int
	for _, e := range f.publisher.Events() {
		if e.Kind == domain.EventMessage && e.Message == "Round summary" {
			if d, ok := e.Data["dropped"].(int); ok {
				dropped = d
			}
		}
	}
	if dropped != 1 {
		t.Errorf("round summary dropped = %d, want 1", dropped)
	}
}

func TestRunnerPrefersActivePlanCandidates(t *testing.T) {
	f := newRunnerFixture()
	seedSemanticHit(t, f, 0.5)
	f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q5", 2022, 0.52)}
	runner := f.runner(RunnerConfig{})

	results, err := runner.Run(context.Background(), "run-1",
		"find algebra questions", RunOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// The active-plan hit scores 0.5 against the keyword hit's 0.52 and
	// still wins on the activity preference.
	if results[0].PaperID != "paper-sem" {
		t.Errorf("top result = %q, want the active-plan hit", results[0].PaperID)
	}
}

func TestRunnerIntentFallback(t *testing.T) {
	f := newRunnerFixture()
	f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q1", 2022, 0.9)}
	f.llm.ParseIntentFn = func(query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
		return nil, mocks.FailingLLMError("parse intent")
	}
	runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMIntent: true})

	results, err := runner.Run(context.Background(), "run-1",
		"find 2022 physics paper questions", RunOptions{Limit: 5})
	if err != nil {
		t.Fatalf("Run() should degrade to heuristics, got %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected heuristic results despite the intent failure")
	}

	var sawFallback bool
	for _, e := range f.publisher.Events() {
		if e.Kind == domain.EventMessage && strings.Contains(e.Message, "Intent fallback") {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("expected an intent fallback message event")
	}
}

func TestRunnerClarifyFlow(t *testing.T) {
	t.Run("reply resumes the run", func(t *testing.T) {
		f := newRunnerFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q1", 2023, 0.9)}
		f.llm.ParseIntentFn = func(query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
			if len(history) == 0 {
				return &domain.IntentResult{
					Action:             domain.SafeguardAllow,
					NeedsClarification: true,
					ClarifyPrompt:      "Which subject?",
				}, nil
			}
			return &domain.IntentResult{
				Action: domain.SafeguardAllow,
				Blueprint: &domain.QueryBlueprint{
					RawQuery:     query,
					ResourceType: "question",
					SemanticSeed: query,
				},
			}, nil
		}
		runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMIntent: true})

		// The clarify channel is registered before the event is published,
		// so replying from the emit hook cannot race the wait.
		f.publisher.EmitFn = func(event domain.ProgressEvent) error {
			if event.Kind == domain.EventClarify {
				if err := runner.SubmitClarification("run-1", "physics please"); err != nil {
					t.Errorf("SubmitClarification() error = %v", err)
				}
			}
			return nil
		}

		results, err := runner.Run(context.Background(), "run-1",
			"papers from last year", RunOptions{Limit: 5})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(results) == 0 {
			t.Fatal("expected results after the clarification round trip")
		}
		if f.llm.ParseIntentCalls != 2 {
			t.Errorf("ParseIntent called %d times, want 2", f.llm.ParseIntentCalls)
		}
	})

	t.Run("timeout aborts the run", func(t *testing.T) {
		f := newRunnerFixture()
		f.llm.ParseIntentFn = func(query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
			return &domain.IntentResult{
				Action:             domain.SafeguardAllow,
				NeedsClarification: true,
				ClarifyPrompt:      "Which subject?",
			}, nil
		}
		runner := f.runner(RunnerConfig{
			LLM:            f.llm,
			UseLLMIntent:   true,
			ClarifyTimeout: 20 * time.Millisecond,
		})

		_, err := runner.Run(context.Background(), "run-1",
			"papers from last year", RunOptions{})
		if !errors.Is(err, domain.ErrClarifyTimeout) {
			t.Fatalf("Run() error = %v, want ErrClarifyTimeout", err)
		}

		kinds := f.publisher.Kinds()
		var sawClarify bool
		for _, k := range kinds {
			if k == domain.EventClarify {
				sawClarify = true
			}
		}
		if !sawClarify {
			t.Error("expected a clarify event before the timeout")
		}
		if kinds[len(kinds)-1] != domain.EventError {
			t.Errorf("last event = %s, want error", kinds[len(kinds)-1])
		}
	})

	t.Run("cancellation still emits a terminal event", func(t *testing.T) {
		f := newRunnerFixture()
		f.llm.ParseIntentFn = func(query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
			return &domain.IntentResult{
				Action:             domain.SafeguardAllow,
				NeedsClarification: true,
				ClarifyPrompt:      "Which subject?",
			}, nil
		}
		runner := f.runner(RunnerConfig{
			LLM:            f.llm,
			UseLLMIntent:   true,
			ClarifyTimeout: time.Second,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var kinds []domain.EventKind
		f.publisher.EmitFn = func(event domain.ProgressEvent) error {
			kinds = append(kinds, event.Kind)
			if event.Kind == domain.EventClarify {
				cancel()
			}
			return nil
		}

		_, err := runner.Run(ctx, "run-1", "papers from last year", RunOptions{})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}

		terminals := 0
		for _, k := range kinds {
			if (domain.ProgressEvent{Kind: k}).Terminal() {
				terminals++
			}
		}
		if terminals != 1 {
			t.Errorf("saw %d terminal events, want exactly 1", terminals)
		}
		if len(kinds) == 0 || kinds[len(kinds)-1] != domain.EventError {
			t.Errorf("last event = %v, want error", kinds)
		}
	})

	t.Run("reply without a waiting run is rejected", func(t *testing.T) {
		f := newRunnerFixture()
		runner := f.runner(RunnerConfig{})
		if err := runner.SubmitClarification("run-x", "hello"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("SubmitClarification() error = %v, want ErrNotFound", err)
		}
	})
}

func TestRunnerRefinerLoop(t *testing.T) {
	f := newRunnerFixture()
	f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q1", 2022, 0.9)}
	refineCalls := 0
	f.llm.RefineFn = func(blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error) {
		refineCalls++
		revised := blueprint.Clone()
		revised.Keywords = append(revised.Keywords, "surds")
		action := domain.RefineContinue
		if refineCalls >= 2 {
			action = domain.RefineStop
		}
		return &domain.BlueprintRevision{Action: action, Blueprint: revised}, nil
	}
	runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMRefiner: true, MaxRounds: 5})

	if _, err := runner.Run(context.Background(), "run-1",
		"find 2022 algebra questions", RunOptions{Limit: 5}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Round one, refine(continue), round two, refine(stop).
	if refineCalls != 2 {
		t.Errorf("refiner called %d times, want 2", refineCalls)
	}
	if got := len(f.docStore.KeywordQueries); got != 2 {
		t.Errorf("keyword passes = %d, want 2", got)
	}
}

func TestRunnerRefinerNeverExceedsMaxRounds(t *testing.T) {
	f := newRunnerFixture()
	f.docStore.KeywordHits = []driven.KeywordHit{keywordHit("Q1", 2022, 0.9)}
	f.llm.RefineFn = func(blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error) {
		return &domain.BlueprintRevision{Action: domain.RefineContinue, Blueprint: blueprint}, nil
	}
	runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMRefiner: true, MaxRounds: 3})

	if _, err := runner.Run(context.Background(), "run-1",
		"find 2022 algebra questions", RunOptions{Limit: 5}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(f.docStore.KeywordQueries); got != 3 {
		t.Errorf("keyword passes = %d, want the hard cap of 3", got)
	}
}

func TestRunnerLLMRerank(t *testing.T) {
	t.Run("decisions order the final results", func(t *testing.T) {
		f := newRunnerFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{
			keywordHit("Q1", 2022, 0.9),
			keywordHit("Q2", 2023, 0.8),
		}
		f.llm.RerankFn = func(blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error) {
			// Prefer the lower-scored candidate.
			return &domain.RerankResult{
				Decisions: []domain.RerankDecision{
					{CandidateID: "cand:paper-Q2:Q2", Score: 0.99, Reason: "better match"},
					{CandidateID: "cand:paper-Q1:Q1", Score: 0.42, Reason: "partial"},
				},
				Provenance: map[string]string{"model": "mock-llm-model"},
			}, nil
		}
		runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMRerank: true})

		results, err := runner.Run(context.Background(), "run-1",
			"find 2022 algebra questions", RunOptions{Limit: 2})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Path != "Q2" {
			t.Errorf("top result = %q, want the reranker's pick Q2", results[0].Path)
		}
		if results[0].RerankScore != 0.99 || results[0].Reason != "better match" {
			t.Errorf("rerank score %v reason %q not carried over", results[0].RerankScore, results[0].Reason)
		}
	})

	t.Run("client failure falls back to heuristics", func(t *testing.T) {
		f := newRunnerFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{
			keywordHit("Q1", 2022, 0.9),
			keywordHit("Q2", 2023, 0.8),
		}
		f.llm.RerankFn = func(blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error) {
			return nil, mocks.FailingLLMError("rerank")
		}
		runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMRerank: true})

		results, err := runner.Run(context.Background(), "run-1",
			"find 2022 algebra questions", RunOptions{Limit: 2})
		if err != nil {
			t.Fatalf("Run() should degrade to heuristics, got %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if results[0].Path != "Q1" {
			t.Errorf("top result = %q, want heuristic score order", results[0].Path)
		}

		var provenance map[string]string
		for _, e := range f.publisher.Events() {
			if e.Kind == domain.EventRerankProvenance {
				provenance, _ = e.Data["provenance"].(map[string]string)
			}
		}
		if provenance == nil || provenance["provider"] != "heuristic" {
			t.Errorf("rerank provenance = %v, want the heuristic provider", provenance)
		}
	})

	t.Run("sparse decisions are topped up heuristically", func(t *testing.T) {
		f := newRunnerFixture()
		f.docStore.KeywordHits = []driven.KeywordHit{
			keywordHit("Q1", 2022, 0.9),
			keywordHit("Q2", 2023, 0.8),
			keywordHit("Q3", 2024, 0.7),
		}
		f.llm.RerankFn = func(blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error) {
			return &domain.RerankResult{Decisions: []domain.RerankDecision{
				{CandidateID: "cand:paper-Q3:Q3", Score: 0.9, Reason: "exact"},
			}}, nil
		}
		runner := f.runner(RunnerConfig{LLM: f.llm, UseLLMRerank: true})

		results, err := runner.Run(context.Background(), "run-1",
			"find 2022 algebra questions", RunOptions{Limit: 3})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3 after the top-up", len(results))
		}
		if results[0].Path != "Q3" {
			t.Errorf("top result = %q, want the reranker's pick", results[0].Path)
		}
		seen := map[string]bool{}
		for _, r := range results {
			if seen[r.CandidateID] {
				t.Errorf("duplicate result %s", r.CandidateID)
			}
			seen[r.CandidateID] = true
		}
	})
}
