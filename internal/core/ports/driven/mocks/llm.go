package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// MockLLMService is a mock implementation of LLMService for testing.
// By default it parses every query as an allowed intent, reranks in the
// given order and tells the runner to stop refining.
type MockLLMService struct {
	mu sync.Mutex

	// Custom behavior hooks (optional)
	ParseIntentFn func(query string, history []driven.ConversationTurn) (*domain.IntentResult, error)
	RerankFn      func(blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error)
	RefineFn      func(blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error)

	ParseIntentCalls int
	RerankCalls      int
	RefineCalls      int
}

// NewMockLLMService creates a new mock LLM service.
func NewMockLLMService() *MockLLMService {
	return &MockLLMService{}
}

func (m *MockLLMService) ParseIntent(ctx context.Context, query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
	m.mu.Lock()
	m.ParseIntentCalls++
	fn := m.ParseIntentFn
	m.mu.Unlock()

	if fn != nil {
		return fn(query, history)
	}
	return &domain.IntentResult{
		Action: domain.SafeguardAllow,
		Blueprint: &domain.QueryBlueprint{
			RawQuery:     query,
			ResourceType: "exam_paper",
			SemanticSeed: query,
		},
	}, nil
}

func (m *MockLLMService) Rerank(ctx context.Context, blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error) {
	m.mu.Lock()
	m.RerankCalls++
	fn := m.RerankFn
	m.mu.Unlock()

	if fn != nil {
		return fn(blueprint, candidates)
	}
	result := &domain.RerankResult{}
	for i, c := range candidates {
		result.Decisions = append(result.Decisions, domain.RerankDecision{
			CandidateID: c.CandidateID(),
			Score:       1.0 - float64(i)*0.01,
			Reason:      "mock order",
		})
	}
	return result, nil
}

func (m *MockLLMService) RefineBlueprint(ctx context.Context, blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error) {
	m.mu.Lock()
	m.RefineCalls++
	fn := m.RefineFn
	m.mu.Unlock()

	if fn != nil {
		return fn(blueprint, snapshot)
	}
	return &domain.BlueprintRevision{
		Action:    domain.RefineStop,
		Blueprint: blueprint,
	}, nil
}

func (m *MockLLMService) Model() string {
	return "mock-llm-model"
}

func (m *MockLLMService) Close() error {
	return nil
}

// FailingLLMError builds the wrapped client error adapters return, handy
// for fallback tests.
func FailingLLMError(op string) error {
	return fmt.Errorf("%s: %w", op, domain.ErrLLMClient)
}
