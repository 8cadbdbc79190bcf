package driven

import (
	"context"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// ConversationTurn is one prior message in a clarify/intent exchange.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMService provides intent parsing, reranking and blueprint refinement.
// Every method must wrap transport failures, timeouts and malformed output
// in domain.ErrLLMClient so the pipeline can fall back to heuristics.
type LLMService interface {
	// ParseIntent turns a raw query plus history into a validated intent.
	ParseIntent(ctx context.Context, query string, history []ConversationTurn) (*domain.IntentResult, error)

	// Rerank orders candidates against the blueprint.
	Rerank(ctx context.Context, blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error)

	// RefineBlueprint decides whether another retrieval round should run.
	RefineBlueprint(ctx context.Context, blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error)

	// Model returns the model name being used
	Model() string

	// Close releases resources held by the LLM service
	Close() error
}
