package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Ensure OpenAILLM implements LLMService
var _ driven.LLMService = (*OpenAILLM)(nil)

// maxRerankCandidates bounds the prompt size for a rerank call.
const maxRerankCandidates = 30

// OpenAILLM implements LLMService using OpenAI's chat completions API.
// Every failure, including malformed model output, is wrapped in
// domain.ErrLLMClient so callers can fall back to heuristics.
type OpenAILLM struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAILLM creates a new OpenAI LLM service
func NewOpenAILLM(apiKey, model, baseURL string) (driven.LLMService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	if model == "" {
		model = "gpt-4o-mini"
	}

	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAILLM{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

const intentSystemPrompt = `You analyse search queries for an exam paper archive.
Given the user's query and any prior clarification exchange, respond with a single JSON object:
{
  "action": "allow" | "clarify" | "reject",
  "reason": "why, when not allowing",
  "needs_clarification": bool,
  "clarification_prompt": "question to ask the user, when clarifying",
  "blueprint": {
    "raw_query": "the query",
    "subject": "subject name or empty",
    "syllabus_code": "code or empty",
    "exam_board": "board or empty",
    "resource_type": "full_paper" | "question" | "mark_scheme",
    "year_range": {"from": year or null, "to": year or null},
    "keywords": ["up to 6 content words"],
    "semantic_seed": "a short passage capturing what the user wants"
  }
}
Reject queries seeking harmful content. Clarify queries too vague to search.`

// ParseIntent turns a raw query plus history into a validated intent
func (l *OpenAILLM) ParseIntent(ctx context.Context, query string, history []driven.ConversationTurn) (*domain.IntentResult, error) {
	var sb strings.Builder
	for _, turn := range history {
		fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&sb, "query: %s", query)

	raw, err := l.doChat(ctx, intentSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var result domain.IntentResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: malformed intent response: %v", domain.ErrLLMClient, err)
	}

	switch result.Action {
	case domain.SafeguardAllow, domain.SafeguardClarify, domain.SafeguardReject:
	default:
		return nil, fmt.Errorf("%w: unknown intent action %q", domain.ErrLLMClient, result.Action)
	}
	if result.NeedsClarification && result.ClarifyPrompt == "" {
		return nil, fmt.Errorf("%w: clarification requested without a prompt", domain.ErrLLMClient)
	}
	if result.Blueprint != nil {
		if result.Blueprint.RawQuery == "" {
			result.Blueprint.RawQuery = query
		}
		if result.Blueprint.SemanticSeed == "" {
			result.Blueprint.SemanticSeed = query
		}
		if len(result.Blueprint.Keywords) > 6 {
			result.Blueprint.Keywords = result.Blueprint.Keywords[:6]
		}
	}
	return &result, nil
}

const rerankSystemPrompt = `You rank exam paper search results for relevance to the query blueprint.
Respond with a single JSON object:
{
  "decisions": [
    {"candidate_id": "id from the list", "score": 0.0 to 1.0, "reason": "one short sentence"}
  ]
}
Order decisions best first. Only use candidate ids from the list. Prefer year diversity among equally relevant results.`

// Rerank orders candidates against the blueprint
func (l *OpenAILLM) Rerank(ctx context.Context, blueprint domain.QueryBlueprint, candidates []*domain.WorkspaceCandidate) (*domain.RerankResult, error) {
	if len(candidates) > maxRerankCandidates {
		candidates = candidates[:maxRerankCandidates]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "query: %s\nsubject: %s\nresource: %s\n\ncandidates:\n",
		blueprint.RawQuery, blueprint.Subject, blueprint.ResourceType)
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		id := c.CandidateID()
		known[id] = true
		fmt.Fprintf(&sb, "- id=%s subject=%s year=%d path=%s snippet=%s\n",
			id, c.Subject, c.Year, c.Path, truncate(c.Snippet, 160))
	}

	raw, err := l.doChat(ctx, rerankSystemPrompt, sb.String())
	if err != nil {
		return nil, err
	}

	var result domain.RerankResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("%w: malformed rerank response: %v", domain.ErrLLMClient, err)
	}

	// Drop decisions referencing ids the model invented.
	valid := result.Decisions[:0]
	for _, d := range result.Decisions {
		if !known[d.CandidateID] {
			continue
		}
		if d.Score < 0 {
			d.Score = 0
		}
		if d.Score > 1 {
			d.Score = 1
		}
		valid = append(valid, d)
	}
	result.Decisions = valid
	return &result, nil
}

const refineSystemPrompt = `You decide whether another retrieval round would improve exam paper search results.
Respond with a single JSON object:
{
  "action": "continue" | "stop",
  "reason": "one short sentence",
  "blueprint": { the revised blueprint to use if continuing, same shape as given }
}
Stop when the current results already cover the query.`

// RefineBlueprint decides whether another retrieval round should run
func (l *OpenAILLM) RefineBlueprint(ctx context.Context, blueprint domain.QueryBlueprint, snapshot domain.WorkspaceSnapshot) (*domain.BlueprintRevision, error) {
	payload := struct {
		Blueprint domain.QueryBlueprint    `json:"blueprint"`
		Snapshot  domain.WorkspaceSnapshot `json:"workspace"`
	}{blueprint, snapshot}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode refine request: %v", domain.ErrLLMClient, err)
	}

	raw, err := l.doChat(ctx, refineSystemPrompt, string(body))
	if err != nil {
		return nil, err
	}

	var revision domain.BlueprintRevision
	if err := json.Unmarshal([]byte(raw), &revision); err != nil {
		return nil, fmt.Errorf("%w: malformed refine response: %v", domain.ErrLLMClient, err)
	}

	switch revision.Action {
	case domain.RefineContinue, domain.RefineStop:
	default:
		return nil, fmt.Errorf("%w: unknown refine action %q", domain.ErrLLMClient, revision.Action)
	}
	if revision.Action == domain.RefineContinue && revision.Blueprint.RawQuery == "" {
		// A continue without a usable blueprint keeps the current one.
		revision.Blueprint = blueprint.Clone()
	}
	return &revision, nil
}

// Model returns the model name being used
func (l *OpenAILLM) Model() string {
	return l.model
}

// Close releases resources held by the LLM service
func (l *OpenAILLM) Close() error {
	l.client.CloseIdleConnections()
	return nil
}

// chatRequest is the request body for the chat completions API
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response from the chat completions API
type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// doChat sends one system+user exchange and returns the raw reply content
func (l *OpenAILLM) doChat(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: l.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", domain.ErrLLMClient, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %v", domain.ErrLLMClient, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", domain.ErrLLMClient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrLLMClient, err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", domain.ErrLLMClient, err)
	}

	if chatResp.Error != nil {
		return "", fmt.Errorf("%w: OpenAI API error: %s (type: %s, code: %s)",
			domain.ErrLLMClient, chatResp.Error.Message, chatResp.Error.Type, chatResp.Error.Code)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: OpenAI API returned status %d", domain.ErrLLMClient, resp.StatusCode)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty chat response", domain.ErrLLMClient)
	}
	return chatResp.Choices[0].Message.Content, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
