package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

const (
	// defaultMinScore prunes merge noise after each round.
	defaultMinScore = 0.05

	// activePlanBoost lifts active-plan hits over equal-scoring hits
	// from superseded generations.
	activePlanBoost = 0.05
)

// RunOptions tunes one retrieval run. Zero values fall back to the
// runner's defaults.
type RunOptions struct {
	// Limit is the number of final results.
	Limit int

	// Rounds caps blueprint refinement rounds for this run.
	Rounds int

	KeywordLimit  int
	SemanticLimit int
	ExpandLimit   int

	// MinScore drops weaker candidates after each round's merge.
	MinScore float64

	// Scope is the concurrency-quota scope, typically a user id. Empty
	// scope skips quota accounting.
	Scope string

	// Conversation is prior clarify/intent history.
	Conversation []driven.ConversationTurn
}

// Runner drives a retrieval run through its stages: quota, safeguard,
// intent, retrieval rounds, rerank and formatting. Progress events are
// published before and after every stage; any failure becomes a terminal
// error event rather than a panic escaping the run boundary.
type Runner struct {
	search    *SearchService
	llm       driven.LLMService
	publisher driven.ProgressPublisher
	quota     driven.ConcurrencyQuota

	useLLMIntent  bool
	useLLMRerank  bool
	useLLMRefiner bool

	maxRounds      int
	clarifyTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	clarify map[string]chan string
}

// RunnerConfig holds dependencies for Runner.
type RunnerConfig struct {
	Search    *SearchService
	LLM       driven.LLMService
	Publisher driven.ProgressPublisher
	Quota     driven.ConcurrencyQuota

	// UseLLMIntent, UseLLMRerank and UseLLMRefiner gate each LLM stage
	// independently; disabled stages use the heuristic path directly.
	UseLLMIntent  bool
	UseLLMRerank  bool
	UseLLMRefiner bool

	// MaxRounds is the hard cap on retrieval rounds. The refiner can stop
	// earlier, never extend past it.
	MaxRounds int

	// ClarifyTimeout bounds the wait for a clarification reply.
	ClarifyTimeout time.Duration

	Logger *slog.Logger
}

// NewRunner creates a retrieval runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxRounds
	if maxRounds < 1 {
		maxRounds = 1
	}
	clarifyTimeout := cfg.ClarifyTimeout
	if clarifyTimeout <= 0 {
		clarifyTimeout = 60 * time.Second
	}
	return &Runner{
		search:         cfg.Search,
		llm:            cfg.LLM,
		publisher:      cfg.Publisher,
		quota:          cfg.Quota,
		useLLMIntent:   cfg.UseLLMIntent && cfg.LLM != nil,
		useLLMRerank:   cfg.UseLLMRerank && cfg.LLM != nil,
		useLLMRefiner:  cfg.UseLLMRefiner && cfg.LLM != nil,
		maxRounds:      maxRounds,
		clarifyTimeout: clarifyTimeout,
		logger:         logger,
		clarify:        make(map[string]chan string),
	}
}

// SubmitClarification delivers a user's clarify reply to a waiting run.
func (r *Runner) SubmitClarification(runID, text string) error {
	r.mu.Lock()
	ch, ok := r.clarify[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s not awaiting clarification: %w", runID, domain.ErrNotFound)
	}
	select {
	case ch <- text:
		return nil
	default:
		return fmt.Errorf("run %s already received clarification: %w", runID, domain.ErrInvalidInput)
	}
}

// Run executes one retrieval run. The returned results mirror the final
// complete event; a terminal error event is published for every returned
// error.
func (r *Runner) Run(ctx context.Context, runID, query string, opts RunOptions) (results []domain.RetrievalResult, err error) {
	workspace := domain.NewSearchWorkspace(runID)
	defer workspace.Clear()

	// Every exit publishes exactly one terminal event: complete on
	// success, error otherwise. A cancelled context still delivers it.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("retrieval run panicked: %v", rec)
			r.logger.Error("retrieval run panicked", "rid", runID, "panic", rec)
		}
		if err != nil {
			r.emitError(context.WithoutCancel(ctx), runID, terminalMessage(err), map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if opts.Scope != "" && r.quota != nil {
		slot, acquireErr := r.quota.Acquire(ctx, opts.Scope)
		if acquireErr != nil {
			return nil, acquireErr
		}
		defer func() {
			if releaseErr := r.quota.Release(ctx, opts.Scope, slot); releaseErr != nil {
				r.logger.Warn("quota release failed", "rid", runID, "error", releaseErr)
			}
		}()
	}

	r.emit(ctx, runID, domain.EventStarted, "Retrieval run started", map[string]interface{}{"rid": runID})

	verdict := Safeguard(query)
	if !verdict.Allowed() {
		return nil, fmt.Errorf("%s: %w", verdict.Reason, domain.ErrSafeguardRejected)
	}

	blueprint, intentErr := r.resolveIntent(ctx, runID, query, opts.Conversation)
	if intentErr != nil {
		return nil, intentErr
	}
	r.emit(ctx, runID, domain.EventIntent, "Intent parsed", map[string]interface{}{
		"blueprint":  blueprint,
		"provenance": blueprint.Provenance,
	})

	maxRounds := opts.Rounds
	if maxRounds < 1 || maxRounds > r.maxRounds {
		maxRounds = r.maxRounds
	}

	round := 0
	for round < maxRounds {
		round++
		r.runRound(ctx, runID, round, blueprint, workspace, opts)

		if round >= maxRounds || !r.useLLMRefiner {
			break
		}
		revision := r.refineBlueprint(ctx, runID, blueprint, workspace, round)
		if revision == nil {
			break
		}
		blueprint = revision.Blueprint
		if revision.Action == domain.RefineStop {
			break
		}
	}

	// Active-plan hits outrank equal-scoring hits from superseded
	// generations.
	for _, c := range workspace.TopK(0) {
		if c.FromActive {
			workspace.UpdateScore(c.Key(), c.Score+activePlanBoost)
		}
	}

	limit := opts.Limit
	if limit < 1 {
		limit = 10
	}
	results, provenance := r.selectResults(ctx, runID, workspace, blueprint, limit)
	r.emit(ctx, runID, domain.EventRerankProvenance, "Rerank complete", map[string]interface{}{
		"provenance": provenance,
	})

	r.emit(ctx, runID, domain.EventComplete, "Retrieval complete", map[string]interface{}{
		"results":           results,
		"workspace_summary": workspace.Stats(),
		"rounds_completed":  round,
		"rerank_provenance": provenance,
	})
	return results, nil
}

type roundStats struct {
	round            int
	keywordReturned  int
	keywordAdded     int
	semanticReturned int
	semanticAdded    int
	expanded         int
	dropped          int
}

// runRound executes one retrieval round. A failing pass degrades the
// round to whatever the other pass produced; it never aborts the run.
func (r *Runner) runRound(ctx context.Context, runID string, round int, blueprint domain.QueryBlueprint, workspace *domain.SearchWorkspace, opts RunOptions) roundStats {
	stats := roundStats{round: round}
	r.emit(ctx, runID, domain.EventMessage, fmt.Sprintf("Round %d started", round), map[string]interface{}{
		"round":     round,
		"blueprint": blueprint,
	})

	keywordLimit := opts.KeywordLimit
	if keywordLimit < 1 {
		keywordLimit = 25
	}
	before := workspace.Size()
	keywordCandidates, err := r.search.KeywordSearch(ctx, blueprint, keywordLimit)
	if err != nil {
		r.logger.Warn("keyword pass failed", "rid", runID, "round", round, "error", err)
		r.emit(ctx, runID, domain.EventMessage, "Keyword pass skipped", map[string]interface{}{
			"round":  round,
			"reason": err.Error(),
		})
	} else {
		workspace.AddCandidates(keywordCandidates)
		stats.keywordReturned = len(keywordCandidates)
		stats.keywordAdded = workspace.Size() - before
		r.emit(ctx, runID, domain.EventKeywordPass, "Keyword pass complete", map[string]interface{}{
			"round":     round,
			"returned":  stats.keywordReturned,
			"new":       stats.keywordAdded,
			"workspace": workspace.Stats(),
		})
	}

	semanticLimit := opts.SemanticLimit
	if semanticLimit < 1 {
		semanticLimit = 15
	}
	before = workspace.Size()
	semanticCandidates, err := r.search.SemanticSearch(ctx, blueprint, semanticLimit)
	if err != nil {
		r.logger.Warn("semantic pass failed", "rid", runID, "round", round, "error", err)
		r.emit(ctx, runID, domain.EventMessage, "Semantic pass skipped", map[string]interface{}{
			"round":  round,
			"reason": err.Error(),
		})
	} else {
		workspace.AddCandidates(semanticCandidates)
		stats.semanticReturned = len(semanticCandidates)
		stats.semanticAdded = workspace.Size() - before
		r.emit(ctx, runID, domain.EventSemanticPass, "Semantic pass complete", map[string]interface{}{
			"round":     round,
			"returned":  stats.semanticReturned,
			"new":       stats.semanticAdded,
			"workspace": workspace.Stats(),
		})
	}

	expandLimit := opts.ExpandLimit
	if expandLimit < 1 {
		expandLimit = 10
	}
	stats.expanded = r.search.ExpandCandidates(ctx, workspace, expandLimit)

	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	stats.dropped = workspace.Drop(minScore)

	r.emit(ctx, runID, domain.EventMessage, "Round summary", map[string]interface{}{
		"round":     round,
		"expanded":  stats.expanded,
		"dropped":   stats.dropped,
		"workspace": workspace.Stats(),
	})
	return stats
}

// resolveIntent produces the run's blueprint. The heuristic blueprint is
// always computed first so an LLM failure degrades instead of aborting.
func (r *Runner) resolveIntent(ctx context.Context, runID, query string, history []driven.ConversationTurn) (domain.QueryBlueprint, error) {
	fallback := HeuristicBlueprint(query)
	if !r.useLLMIntent {
		return fallback, nil
	}

	intent, err := r.llm.ParseIntent(ctx, query, history)
	if err != nil {
		if !errors.Is(err, domain.ErrLLMClient) {
			return domain.QueryBlueprint{}, err
		}
		r.logger.Warn("intent parsing fell back to heuristics", "rid", runID, "error", err)
		r.emit(ctx, runID, domain.EventMessage, "Intent fallback applied", map[string]interface{}{
			"reason": err.Error(),
		})
		fallback.Provenance["error"] = err.Error()
		return fallback, nil
	}

	if intent.Action == domain.SafeguardReject {
		reason := intent.Reason
		if reason == "" {
			reason = "policy violation detected"
		}
		return domain.QueryBlueprint{}, fmt.Errorf("%s: %w", reason, domain.ErrSafeguardRejected)
	}

	if intent.NeedsClarification {
		reply, clarifyErr := r.awaitClarification(ctx, runID, intent)
		if clarifyErr != nil {
			return domain.QueryBlueprint{}, clarifyErr
		}
		history = append(history,
			driven.ConversationTurn{Role: "assistant", Content: intent.ClarifyPrompt},
			driven.ConversationTurn{Role: "user", Content: reply},
		)
		return r.resolveIntent(ctx, runID, query+"\n"+reply, history)
	}

	if intent.Blueprint == nil {
		fallback.Provenance["fallback"] = "heuristic_blueprint"
		return fallback, nil
	}

	blueprint := intent.Blueprint.Clone()
	if blueprint.Provenance == nil {
		blueprint.Provenance = make(map[string]string)
	}
	blueprint.Provenance["provider"] = "llm"
	blueprint.Provenance["stage"] = "intent"
	return blueprint, nil
}

// awaitClarification publishes the clarify prompt and blocks for the reply
// on the run's channel.
func (r *Runner) awaitClarification(ctx context.Context, runID string, intent *domain.IntentResult) (string, error) {
	prompt := intent.ClarifyPrompt
	if prompt == "" {
		prompt = intent.Reason
	}
	if prompt == "" {
		prompt = "Please provide more detail."
	}

	ch := make(chan string, 1)
	r.mu.Lock()
	r.clarify[runID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clarify, runID)
		r.mu.Unlock()
	}()

	r.emit(ctx, runID, domain.EventClarify, "Clarification required", map[string]interface{}{
		"prompt": prompt,
	})

	timer := time.NewTimer(r.clarifyTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return "", fmt.Errorf("run %s: %w", runID, domain.ErrClarifyTimeout)
	case <-ctx.Done():
		return "", fmt.Errorf("run %s clarification: %w", runID, ctx.Err())
	}
}

func (r *Runner) refineBlueprint(ctx context.Context, runID string, blueprint domain.QueryBlueprint, workspace *domain.SearchWorkspace, round int) *domain.BlueprintRevision {
	snapshot := workspace.Snapshot(5)
	revision, err := r.llm.RefineBlueprint(ctx, blueprint, snapshot)
	if err != nil {
		r.logger.Warn("blueprint refinement skipped", "rid", runID, "round", round, "error", err)
		r.emit(ctx, runID, domain.EventMessage, "Blueprint refinement skipped", map[string]interface{}{
			"round":  round,
			"reason": err.Error(),
		})
		return nil
	}
	r.emit(ctx, runID, domain.EventMessage, "Blueprint refined", map[string]interface{}{
		"round":      round,
		"action":     string(revision.Action),
		"reason":     revision.Reason,
		"blueprint":  revision.Blueprint,
		"provenance": revision.Provenance,
	})
	return revision
}

// selectResults orders the workspace into the final answer set, via the
// LLM reranker when configured and the year-diversity heuristic otherwise
// or on any rerank failure.
func (r *Runner) selectResults(ctx context.Context, runID string, workspace *domain.SearchWorkspace, blueprint domain.QueryBlueprint, limit int) ([]domain.RetrievalResult, map[string]string) {
	heuristicMeta := map[string]string{
		"provider": "heuristic",
		"stage":    "rerank",
		"version":  "rule_based_v1",
	}
	if !r.useLLMRerank {
		return r.heuristicRerank(workspace, limit), heuristicMeta
	}

	maxCandidates := limit * 2
	if maxCandidates < 12 {
		maxCandidates = 12
	}
	candidates := workspace.TopK(maxCandidates)
	decision, err := r.llm.Rerank(ctx, blueprint, candidates)
	if err != nil || len(decision.Decisions) == 0 {
		reason := "empty_decisions"
		if err != nil {
			reason = err.Error()
		}
		r.logger.Warn("rerank fell back to heuristics", "rid", runID, "reason", reason)
		r.emit(ctx, runID, domain.EventMessage, "LLM rerank fallback", map[string]interface{}{
			"reason": reason,
		})
		heuristicMeta["error"] = reason
		return r.heuristicRerank(workspace, limit), heuristicMeta
	}

	byID := make(map[string]*domain.WorkspaceCandidate, len(candidates))
	for _, c := range candidates {
		byID[c.CandidateID()] = c
	}

	seen := make(map[string]bool)
	var results []domain.RetrievalResult
	for _, d := range decision.Decisions {
		c, ok := byID[d.CandidateID]
		if !ok || seen[d.CandidateID] {
			continue
		}
		seen[d.CandidateID] = true
		result := toResult(c)
		result.Reason = d.Reason
		result.RerankScore = d.Score
		results = append(results, result)
		if len(results) >= limit {
			break
		}
	}
	// Top up from the heuristic ordering when the LLM returned too few.
	if len(results) < limit {
		for _, fb := range r.heuristicRerank(workspace, limit) {
			if seen[fb.CandidateID] {
				continue
			}
			seen[fb.CandidateID] = true
			results = append(results, fb)
			if len(results) >= limit {
				break
			}
		}
	}

	meta := map[string]string{"provider": "llm", "stage": "rerank"}
	for k, v := range decision.Provenance {
		meta[k] = v
	}
	return results, meta
}

// heuristicRerank orders by score with a year-diversity cap: the first
// pass admits at most one result per paper year, the second fills any
// remaining slots in plain score order.
func (r *Runner) heuristicRerank(workspace *domain.SearchWorkspace, limit int) []domain.RetrievalResult {
	pool := limit * 2
	if pool < 10 {
		pool = 10
	}
	candidates := workspace.TopK(pool)

	var results []domain.RetrievalResult
	seenYears := make(map[int]bool)
	seenIDs := make(map[string]bool)

	for _, c := range candidates {
		if len(results) >= limit {
			break
		}
		if c.Year != 0 && seenYears[c.Year] {
			continue
		}
		seenYears[c.Year] = true
		seenIDs[c.CandidateID()] = true
		result := toResult(c)
		result.Reason = buildReason(c, true)
		results = append(results, result)
	}

	if len(results) < limit {
		for _, c := range candidates {
			if len(results) >= limit {
				break
			}
			if seenIDs[c.CandidateID()] {
				continue
			}
			seenIDs[c.CandidateID()] = true
			result := toResult(c)
			result.Reason = buildReason(c, false)
			results = append(results, result)
		}
	}
	return results
}

func toResult(c *domain.WorkspaceCandidate) domain.RetrievalResult {
	return domain.RetrievalResult{
		CandidateID: c.CandidateID(),
		PaperID:     c.PaperID,
		PaperCode:   c.PaperCode,
		Year:        c.Year,
		Subject:     c.Subject,
		Path:        c.Path,
		Snippet:     c.Snippet,
		Score:       c.Score,
		Sources:     append([]domain.CandidateSource(nil), c.Sources...),
	}
}

func buildReason(c *domain.WorkspaceCandidate, diversity bool) string {
	var bits []string
	if c.Subject != "" {
		bits = append(bits, c.Subject)
	}
	if c.Year != 0 {
		bits = append(bits, fmt.Sprintf("%d", c.Year))
	}
	for _, src := range c.Sources {
		bits = append(bits, string(src)+" match")
		break
	}
	if diversity {
		bits = append(bits, "diversity rule satisfied")
	}
	if len(bits) == 0 {
		return "candidate selected"
	}
	return strings.Join(bits, ", ")
}

func (r *Runner) emit(ctx context.Context, runID string, kind domain.EventKind, msg string, data map[string]interface{}) {
	event := domain.ProgressEvent{
		RunID:   runID,
		Kind:    kind,
		Message: msg,
		Data:    data,
		At:      time.Now(),
	}
	if err := r.publisher.Emit(ctx, event); err != nil {
		r.logger.Warn("progress emit failed", "rid", runID, "kind", kind, "error", err)
	}
}

func (r *Runner) emitError(ctx context.Context, runID, msg string, data map[string]interface{}) {
	r.emit(ctx, runID, domain.EventError, msg, data)
}

// terminalMessage maps a run's error to the message of its terminal
// event.
func terminalMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		return "Concurrent limit reached"
	case errors.Is(err, domain.ErrSafeguardRejected):
		return "Request rejected"
	case errors.Is(err, domain.ErrClarifyTimeout):
		return "Clarification timed out"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Run cancelled"
	default:
		return "Retrieval failed"
	}
}
