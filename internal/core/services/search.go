package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// resourceToPaperType maps blueprint resource types to the paper type
// stored on components.
var resourceToPaperType = map[string]string{
	"mark_scheme":    "ms",
	"markscheme":     "ms",
	"marking_scheme": "ms",
	"full_paper":     "qp",
	"question":       "qp",
	"paper":          "qp",
}

const snippetMax = 260

// SearchService produces workspace candidates from the keyword and
// semantic indexes. It holds no per-run state; the workspace does.
type SearchService struct {
	docStore     driven.DocumentStore
	planStore    driven.PlanStore
	profileStore driven.ProfileStore
	vectorStore  driven.VectorStore
	embedding    driven.EmbeddingService
	logger       *slog.Logger
}

// SearchServiceConfig holds dependencies for SearchService.
type SearchServiceConfig struct {
	DocumentStore driven.DocumentStore
	PlanStore     driven.PlanStore
	ProfileStore  driven.ProfileStore
	VectorStore   driven.VectorStore
	Embedding     driven.EmbeddingService
	Logger        *slog.Logger
}

// NewSearchService creates a new search service.
func NewSearchService(cfg SearchServiceConfig) *SearchService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{
		docStore:     cfg.DocumentStore,
		planStore:    cfg.PlanStore,
		profileStore: cfg.ProfileStore,
		vectorStore:  cfg.VectorStore,
		embedding:    cfg.Embedding,
		logger:       logger,
	}
}

// KeywordSearch runs the exact/fuzzy pass over components.
func (s *SearchService) KeywordSearch(ctx context.Context, blueprint domain.QueryBlueprint, limit int) ([]*domain.WorkspaceCandidate, error) {
	if strings.TrimSpace(blueprint.RawQuery) == "" {
		return nil, nil
	}
	hits, err := s.docStore.SearchKeyword(ctx, driven.KeywordQuery{
		Query:        blueprint.RawQuery,
		Keywords:     blueprint.Keywords,
		Subject:      blueprint.Subject,
		SyllabusCode: blueprint.SyllabusCode,
		ExamBoard:    blueprint.ExamBoard,
		PaperType:    resourceToPaperType[strings.ToLower(strings.TrimSpace(blueprint.ResourceType))],
		Years:        blueprint.Years,
		Limit:        limit,
	})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	candidates := make([]*domain.WorkspaceCandidate, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, &domain.WorkspaceCandidate{
			PaperID:      hit.PaperID,
			PaperCode:    hit.PaperCode,
			Path:         hit.Path,
			Year:         hit.Year,
			Subject:      hit.Subject,
			SyllabusCode: hit.SyllabusCode,
			ExamBoard:    hit.ExamBoard,
			Snippet:      truncateSnippet(hit.Snippet),
			Score:        hit.Score,
			Sources:      []domain.CandidateSource{domain.SourceKeyword},
			Metadata: map[string]interface{}{
				"component_id": hit.ComponentID,
				"match_terms":  hit.MatchTerms,
			},
		})
	}
	s.logger.Info("keyword pass",
		"subject", blueprint.Subject, "returned", len(candidates), "limit", limit)
	return candidates, nil
}

// SemanticSearch embeds the blueprint's seed and queries each profile's
// collection scoped to its active plans, splitting the limit across
// profiles. Profiles with no active plan matching the blueprint's paper
// filters are skipped entirely; a failing collection is logged and
// skipped so one unhealthy index cannot empty the whole pass.
func (s *SearchService) SemanticSearch(ctx context.Context, blueprint domain.QueryBlueprint, limit int) ([]*domain.WorkspaceCandidate, error) {
	seed := strings.TrimSpace(blueprint.SemanticSeed)
	if seed == "" {
		return nil, nil
	}

	vector, err := s.embedding.EmbedQuery(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	profiles, err := s.profileStore.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	if len(profiles) == 0 {
		s.logger.Info("semantic pass skipped: no active profiles")
		return nil, nil
	}

	planFilter := driven.ActivePlanFilter{
		Subject:      blueprint.Subject,
		SyllabusCode: blueprint.SyllabusCode,
		ExamBoard:    blueprint.ExamBoard,
		PaperType:    resourceToPaperType[strings.ToLower(strings.TrimSpace(blueprint.ResourceType))],
		Years:        blueprint.Years,
	}

	perProfile := limit / len(profiles)
	if perProfile < 1 {
		perProfile = 1
	}

	var candidates []*domain.WorkspaceCandidate
	for _, profile := range profiles {
		plans, err := s.planStore.ListActivePlans(ctx, profile.ID, planFilter)
		if err != nil {
			s.logger.Warn("active plan lookup failed",
				"profile", profile.Slug, "error", err)
			continue
		}
		if len(plans) == 0 {
			continue
		}
		activePlans := make(map[string]bool, len(plans))
		planUUIDs := make([]string, 0, len(plans))
		for _, plan := range plans {
			id := plan.PlanID.String()
			activePlans[id] = true
			planUUIDs = append(planUUIDs, id)
		}

		hits, err := s.vectorStore.Search(ctx, profile, vector, perProfile,
			driven.VectorFilter{PlanUUIDs: planUUIDs})
		if err != nil {
			s.logger.Warn("semantic search failed on collection",
				"collection", profile.Collection, "error", err)
			continue
		}
		converted, err := s.convertHits(ctx, hits, activePlans)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, converted...)
	}

	s.logger.Info("semantic pass",
		"subject", blueprint.Subject,
		"profiles", len(profiles),
		"returned", len(candidates),
		"limit", limit)
	return candidates, nil
}

// convertHits resolves vector hits to chunk-backed candidates, grouping
// point lookups per plan. Hits from plans outside the active set are
// stale points awaiting deletion and are discarded.
func (s *SearchService) convertHits(ctx context.Context, hits []driven.VectorHit, activePlans map[string]bool) ([]*domain.WorkspaceCandidate, error) {
	byPlan := make(map[string][]string)
	scores := make(map[string]float64, len(hits))
	payloads := make(map[string]driven.VectorPayload, len(hits))
	for _, hit := range hits {
		if !activePlans[hit.Payload.PlanUUID] {
			s.logger.Warn("discarding hit from superseded plan",
				"plan_id", hit.Payload.PlanUUID, "point_id", hit.PointID)
			continue
		}
		byPlan[hit.Payload.PlanUUID] = append(byPlan[hit.Payload.PlanUUID], hit.PointID)
		scores[hit.PointID] = hit.Score
		payloads[hit.PointID] = hit.Payload
	}

	var out []*domain.WorkspaceCandidate
	for planUUID, pointIDs := range byPlan {
		chunks, err := s.planStore.GetChunksByPointIDs(ctx, planUUID, pointIDs)
		if err != nil {
			return nil, fmt.Errorf("resolve chunks for plan %s: %w", planUUID, err)
		}
		for _, chunk := range chunks {
			payload := payloads[chunk.PointID]
			out = append(out, &domain.WorkspaceCandidate{
				PaperID:    payload.PaperID,
				Path:       strings.Join(payload.SpanPaths, " / "),
				Snippet:    truncateSnippet(chunk.Text),
				Score:      scores[chunk.PointID],
				Sources:    []domain.CandidateSource{domain.SourceSemantic},
				FromActive: activePlans[planUUID],
				Metadata: map[string]interface{}{
					"chunk_id":        chunk.ID,
					"plan_id":         planUUID,
					"bundle_sequence": payload.BundleSequence,
					"component_ids":   payload.ComponentIDs,
				},
			})
		}
	}
	return out, nil
}

// ExpandCandidates enriches keyword candidates with their structural
// neighbourhood: each component's parent and sibling paths join the
// workspace as low-score expansion candidates so the reranker sees
// adjacent parts of the same question.
func (s *SearchService) ExpandCandidates(ctx context.Context, workspace *domain.SearchWorkspace, limit int) int {
	added := 0
	for _, candidate := range workspace.TopK(limit) {
		if !candidate.HasSource(domain.SourceKeyword) {
			continue
		}
		componentID, ok := candidate.Metadata["component_id"].(int64)
		if !ok {
			continue
		}
		info, err := s.docStore.FetchContext(ctx, componentID)
		if err != nil {
			s.logger.Warn("context expansion failed",
				"component_id", componentID, "error", err)
			continue
		}
		for _, path := range append([]string{info.ParentPath}, info.SiblingPaths...) {
			if path == "" || path == candidate.Path {
				continue
			}
			expansion := &domain.WorkspaceCandidate{
				PaperID:      candidate.PaperID,
				PaperCode:    candidate.PaperCode,
				Path:         path,
				Year:         candidate.Year,
				Subject:      candidate.Subject,
				SyllabusCode: candidate.SyllabusCode,
				ExamBoard:    candidate.ExamBoard,
				Snippet:      "",
				Score:        candidate.Score * 0.5,
				Sources:      []domain.CandidateSource{domain.SourceExpansion},
			}
			before := workspace.Size()
			workspace.AddCandidate(expansion)
			if workspace.Size() > before {
				added++
			}
		}
	}
	return added
}

func truncateSnippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > snippetMax {
		return text[:snippetMax-3] + "..."
	}
	return text
}
