package domain

import (
	"fmt"
	"sort"
	"sync"
)

// CandidateSource tags where a workspace candidate came from.
type CandidateSource string

const (
	SourceKeyword   CandidateSource = "keyword"
	SourceSemantic  CandidateSource = "semantic"
	SourceExpansion CandidateSource = "expansion"
)

// WorkspaceCandidate is one deduplicated retrieval hit. The dedup key is
// (paper id, path); merges mutate score, sources and snippet in place.
type WorkspaceCandidate struct {
	PaperID      string                 `json:"paper_id"`
	PaperCode    string                 `json:"paper_code"`
	Path         string                 `json:"path"`
	Year         int                    `json:"year,omitempty"`
	Subject      string                 `json:"subject,omitempty"`
	SyllabusCode string                 `json:"syllabus_code,omitempty"`
	ExamBoard    string                 `json:"exam_board,omitempty"`
	Snippet      string                 `json:"snippet"`
	Score        float64                `json:"score"`
	Sources      []CandidateSource      `json:"sources"`
	FromActive   bool                   `json:"from_active_plan,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Key returns the dedup key for the candidate.
func (c *WorkspaceCandidate) Key() string {
	return c.PaperID + "#" + c.Path
}

// CandidateID is a stable identifier handed to the reranker.
func (c *WorkspaceCandidate) CandidateID() string {
	return fmt.Sprintf("cand:%s:%s", c.PaperID, c.Path)
}

// HasSource reports whether the candidate carries the given source tag.
func (c *WorkspaceCandidate) HasSource(src CandidateSource) bool {
	for _, s := range c.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// WorkspaceStats summarises a workspace for refinement decisions.
type WorkspaceStats struct {
	Total    int                     `json:"total"`
	Sources  map[CandidateSource]int `json:"sources"`
	MinScore float64                 `json:"min_score"`
	MaxScore float64                 `json:"max_score"`
	AvgScore float64                 `json:"avg_score"`
}

// CandidateSnapshot is a trimmed candidate view for refiner prompts.
type CandidateSnapshot struct {
	CandidateID string  `json:"candidate_id"`
	PaperCode   string  `json:"paper_code"`
	Year        int     `json:"year,omitempty"`
	Subject     string  `json:"subject,omitempty"`
	Path        string  `json:"path"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
}

// WorkspaceSnapshot is the diagnostic payload given to the blueprint refiner.
type WorkspaceSnapshot struct {
	Stats WorkspaceStats      `json:"stats"`
	Top   []CandidateSnapshot `json:"top_candidates"`
}

// SearchWorkspace is the per-run scoring table shared by retrieval passes.
// Each run owns exactly one workspace; concurrent runs never share one, but
// passes within a run may touch it from callback goroutines, so mutation is
// mutex-guarded.
type SearchWorkspace struct {
	mu         sync.Mutex
	runID      string
	candidates map[string]*WorkspaceCandidate
	insertSeq  map[string]int
	nextSeq    int
}

// NewSearchWorkspace creates an empty workspace scoped to a run id.
func NewSearchWorkspace(runID string) *SearchWorkspace {
	return &SearchWorkspace{
		runID:      runID,
		candidates: make(map[string]*WorkspaceCandidate),
		insertSeq:  make(map[string]int),
	}
}

// RunID returns the owning run id.
func (w *SearchWorkspace) RunID() string { return w.runID }

// AddCandidate inserts or merges a candidate. On key collision the higher
// score wins, source tags are unioned and the longer snippet retained.
func (w *SearchWorkspace) AddCandidate(candidate *WorkspaceCandidate) {
	if candidate == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := candidate.Key()
	existing, ok := w.candidates[key]
	if !ok {
		clone := *candidate
		clone.Sources = append([]CandidateSource(nil), candidate.Sources...)
		w.candidates[key] = &clone
		w.nextSeq++
		w.insertSeq[key] = w.nextSeq
		return
	}

	if candidate.Score > existing.Score {
		existing.Score = candidate.Score
	}
	for _, src := range candidate.Sources {
		if !existing.HasSource(src) {
			existing.Sources = append(existing.Sources, src)
		}
	}
	if len(candidate.Snippet) > len(existing.Snippet) {
		existing.Snippet = candidate.Snippet
	}
	if candidate.FromActive {
		existing.FromActive = true
	}
	for k, v := range candidate.Metadata {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]interface{})
		}
		if _, dup := existing.Metadata[k]; !dup {
			existing.Metadata[k] = v
		}
	}
	// Merges count as fresh insertions for tie-breaking purposes.
	w.nextSeq++
	w.insertSeq[key] = w.nextSeq
}

// AddCandidates inserts a batch.
func (w *SearchWorkspace) AddCandidates(candidates []*WorkspaceCandidate) {
	for _, c := range candidates {
		w.AddCandidate(c)
	}
}

// UpdateScore overwrites the score for an existing key; absent keys are a
// no-op.
func (w *SearchWorkspace) UpdateScore(key string, score float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.candidates[key]; ok {
		c.Score = score
	}
}

// Drop removes candidates whose score falls below min. Returns the number
// removed.
func (w *SearchWorkspace) Drop(minScore float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key, c := range w.candidates {
		if c.Score < minScore {
			delete(w.candidates, key)
			delete(w.insertSeq, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of retained candidates.
func (w *SearchWorkspace) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.candidates)
}

// Get returns the candidate for a dedup key, or nil.
func (w *SearchWorkspace) Get(key string) *WorkspaceCandidate {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.candidates[key]; ok {
		clone := *c
		return &clone
	}
	return nil
}

// TopK returns the n highest-scoring candidates. Ties are broken by most
// recent insertion, then dedup key, so results are deterministic.
func (w *SearchWorkspace) TopK(n int) []*WorkspaceCandidate {
	w.mu.Lock()
	defer w.mu.Unlock()

	ordered := make([]*WorkspaceCandidate, 0, len(w.candidates))
	for _, c := range w.candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		sa, sb := w.insertSeq[a.Key()], w.insertSeq[b.Key()]
		if sa != sb {
			return sa > sb
		}
		return a.Key() < b.Key()
	})
	if n > 0 && n < len(ordered) {
		ordered = ordered[:n]
	}
	out := make([]*WorkspaceCandidate, len(ordered))
	for i, c := range ordered {
		clone := *c
		out[i] = &clone
	}
	return out
}

// Stats summarises the workspace.
func (w *SearchWorkspace) Stats() WorkspaceStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WorkspaceStats{Sources: make(map[CandidateSource]int)}
	stats.Total = len(w.candidates)
	if stats.Total == 0 {
		return stats
	}
	first := true
	var sum float64
	for _, c := range w.candidates {
		for _, src := range c.Sources {
			stats.Sources[src]++
		}
		sum += c.Score
		if first || c.Score < stats.MinScore {
			stats.MinScore = c.Score
		}
		if first || c.Score > stats.MaxScore {
			stats.MaxScore = c.Score
		}
		first = false
	}
	stats.AvgScore = sum / float64(stats.Total)
	return stats
}

// Snapshot builds the refiner's diagnostic view: stats plus the top limit
// candidates with snippets truncated to 180 chars.
func (w *SearchWorkspace) Snapshot(limit int) WorkspaceSnapshot {
	if limit <= 0 {
		limit = 5
	}
	snap := WorkspaceSnapshot{Stats: w.Stats()}
	for _, c := range w.TopK(limit) {
		snippet := c.Snippet
		if len(snippet) > 180 {
			snippet = snippet[:177] + "..."
		}
		snap.Top = append(snap.Top, CandidateSnapshot{
			CandidateID: c.CandidateID(),
			PaperCode:   c.PaperCode,
			Year:        c.Year,
			Subject:     c.Subject,
			Path:        c.Path,
			Snippet:     snippet,
			Score:       c.Score,
		})
	}
	return snap
}

// Clear releases every candidate. Called exactly once when the run
// completes or aborts.
func (w *SearchWorkspace) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.candidates = make(map[string]*WorkspaceCandidate)
	w.insertSeq = make(map[string]int)
	w.nextSeq = 0
}
