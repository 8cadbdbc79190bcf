package domain

import "time"

// EventKind identifies a progress event within a retrieval run.
type EventKind string

const (
	EventStarted          EventKind = "started"
	EventMessage          EventKind = "message"
	EventClarify          EventKind = "clarify"
	EventIntent           EventKind = "intent"
	EventKeywordPass      EventKind = "keyword_pass"
	EventSemanticPass     EventKind = "semantic_pass"
	EventRerankProvenance EventKind = "rerank_provenance"
	EventError            EventKind = "error"
	EventComplete         EventKind = "complete"
)

// ProgressEvent is one ordered update published for a retrieval run.
// Delivery is at-least-once; ordering within a run id is preserved by the
// publisher.
type ProgressEvent struct {
	RunID   string                 `json:"rid"`
	Kind    EventKind              `json:"event"`
	Message string                 `json:"msg,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
	At      time.Time              `json:"ts"`
}

// Terminal reports whether the event ends the run.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventComplete
}

// RetrievalResult is one formatted entry of the final answer set.
type RetrievalResult struct {
	CandidateID string            `json:"candidate_id"`
	PaperID     string            `json:"paper_id"`
	PaperCode   string            `json:"paper_code"`
	Year        int               `json:"year,omitempty"`
	Subject     string            `json:"subject,omitempty"`
	Path        string            `json:"path"`
	Snippet     string            `json:"snippet"`
	Score       float64           `json:"score"`
	RerankScore float64           `json:"rerank_score,omitempty"`
	Sources     []CandidateSource `json:"sources"`
	Reason      string            `json:"reason,omitempty"`
}
