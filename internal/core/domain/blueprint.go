package domain

// YearRange bounds the paper years a query is interested in. A nil end
// means unbounded on that side.
type YearRange struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

// Contains reports whether year falls inside the range. Zero years (papers
// without a dated session) only match an unbounded range.
func (r YearRange) Contains(year int) bool {
	if year == 0 {
		return r.From == nil && r.To == nil
	}
	if r.From != nil && year < *r.From {
		return false
	}
	if r.To != nil && year > *r.To {
		return false
	}
	return true
}

// QueryBlueprint is the normalised representation of user intent for one
// retrieval round. Blueprints are immutable per round; the refiner produces
// a replacement rather than mutating in place.
type QueryBlueprint struct {
	RawQuery     string            `json:"raw_query"`
	Subject      string            `json:"subject,omitempty"`
	SyllabusCode string            `json:"syllabus_code,omitempty"`
	ExamBoard    string            `json:"exam_board,omitempty"`
	ResourceType string            `json:"resource_type"`
	Years        YearRange         `json:"year_range"`
	Keywords     []string          `json:"keywords"`
	SemanticSeed string            `json:"semantic_seed"`
	Provenance   map[string]string `json:"provenance,omitempty"`
}

// Clone returns a deep copy suitable for refinement.
func (b QueryBlueprint) Clone() QueryBlueprint {
	out := b
	out.Keywords = append([]string(nil), b.Keywords...)
	if b.Provenance != nil {
		out.Provenance = make(map[string]string, len(b.Provenance))
		for k, v := range b.Provenance {
			out.Provenance[k] = v
		}
	}
	return out
}

// SafeguardAction is the verdict of the safeguard gate.
type SafeguardAction string

const (
	SafeguardAllow   SafeguardAction = "allow"
	SafeguardClarify SafeguardAction = "clarify"
	SafeguardReject  SafeguardAction = "reject"
)

// SafeguardVerdict carries the gate decision and its reason.
type SafeguardVerdict struct {
	Action SafeguardAction `json:"action"`
	Reason string          `json:"reason,omitempty"`
}

// Allowed reports whether the run may proceed.
func (v SafeguardVerdict) Allowed() bool { return v.Action == SafeguardAllow }

// IntentResult is the LLM intent parser's validated output.
type IntentResult struct {
	Action             SafeguardAction   `json:"action"`
	Reason             string            `json:"reason,omitempty"`
	NeedsClarification bool              `json:"needs_clarification"`
	ClarifyPrompt      string            `json:"clarification_prompt,omitempty"`
	Blueprint          *QueryBlueprint   `json:"blueprint,omitempty"`
	Provenance         map[string]string `json:"provenance,omitempty"`
}

// RerankDecision is one ordered entry of the reranker's output.
type RerankDecision struct {
	CandidateID string   `json:"candidate_id"`
	Score       float64  `json:"score"`
	Reason      string   `json:"reason"`
	Constraints []string `json:"constraints,omitempty"`
}

// RerankResult is the reranker's full validated output.
type RerankResult struct {
	Decisions  []RerankDecision  `json:"decisions"`
	Provenance map[string]string `json:"provenance,omitempty"`
}

// RefineAction tells the runner whether to loop again.
type RefineAction string

const (
	RefineContinue RefineAction = "continue"
	RefineStop     RefineAction = "stop"
)

// BlueprintRevision is the refiner's decision plus the blueprint to use if
// another round runs.
type BlueprintRevision struct {
	Action     RefineAction      `json:"action"`
	Reason     string            `json:"reason,omitempty"`
	Blueprint  QueryBlueprint    `json:"blueprint"`
	Provenance map[string]string `json:"provenance,omitempty"`
}
