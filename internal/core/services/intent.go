package services

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// blockedKeywords reject a query outright before any model sees it.
var blockedKeywords = []string{"jailbreak", "hack", "exploit", "bomb", "weapon"}

// subjectHints maps query tokens to canonical subject names. Longer hints
// are checked first so "mathematics" wins over "math".
var subjectHints = map[string]string{
	"physics":     "Physics",
	"chemistry":   "Chemistry",
	"biology":     "Biology",
	"math":        "Mathematics",
	"mathematics": "Mathematics",
	"english":     "English",
	"history":     "History",
	"geography":   "Geography",
	"economics":   "Economics",
}

var resourceHints = []struct {
	token    string
	resource string
}{
	{"mark scheme", "mark_scheme"},
	{"markscheme", "mark_scheme"},
	{"paper", "full_paper"},
	{"question", "question"},
}

var (
	yearPattern    = regexp.MustCompile(`(20\d{2}|19\d{2})`)
	nonWordPattern = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
)

const (
	minQueryLength  = 8
	maxKeywordCount = 6
)

// Safeguard gates a raw query before any retrieval work starts. Queries
// containing a blocked keyword are rejected; queries too short to carry
// intent ask for clarification.
func Safeguard(query string) domain.SafeguardVerdict {
	lowered := strings.ToLower(query)
	for _, keyword := range blockedKeywords {
		if strings.Contains(lowered, keyword) {
			return domain.SafeguardVerdict{
				Action: domain.SafeguardReject,
				Reason: "contains blocked keyword '" + keyword + "'",
			}
		}
	}
	if len(strings.TrimSpace(query)) < minQueryLength {
		return domain.SafeguardVerdict{
			Action: domain.SafeguardClarify,
			Reason: "query too short; please provide more context",
		}
	}
	return domain.SafeguardVerdict{Action: domain.SafeguardAllow}
}

// HeuristicBlueprint builds a rule-based blueprint from a raw query. It is
// the intent result when no LLM is configured and the fallback when the
// LLM call fails.
func HeuristicBlueprint(query string) domain.QueryBlueprint {
	lowered := strings.ToLower(query)

	return domain.QueryBlueprint{
		RawQuery:     query,
		Subject:      guessSubject(lowered),
		ResourceType: guessResourceType(lowered),
		Years:        extractYearRange(lowered),
		Keywords:     extractKeywords(lowered),
		SemanticSeed: strings.TrimSpace(query),
		Provenance: map[string]string{
			"intent_parser": "rule_based_v1",
			"provider":      "heuristic",
			"stage":         "intent",
		},
	}
}

func guessSubject(lowered string) string {
	hints := make([]string, 0, len(subjectHints))
	for token := range subjectHints {
		hints = append(hints, token)
	}
	sort.Slice(hints, func(i, j int) bool { return len(hints[i]) > len(hints[j]) })
	for _, token := range hints {
		if strings.Contains(lowered, token) {
			return subjectHints[token]
		}
	}
	return ""
}

func guessResourceType(lowered string) string {
	for _, hint := range resourceHints {
		if strings.Contains(lowered, hint.token) {
			return hint.resource
		}
	}
	return "question"
}

// extractYearRange finds all four-digit years and spans from the earliest
// to the latest.
func extractYearRange(lowered string) domain.YearRange {
	matches := yearPattern.FindAllString(lowered, -1)
	if len(matches) == 0 {
		return domain.YearRange{}
	}
	years := make([]int, 0, len(matches))
	for _, m := range matches {
		if y, err := strconv.Atoi(m); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	from, to := years[0], years[len(years)-1]
	return domain.YearRange{From: &from, To: &to}
}

// extractKeywords keeps the first few substantive tokens of the query.
func extractKeywords(lowered string) []string {
	var keywords []string
	for _, token := range nonWordPattern.Split(lowered, -1) {
		if len(token) <= 3 {
			continue
		}
		keywords = append(keywords, token)
		if len(keywords) >= maxKeywordCount {
			break
		}
	}
	return keywords
}
