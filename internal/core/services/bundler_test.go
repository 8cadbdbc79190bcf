package services

import (
	"strings"
	"testing"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven/mocks"
)

func ptr(i int64) *int64 { return &i }

func buildTree(components []*domain.Component) *domain.ComponentTree {
	return domain.NewComponentTree(components)
}

func TestBuildBundlesEmptyTree(t *testing.T) {
	tok := mocks.NewMockTokenizer()
	if got := BuildBundles(buildTree(nil), tok, 100); got != nil {
		t.Fatalf("expected no bundles, got %d", len(got))
	}
}

func TestBuildBundlesSmallTreeSingleBundle(t *testing.T) {
	tok := mocks.NewMockTokenizer()
	tree := buildTree([]*domain.Component{
		{ID: 1, Path: "1", Label: "1", Content: "Solve the equation"},
		{ID: 2, ParentID: ptr(1), Path: "1.a", Label: "a", Content: "for x"},
		{ID: 3, ParentID: ptr(1), Path: "1.b", Label: "b", Content: "for y"},
	})

	bundles := BuildBundles(tree, tok, 100)
	if len(bundles) != 1 {
		t.Fatalf("expected 1 bundle, got %d", len(bundles))
	}
	b := bundles[0]
	if b.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", b.Sequence)
	}
	if len(b.ComponentIDs) != 3 {
		t.Errorf("expected 3 component ids, got %v", b.ComponentIDs)
	}
	if b.ComponentIDs[0] != 1 || b.ComponentIDs[1] != 2 || b.ComponentIDs[2] != 3 {
		t.Errorf("expected preorder ids [1 2 3], got %v", b.ComponentIDs)
	}
	if !strings.Contains(b.Text, "Solve the equation") || !strings.Contains(b.Text, "for y") {
		t.Errorf("bundle text missing component content: %q", b.Text)
	}
}

func TestBuildBundlesGroupsSiblingsUnderBudget(t *testing.T) {
	tok := mocks.NewMockTokenizer()
	// Root stem is 2 tokens; each child subtree is 4 tokens. Budget 10
	// fits stem + two children per group.
	components := []*domain.Component{
		{ID: 1, Path: "1", Content: "question stem"},
	}
	words := []string{"alpha beta gamma delta", "eps zeta eta theta", "iota kappa lambda mu", "nu xi omicron pi"}
	for i, text := range words {
		components = append(components, &domain.Component{
			ID:       int64(10 + i),
			ParentID: ptr(1),
			Path:     "1." + string(rune('a'+i)),
			Content:  text,
		})
	}

	bundles := BuildBundles(buildTree(components), tok, 10)
	if len(bundles) != 2 {
		t.Fatalf("expected 2 bundles, got %d", len(bundles))
	}
	for i, b := range bundles {
		if b.Sequence != i+1 {
			t.Errorf("bundle %d has sequence %d", i, b.Sequence)
		}
		if b.TokenCount > 10 {
			t.Errorf("bundle %d exceeds budget: %d tokens", i, b.TokenCount)
		}
	}
	// The stem stays with the first group.
	if !strings.Contains(bundles[0].Text, "question stem") {
		t.Errorf("first bundle should open with the stem, got %q", bundles[0].Text)
	}
	if strings.Contains(bundles[1].Text, "question stem") {
		t.Errorf("stem duplicated into second bundle: %q", bundles[1].Text)
	}
}

func TestBuildBundlesRecursesIntoOversizedChild(t *testing.T) {
	tok := mocks.NewMockTokenizer()
	long := strings.Repeat("word ", 30)
	components := []*domain.Component{
		{ID: 1, Path: "2", Content: "intro"},
		{ID: 2, ParentID: ptr(1), Path: "2.a", Content: long},
		{ID: 3, ParentID: ptr(2), Path: "2.a.i", Content: long},
		{ID: 4, ParentID: ptr(1), Path: "2.b", Content: "short part"},
	}

	bundles := BuildBundles(buildTree(components), tok, 20)
	if len(bundles) < 3 {
		t.Fatalf("expected oversized child split into several bundles, got %d", len(bundles))
	}
	// Every component id appears exactly once across bundles.
	seen := map[int64]int{}
	for _, b := range bundles {
		for _, id := range b.ComponentIDs {
			seen[id]++
		}
	}
	for id := int64(1); id <= 4; id++ {
		if seen[id] != 1 {
			t.Errorf("component %d appears %d times", id, seen[id])
		}
	}
}

func TestBuildBundlesOversizedLeafTolerated(t *testing.T) {
	tok := mocks.NewMockTokenizer()
	long := strings.Repeat("token ", 50)
	tree := buildTree([]*domain.Component{
		{ID: 7, Path: "5", Content: long},
	})

	bundles := BuildBundles(tree, tok, 10)
	if len(bundles) != 1 {
		t.Fatalf("expected oversized leaf to form one bundle, got %d", len(bundles))
	}
	if bundles[0].TokenCount <= 10 {
		t.Errorf("expected token count above budget, got %d", bundles[0].TokenCount)
	}
}

func TestBundleTitle(t *testing.T) {
	tests := []struct {
		name     string
		paths    []string
		texts    []string
		expected string
	}{
		{"no paths", nil, nil, ""},
		{"first line of first text", []string{"1"}, []string{"line one\nline two"}, "line one"},
		{"path fallback", []string{"3.b"}, nil, "3.b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bundleTitle(tt.paths, tt.texts); got != tt.expected {
				t.Errorf("bundleTitle() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestBundleTitleCapped(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := bundleTitle([]string{"1"}, []string{long})
	if len(got) > 96 {
		t.Errorf("title length %d exceeds cap", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("capped title should end with ellipsis, got %q", got)
	}
}
