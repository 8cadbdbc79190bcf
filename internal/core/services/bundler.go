package services

import (
	"strings"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

const bundleTitleMax = 96

// subtreePayload aggregates one component subtree: the ids and paths it
// spans, its non-empty texts in preorder, and the total token count.
// Payloads live in a per-run cache and are never shared across runs.
type subtreePayload struct {
	ids    []int64
	paths  []string
	texts  []string
	tokens int
}

// bundleRun is the scratch state for one BuildBundles call.
type bundleRun struct {
	tree     *domain.ComponentTree
	texts    map[int64]string
	tokens   map[int64]int
	subtrees map[int64]*subtreePayload
	target   int
}

// BuildBundles cuts a paper's component tree into semantic bundles that
// approximate the target token budget. A subtree that fits the budget
// becomes one bundle; oversized subtrees are split by grouping consecutive
// sibling subtrees greedily and recursing into children that alone exceed
// the budget. Bundles come out in document preorder with sequence numbers
// starting at 1. A single component larger than the budget still produces
// a bundle; splitting below component granularity is the chunker's job.
func BuildBundles(tree *domain.ComponentTree, tok driven.Tokenizer, targetTokens int) []*domain.Bundle {
	if tree == nil || tree.Size() == 0 {
		return nil
	}

	run := &bundleRun{
		tree:     tree,
		texts:    make(map[int64]string, tree.Size()),
		tokens:   make(map[int64]int, tree.Size()),
		subtrees: make(map[int64]*subtreePayload, tree.Size()),
		target:   targetTokens,
	}
	if run.target < 1 {
		run.target = 1
	}
	for _, c := range tree.All() {
		text := c.Text()
		run.texts[c.ID] = text
		run.tokens[c.ID] = tok.Count(text)
	}

	var payloads []*subtreePayload
	for _, root := range tree.Roots {
		payloads = append(payloads, run.bundleNode(root)...)
	}

	bundles := make([]*domain.Bundle, 0, len(payloads))
	for i, p := range payloads {
		bundles = append(bundles, &domain.Bundle{
			Sequence:     i + 1,
			Title:        bundleTitle(p.paths, p.texts),
			ComponentIDs: p.ids,
			SpanPaths:    p.paths,
			Text:         strings.Join(p.texts, "\n\n"),
			TokenCount:   p.tokens,
		})
	}
	return bundles
}

// subtree returns the cached aggregate for a component's subtree.
func (r *bundleRun) subtree(c *domain.Component) *subtreePayload {
	if cached, ok := r.subtrees[c.ID]; ok {
		return cached
	}

	p := &subtreePayload{
		ids:    []int64{c.ID},
		paths:  []string{componentPath(c)},
		tokens: r.tokens[c.ID],
	}
	if r.texts[c.ID] != "" {
		p.texts = append(p.texts, r.texts[c.ID])
	}
	for _, child := range r.tree.Children(c.ID) {
		cp := r.subtree(child)
		p.ids = append(p.ids, cp.ids...)
		p.paths = append(p.paths, cp.paths...)
		p.texts = append(p.texts, cp.texts...)
		p.tokens += cp.tokens
	}
	r.subtrees[c.ID] = p
	return p
}

// bundleNode emits the bundles for one subtree in preorder.
func (r *bundleRun) bundleNode(c *domain.Component) []*subtreePayload {
	payload := r.subtree(c)
	children := r.tree.Children(c.ID)
	if payload.tokens <= r.target || len(children) == 0 {
		if len(payload.texts) == 0 {
			return nil
		}
		return []*subtreePayload{payload}
	}

	var out []*subtreePayload

	// The parent's own text opens the first group so the question stem
	// stays with its first parts.
	cur := &subtreePayload{
		ids:    []int64{c.ID},
		paths:  []string{componentPath(c)},
		tokens: r.tokens[c.ID],
	}
	if r.texts[c.ID] != "" {
		cur.texts = append(cur.texts, r.texts[c.ID])
	}

	flush := func(force bool) {
		if len(cur.ids) == 0 {
			return
		}
		if len(cur.texts) > 0 || force {
			out = append(out, cur)
		}
		cur = &subtreePayload{}
	}

	if cur.tokens > r.target {
		flush(true)
	}

	for _, child := range children {
		cp := r.subtree(child)

		if cp.tokens > r.target {
			flush(false)
			out = append(out, r.bundleNode(child)...)
			continue
		}

		if len(cur.ids) > 0 && cur.tokens > 0 && cur.tokens+cp.tokens > r.target {
			flush(false)
		}

		cur.ids = append(cur.ids, cp.ids...)
		cur.paths = append(cur.paths, cp.paths...)
		cur.texts = append(cur.texts, cp.texts...)
		cur.tokens += cp.tokens
	}
	flush(false)
	return out
}

// bundleTitle derives a display title: the first line of the first text,
// capped, or the first span path for text-less bundles.
func bundleTitle(paths, texts []string) string {
	if len(paths) == 0 {
		return ""
	}
	if len(texts) > 0 {
		line := texts[0]
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		if len(line) > bundleTitleMax {
			line = strings.TrimRight(line[:bundleTitleMax-3], " ") + "..."
		}
		return line
	}
	return paths[0]
}

func componentPath(c *domain.Component) string {
	if c.Path != "" {
		return c.Path
	}
	return c.Label
}
