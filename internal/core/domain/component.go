package domain

import (
	"sort"
	"strings"
	"time"
)

// Component is one node of a paper's question hierarchy. Components are
// parsed once and never mutated; the subtree rooted at a component is the
// unit the bundler reasons about.
type Component struct {
	ID       int64  `json:"id"`
	PaperID  string `json:"paper_id"`
	ParentID *int64 `json:"parent_id,omitempty"`
	// Path is the normalised outline position, e.g. "3.b.ii"
	Path    string    `json:"path"`
	Label   string    `json:"label"`
	Content string    `json:"content"`
	Depth   int       `json:"depth"`
	Created time.Time `json:"created_at"`
}

// Text renders the component as "label: content", omitting empty parts.
func (c *Component) Text() string {
	label := strings.TrimSpace(c.Label)
	content := strings.TrimSpace(c.Content)
	switch {
	case label != "" && content != "":
		return label + ": " + content
	case label != "":
		return label
	default:
		return content
	}
}

// ComponentTree is a forest of components indexed for traversal. Build it
// once per bundler run; it holds no state beyond the parent/child index.
type ComponentTree struct {
	Roots    []*Component
	children map[int64][]*Component
	byID     map[int64]*Component
}

// NewComponentTree links a flat component list into a forest. Siblings are
// ordered by path then id so traversal matches document order.
func NewComponentTree(components []*Component) *ComponentTree {
	t := &ComponentTree{
		children: make(map[int64][]*Component),
		byID:     make(map[int64]*Component, len(components)),
	}
	for _, c := range components {
		t.byID[c.ID] = c
		if c.ParentID == nil {
			t.Roots = append(t.Roots, c)
		} else {
			t.children[*c.ParentID] = append(t.children[*c.ParentID], c)
		}
	}
	sortSiblings(t.Roots)
	for _, siblings := range t.children {
		sortSiblings(siblings)
	}
	return t
}

// Children returns the ordered children of a component.
func (t *ComponentTree) Children(id int64) []*Component {
	return t.children[id]
}

// Get returns the component with the given id, or nil.
func (t *ComponentTree) Get(id int64) *Component {
	return t.byID[id]
}

// Size returns the number of components in the tree.
func (t *ComponentTree) Size() int {
	return len(t.byID)
}

// All returns every component in preorder, roots first.
func (t *ComponentTree) All() []*Component {
	out := make([]*Component, 0, len(t.byID))
	var walk func(nodes []*Component)
	walk = func(nodes []*Component) {
		for _, n := range nodes {
			out = append(out, n)
			walk(t.children[n.ID])
		}
	}
	walk(t.Roots)
	return out
}

func sortSiblings(siblings []*Component) {
	sort.SliceStable(siblings, func(i, j int) bool {
		if siblings[i].Path != siblings[j].Path {
			return siblings[i].Path < siblings[j].Path
		}
		return siblings[i].ID < siblings[j].ID
	})
}
