package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DocumentStore = (*DocumentStore)(nil)

// candidateFactor over-fetches keyword candidates so scoring in Go can
// reorder before trimming to the requested limit.
const candidateFactor = 2

// DocumentStore implements driven.DocumentStore over the paper/component
// tables. The tables are owned by the ingestion pipeline; everything here
// is read-only.
type DocumentStore struct {
	db *DB
}

// NewDocumentStore creates a new DocumentStore
func NewDocumentStore(db *DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// GetComponentTree loads the full component forest for a paper
func (s *DocumentStore) GetComponentTree(ctx context.Context, paperID string) (*domain.ComponentTree, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM papers WHERE id = $1)`, paperID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("paper %s: %w", paperID, domain.ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, parent_id, path, label, content, depth, created_at
		FROM components WHERE paper_id = $1
		ORDER BY path, id
	`, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var components []*domain.Component
	for rows.Next() {
		component, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		components = append(components, component)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.NewComponentTree(components), nil
}

// SearchKeyword runs a filtered term match over components. SQL narrows
// candidates to rows matching at least one term; scoring and the final
// ordering happen in Go so the ranking rules stay in one place.
func (s *DocumentStore) SearchKeyword(ctx context.Context, query driven.KeywordQuery) ([]driven.KeywordHit, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 25
	}

	sqlQuery := `
		SELECT c.id, c.path, c.label, c.content,
		       p.id, p.paper_code, p.subject, p.syllabus_code, p.exam_board, p.year
		FROM components c
		JOIN papers p ON p.id = c.paper_id
		WHERE EXISTS (
			SELECT 1 FROM unnest($1::text[]) AS term
			WHERE c.content ILIKE '%' || term || '%' OR c.label ILIKE '%' || term || '%'
		)
	`
	args := []interface{}{pq.Array(terms)}

	addFilter := func(clause string, value interface{}) {
		args = append(args, value)
		sqlQuery += fmt.Sprintf(" AND "+clause, len(args))
	}
	if query.Subject != "" {
		addFilter("p.subject ILIKE $%d", query.Subject)
	}
	if query.SyllabusCode != "" {
		addFilter("p.syllabus_code = $%d", query.SyllabusCode)
	}
	if query.ExamBoard != "" {
		addFilter("p.exam_board ILIKE $%d", query.ExamBoard)
	}
	if query.PaperType != "" {
		addFilter("p.paper_type = $%d", query.PaperType)
	}
	if query.Years.From != nil {
		addFilter("p.year >= $%d", *query.Years.From)
	}
	if query.Years.To != nil {
		addFilter("p.year <= $%d", *query.Years.To)
	}
	sqlQuery += fmt.Sprintf(" LIMIT %d", limit*candidateFactor)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []driven.KeywordHit
	phrase := strings.ToLower(strings.TrimSpace(query.Query))
	for rows.Next() {
		var hit driven.KeywordHit
		var label, content string
		err := rows.Scan(
			&hit.ComponentID,
			&hit.Path,
			&label,
			&content,
			&hit.PaperID,
			&hit.PaperCode,
			&hit.Subject,
			&hit.SyllabusCode,
			&hit.ExamBoard,
			&hit.Year,
		)
		if err != nil {
			return nil, err
		}

		text := strings.ToLower(label + " " + content)
		for _, term := range terms {
			if strings.Contains(text, strings.ToLower(term)) {
				hit.MatchTerms = append(hit.MatchTerms, term)
			}
		}
		if len(hit.MatchTerms) == 0 {
			continue
		}
		hit.Score = float64(len(hit.MatchTerms)) / float64(len(terms)) * 0.8
		if phrase != "" && strings.Contains(text, phrase) {
			hit.Score += 0.2
		}
		hit.Snippet = (&domain.Component{Label: label, Content: content}).Text()
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// FetchContext returns parent/sibling/child structure for a component
func (s *DocumentStore) FetchContext(ctx context.Context, componentID int64) (*driven.ComponentContext, error) {
	var paperID string
	var parentID sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT paper_id, parent_id FROM components WHERE id = $1`,
		componentID,
	).Scan(&paperID, &parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("component %d: %w", componentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	info := &driven.ComponentContext{ParentID: Int64Ptr(parentID)}

	if parentID.Valid {
		err := s.db.QueryRowContext(ctx,
			`SELECT path FROM components WHERE id = $1`, parentID.Int64,
		).Scan(&info.ParentPath)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	info.SiblingPaths, err = s.queryPaths(ctx, `
		SELECT path FROM components
		WHERE paper_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND id <> $3
		ORDER BY path, id
	`, paperID, parentID, componentID)
	if err != nil {
		return nil, err
	}

	info.ChildPaths, err = s.queryPaths(ctx, `
		SELECT path FROM components WHERE parent_id = $1 ORDER BY path, id
	`, componentID)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetComponents loads specific components by id, preserving the input order
func (s *DocumentStore) GetComponents(ctx context.Context, ids []int64) ([]*domain.Component, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, paper_id, parent_id, path, label, content, depth, created_at
		FROM components WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*domain.Component, len(ids))
	for rows.Next() {
		component, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		byID[component.ID] = component
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Component, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *DocumentStore) queryPaths(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func scanComponent(row rowScanner) (*domain.Component, error) {
	var component domain.Component
	var parentID sql.NullInt64
	err := row.Scan(
		&component.ID,
		&component.PaperID,
		&parentID,
		&component.Path,
		&component.Label,
		&component.Content,
		&component.Depth,
		&component.Created,
	)
	if err != nil {
		return nil, err
	}
	component.ParentID = Int64Ptr(parentID)
	return &component, nil
}

// searchTerms picks the match terms, preferring the blueprint keywords over
// the raw query tokens.
func searchTerms(query driven.KeywordQuery) []string {
	if len(query.Keywords) > 0 {
		return query.Keywords
	}
	var terms []string
	for _, tok := range strings.Fields(query.Query) {
		if len(tok) > 3 {
			terms = append(terms, tok)
		}
	}
	return terms
}
