package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.PlanStore = (*PlanStore)(nil)

// PlanStore implements driven.PlanStore using PostgreSQL. Generation swaps
// and activation run in transactions; partial generations are never visible.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new PlanStore
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

const planColumns = `
	id, plan_uuid, paper_id, profile_id, status, last_error,
	bundle_count, chunk_count, embed_retries, is_active,
	created_at, updated_at, bundled_at, embedded_at
`

// CreatePlan inserts a new plan row. The (paper, profile) pair is unique;
// a second insert for the same pair surfaces the constraint violation.
func (s *PlanStore) CreatePlan(ctx context.Context, plan *domain.ChunkPlan) error {
	query := `
		INSERT INTO chunk_plans (
			plan_uuid, paper_id, profile_id, status, last_error,
			bundle_count, chunk_count, embed_retries, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		plan.PlanID,
		plan.PaperID,
		plan.ProfileID,
		string(plan.Status),
		plan.LastError,
		plan.BundleCount,
		plan.ChunkCount,
		plan.EmbedRetries,
		plan.IsActive,
	).Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create plan for paper %s: %w", plan.PaperID, err)
	}
	return nil
}

// GetPlan loads a plan by database id
func (s *PlanStore) GetPlan(ctx context.Context, id int64) (*domain.ChunkPlan, error) {
	query := `SELECT ` + planColumns + ` FROM chunk_plans WHERE id = $1`
	return scanPlan(s.db.QueryRowContext(ctx, query, id))
}

// GetPlanByPair returns the plan for a (paper, profile) pair
func (s *PlanStore) GetPlanByPair(ctx context.Context, paperID string, profileID int64) (*domain.ChunkPlan, error) {
	query := `SELECT ` + planColumns + ` FROM chunk_plans WHERE paper_id = $1 AND profile_id = $2`
	return scanPlan(s.db.QueryRowContext(ctx, query, paperID, profileID))
}

// ListPlansForPaper returns every plan for a paper, newest first
func (s *PlanStore) ListPlansForPaper(ctx context.Context, paperID string) ([]*domain.ChunkPlan, error) {
	query := `SELECT ` + planColumns + ` FROM chunk_plans WHERE paper_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, paperID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.ChunkPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// ListActivePlans returns the profile's active plans whose paper matches
// the metadata filter, ordered by plan id.
func (s *PlanStore) ListActivePlans(ctx context.Context, profileID int64, filter driven.ActivePlanFilter) ([]*domain.ChunkPlan, error) {
	query := `SELECT ` + qualifyPlanColumns("cp") + ` FROM chunk_plans cp
		JOIN papers p ON p.id = cp.paper_id
		WHERE cp.profile_id = $1 AND cp.is_active`
	args := []interface{}{profileID}

	addFilter := func(clause string, value interface{}) {
		args = append(args, value)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.Subject != "" {
		addFilter("p.subject ILIKE $%d", filter.Subject)
	}
	if filter.SyllabusCode != "" {
		addFilter("p.syllabus_code = $%d", filter.SyllabusCode)
	}
	if filter.ExamBoard != "" {
		addFilter("p.exam_board ILIKE $%d", filter.ExamBoard)
	}
	if filter.PaperType != "" {
		addFilter("p.paper_type = $%d", filter.PaperType)
	}
	if filter.Years.From != nil {
		addFilter("p.year >= $%d", *filter.Years.From)
	}
	if filter.Years.To != nil {
		addFilter("p.year <= $%d", *filter.Years.To)
	}
	query += ` ORDER BY cp.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.ChunkPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpdatePlan persists the mutable plan fields
func (s *PlanStore) UpdatePlan(ctx context.Context, plan *domain.ChunkPlan) error {
	query := `
		UPDATE chunk_plans
		SET status = $1, last_error = $2, bundle_count = $3, chunk_count = $4,
		    embed_retries = $5, is_active = $6, updated_at = now(),
		    bundled_at = $7, embedded_at = $8
		WHERE id = $9
	`

	result, err := s.db.ExecContext(ctx, query,
		string(plan.Status),
		plan.LastError,
		plan.BundleCount,
		plan.ChunkCount,
		plan.EmbedRetries,
		plan.IsActive,
		NullTime(plan.BundledAt),
		NullTime(plan.EmbeddedAt),
		plan.ID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("plan %d: %w", plan.ID, domain.ErrNotFound)
	}
	return nil
}

// ActivatePlan sets is_active on the plan and clears it on siblings of the
// same (paper, profile) pair in one transaction.
func (s *PlanStore) ActivatePlan(ctx context.Context, planID int64) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var paperID string
		var profileID int64
		err := tx.QueryRowContext(ctx,
			`SELECT paper_id, profile_id FROM chunk_plans WHERE id = $1 FOR UPDATE`,
			planID,
		).Scan(&paperID, &profileID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chunk_plans SET is_active = FALSE, updated_at = now()
			WHERE paper_id = $1 AND profile_id = $2 AND id <> $3 AND is_active
		`, paperID, profileID, planID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE chunk_plans SET is_active = TRUE, updated_at = now() WHERE id = $1
		`, planID)
		return err
	})
}

// DeactivatePlansForPaper clears is_active on all plans for a paper
func (s *PlanStore) DeactivatePlansForPaper(ctx context.Context, paperID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunk_plans SET is_active = FALSE, updated_at = now()
		WHERE paper_id = $1 AND is_active
	`, paperID)
	return err
}

// ReplaceGeneration swaps the plan's bundles and chunks for a new generation
// in a single transaction. Chunk rows resolve their bundle_id from the
// bundle's sequence within the same plan.
func (s *PlanStore) ReplaceGeneration(ctx context.Context, planID int64, bundles []*domain.Bundle, chunks []*domain.Chunk) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE plan_id = $1`, planID); err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM bundles WHERE plan_id = $1`, planID); err != nil {
			return fmt.Errorf("delete old bundles: %w", err)
		}

		bundleStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bundles (plan_id, sequence, title, component_ids, span_paths, text_content, token_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`)
		if err != nil {
			return err
		}
		defer bundleStmt.Close()

		bundleIDs := make(map[int]int64, len(bundles))
		for _, bundle := range bundles {
			err := bundleStmt.QueryRowContext(ctx,
				planID,
				bundle.Sequence,
				bundle.Title,
				pq.Array(bundle.ComponentIDs),
				pq.Array(bundle.SpanPaths),
				bundle.Text,
				bundle.TokenCount,
			).Scan(&bundle.ID)
			if err != nil {
				return fmt.Errorf("insert bundle %d: %w", bundle.Sequence, err)
			}
			bundle.PlanID = planID
			bundleIDs[bundle.Sequence] = bundle.ID
		}

		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (
				plan_id, bundle_id, bundle_sequence, sequence, text_content,
				token_count, char_start, char_end, status, point_id, last_error
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id
		`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()

		for _, chunk := range chunks {
			bundleID, ok := bundleIDs[chunk.BundleSequence]
			if !ok {
				return fmt.Errorf("%w: chunk %d references unknown bundle sequence %d",
					domain.ErrInvalidInput, chunk.Sequence, chunk.BundleSequence)
			}
			err := chunkStmt.QueryRowContext(ctx,
				planID,
				bundleID,
				chunk.BundleSequence,
				chunk.Sequence,
				chunk.Text,
				chunk.TokenCount,
				chunk.CharStart,
				chunk.CharEnd,
				string(chunk.Status),
				chunk.PointID,
				chunk.LastError,
			).Scan(&chunk.ID)
			if err != nil {
				return fmt.Errorf("insert chunk %d: %w", chunk.Sequence, err)
			}
			chunk.PlanID = planID
			chunk.BundleID = bundleID
		}
		return nil
	})
}

// DeletePlan removes the plan row; bundles and chunks cascade
func (s *PlanStore) DeletePlan(ctx context.Context, planID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunk_plans WHERE id = $1`, planID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
	}
	return nil
}

const chunkColumns = `
	id, plan_id, bundle_id, bundle_sequence, sequence, text_content,
	token_count, char_start, char_end, status, point_id, last_error,
	embedded_at, created_at
`

// ListChunks returns the plan's chunks matching the filter, ordered by sequence
func (s *PlanStore) ListChunks(ctx context.Context, planID int64, filter driven.ChunkFilter) ([]*domain.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE plan_id = $1`
	args := []interface{}{planID}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY sequence`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	return s.queryChunks(ctx, query, args...)
}

// GetChunks loads specific chunks of a plan by id, ordered by sequence
func (s *PlanStore) GetChunks(ctx context.Context, planID int64, chunkIDs []int64) ([]*domain.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks
		WHERE plan_id = $1 AND id = ANY($2) ORDER BY sequence`
	return s.queryChunks(ctx, query, planID, pq.Array(chunkIDs))
}

// GetChunksByPointIDs resolves vector point ids back to the chunks of the
// plan identified by its public uuid.
func (s *PlanStore) GetChunksByPointIDs(ctx context.Context, planUUID string, pointIDs []string) ([]*domain.Chunk, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + qualifyChunkColumns("c") + ` FROM chunks c
		JOIN chunk_plans p ON p.id = c.plan_id
		WHERE p.plan_uuid = $1 AND c.point_id = ANY($2)
		ORDER BY c.sequence`
	return s.queryChunks(ctx, query, planUUID, pq.Array(pointIDs))
}

// GetBundle loads one bundle of a plan by sequence
func (s *PlanStore) GetBundle(ctx context.Context, planID int64, sequence int) (*domain.Bundle, error) {
	query := `
		SELECT id, plan_id, sequence, title, component_ids, span_paths, text_content, token_count, created_at
		FROM bundles WHERE plan_id = $1 AND sequence = $2
	`

	var bundle domain.Bundle
	err := s.db.QueryRowContext(ctx, query, planID, sequence).Scan(
		&bundle.ID,
		&bundle.PlanID,
		&bundle.Sequence,
		&bundle.Title,
		pq.Array(&bundle.ComponentIDs),
		pq.Array(&bundle.SpanPaths),
		&bundle.Text,
		&bundle.TokenCount,
		&bundle.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

// MarkChunks updates status and error for a chunk set of one plan
func (s *PlanStore) MarkChunks(ctx context.Context, planID int64, chunkIDs []int64, status domain.ChunkStatus, lastError string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = $1, last_error = $2
		WHERE plan_id = $3 AND id = ANY($4)
	`, string(status), lastError, planID, pq.Array(chunkIDs))
	return err
}

// MarkChunkEmbedded records a successful embed with its point id
func (s *PlanStore) MarkChunkEmbedded(ctx context.Context, chunkID int64, pointID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET status = $1, point_id = $2, last_error = '', embedded_at = now()
		WHERE id = $3
	`, string(domain.ChunkEmbedded), pointID, chunkID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("chunk %d: %w", chunkID, domain.ErrNotFound)
	}
	return nil
}

// CountChunks returns the monotonic tallies for the completion check
func (s *PlanStore) CountChunks(ctx context.Context, planID int64) (driven.PlanCounts, error) {
	query := `
		SELECT count(*),
		       count(*) FILTER (WHERE status = $2),
		       count(*) FILTER (WHERE status = $3)
		FROM chunks WHERE plan_id = $1
	`

	var counts driven.PlanCounts
	err := s.db.QueryRowContext(ctx, query,
		planID, string(domain.ChunkEmbedded), string(domain.ChunkFailed),
	).Scan(&counts.Total, &counts.Embedded, &counts.Failed)
	if err != nil {
		return driven.PlanCounts{}, err
	}
	return counts, nil
}

func (s *PlanStore) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		var chunk domain.Chunk
		var status string
		var embeddedAt sql.NullTime
		err := rows.Scan(
			&chunk.ID,
			&chunk.PlanID,
			&chunk.BundleID,
			&chunk.BundleSequence,
			&chunk.Sequence,
			&chunk.Text,
			&chunk.TokenCount,
			&chunk.CharStart,
			&chunk.CharEnd,
			&status,
			&chunk.PointID,
			&chunk.LastError,
			&embeddedAt,
			&chunk.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		chunk.Status = domain.ChunkStatus(status)
		chunk.EmbeddedAt = TimePtr(embeddedAt)
		chunks = append(chunks, &chunk)
	}
	return chunks, rows.Err()
}

func scanPlan(row rowScanner) (*domain.ChunkPlan, error) {
	var plan domain.ChunkPlan
	var status string
	var bundledAt, embeddedAt sql.NullTime
	err := row.Scan(
		&plan.ID,
		&plan.PlanID,
		&plan.PaperID,
		&plan.ProfileID,
		&status,
		&plan.LastError,
		&plan.BundleCount,
		&plan.ChunkCount,
		&plan.EmbedRetries,
		&plan.IsActive,
		&plan.CreatedAt,
		&plan.UpdatedAt,
		&bundledAt,
		&embeddedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	plan.Status = domain.PlanStatus(status)
	plan.BundledAt = TimePtr(bundledAt)
	plan.EmbeddedAt = TimePtr(embeddedAt)
	return &plan, nil
}

func qualifyPlanColumns(alias string) string {
	return alias + `.id, ` + alias + `.plan_uuid, ` + alias + `.paper_id, ` +
		alias + `.profile_id, ` + alias + `.status, ` + alias + `.last_error, ` +
		alias + `.bundle_count, ` + alias + `.chunk_count, ` + alias + `.embed_retries, ` +
		alias + `.is_active, ` + alias + `.created_at, ` + alias + `.updated_at, ` +
		alias + `.bundled_at, ` + alias + `.embedded_at`
}

func qualifyChunkColumns(alias string) string {
	return alias + `.id, ` + alias + `.plan_id, ` + alias + `.bundle_id, ` +
		alias + `.bundle_sequence, ` + alias + `.sequence, ` + alias + `.text_content, ` +
		alias + `.token_count, ` + alias + `.char_start, ` + alias + `.char_end, ` +
		alias + `.status, ` + alias + `.point_id, ` + alias + `.last_error, ` +
		alias + `.embedded_at, ` + alias + `.created_at`
}
