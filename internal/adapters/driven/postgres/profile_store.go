package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ProfileStore = (*ProfileStore)(nil)

// ProfileStore implements driven.ProfileStore using PostgreSQL.
// Profiles are append-only: the chunking parameters of an existing row are
// never updated, only the descriptive fields and the active flag.
type ProfileStore struct {
	db *DB
}

// NewProfileStore creates a new ProfileStore
func NewProfileStore(db *DB) *ProfileStore {
	return &ProfileStore{db: db}
}

const profileColumns = `
	id, slug, display_name, description, encoder, tokenizer, dimension,
	max_input_tokens, chunk_size, chunk_overlap, target_bundle_tokens,
	collection, distance, hnsw_m, hnsw_ef_construct, is_active,
	created_at, updated_at
`

// Save inserts a profile, or refreshes the mutable fields of an existing
// slug. The id is written back onto the profile.
func (s *ProfileStore) Save(ctx context.Context, profile *domain.IndexProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO index_profiles (
			slug, display_name, description, encoder, tokenizer, dimension,
			max_input_tokens, chunk_size, chunk_overlap, target_bundle_tokens,
			collection, distance, hnsw_m, hnsw_ef_construct, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (slug) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		profile.Slug,
		profile.DisplayName,
		profile.Description,
		profile.Encoder,
		profile.TokenizerName,
		profile.Dimension,
		profile.MaxInputTokens,
		profile.ChunkSize,
		profile.ChunkOverlap,
		profile.TargetBundleTokens,
		profile.Collection,
		string(profile.Distance),
		profile.HNSWM,
		profile.HNSWEfConstruct,
		profile.IsActive,
	).Scan(&profile.ID, &profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", profile.Slug, err)
	}
	return nil
}

// Get retrieves a profile by id
func (s *ProfileStore) Get(ctx context.Context, id int64) (*domain.IndexProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM index_profiles WHERE id = $1`
	return s.scanProfile(s.db.QueryRowContext(ctx, query, id))
}

// GetBySlug retrieves a profile by slug
func (s *ProfileStore) GetBySlug(ctx context.Context, slug string) (*domain.IndexProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM index_profiles WHERE slug = $1`
	return s.scanProfile(s.db.QueryRowContext(ctx, query, slug))
}

// ListActive returns every active profile ordered by id
func (s *ProfileStore) ListActive(ctx context.Context) ([]*domain.IndexProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM index_profiles WHERE is_active ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*domain.IndexProfile
	for rows.Next() {
		profile, err := s.scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// Deactivate clears the active flag on a profile
func (s *ProfileStore) Deactivate(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE index_profiles SET is_active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("profile %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *ProfileStore) scanProfile(row rowScanner) (*domain.IndexProfile, error) {
	var profile domain.IndexProfile
	var distance string
	err := row.Scan(
		&profile.ID,
		&profile.Slug,
		&profile.DisplayName,
		&profile.Description,
		&profile.Encoder,
		&profile.TokenizerName,
		&profile.Dimension,
		&profile.MaxInputTokens,
		&profile.ChunkSize,
		&profile.ChunkOverlap,
		&profile.TargetBundleTokens,
		&profile.Collection,
		&distance,
		&profile.HNSWM,
		&profile.HNSWEfConstruct,
		&profile.IsActive,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	profile.Distance = domain.DistanceMetric(distance)
	return &profile, nil
}
