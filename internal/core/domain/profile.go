package domain

import (
	"fmt"
	"time"
)

// DistanceMetric selects the vector similarity function for a profile.
type DistanceMetric string

const (
	DistanceCosine DistanceMetric = "cosine"
	DistanceDot    DistanceMetric = "dot"
	DistanceL2     DistanceMetric = "l2"
)

// IndexProfile is an immutable embedding/indexing strategy. Once any plan
// references a profile it must never change; new strategies get new rows.
type IndexProfile struct {
	ID          int64  `json:"id"`
	Slug        string `json:"slug"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`

	Encoder        string `json:"encoder"`
	TokenizerName  string `json:"tokenizer"`
	Dimension      int    `json:"dimension"`
	MaxInputTokens int    `json:"max_input_tokens"`

	ChunkSize          int `json:"chunk_size"`
	ChunkOverlap       int `json:"chunk_overlap"`
	TargetBundleTokens int `json:"target_bundle_tokens"`

	Collection      string         `json:"collection"`
	Distance        DistanceMetric `json:"distance"`
	HNSWM           int            `json:"hnsw_m"`
	HNSWEfConstruct int            `json:"hnsw_ef_construct"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the profile invariants before it is persisted.
func (p *IndexProfile) Validate() error {
	if p.Slug == "" {
		return fmt.Errorf("%w: profile slug is required", ErrInvalidInput)
	}
	if p.Encoder == "" {
		return fmt.Errorf("%w: profile encoder is required", ErrInvalidInput)
	}
	if p.Dimension <= 0 {
		return fmt.Errorf("%w: profile dimension must be positive", ErrInvalidInput)
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidInput)
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must satisfy 0 <= overlap < chunk_size", ErrInvalidInput)
	}
	if p.TargetBundleTokens <= 0 {
		return fmt.Errorf("%w: target_bundle_tokens must be positive", ErrInvalidInput)
	}
	if p.Collection == "" {
		return fmt.Errorf("%w: profile collection is required", ErrInvalidInput)
	}
	switch p.Distance {
	case DistanceCosine, DistanceDot, DistanceL2:
	default:
		return fmt.Errorf("%w: unknown distance metric %q", ErrInvalidInput, p.Distance)
	}
	return nil
}

// DefaultProfile returns the built-in profile used when none is configured.
func DefaultProfile() *IndexProfile {
	now := time.Now()
	return &IndexProfile{
		Slug:               "default-small",
		DisplayName:        "Default small encoder",
		Encoder:            "text-embedding-3-small",
		TokenizerName:      "whitespace",
		Dimension:          1536,
		MaxInputTokens:     8191,
		ChunkSize:          256,
		ChunkOverlap:       32,
		TargetBundleTokens: 600,
		Collection:         "papyr_default_small",
		Distance:           DistanceCosine,
		HNSWM:              32,
		HNSWEfConstruct:    200,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}
