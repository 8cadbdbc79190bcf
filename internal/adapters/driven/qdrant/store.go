// Package qdrant implements the vector store port against a Qdrant
// instance over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorStore = (*Store)(nil)

// upsertBatchSize bounds the points per gRPC upsert call.
const upsertBatchSize = 100

// Config holds Qdrant connection configuration
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	Logger *slog.Logger
}

// Store implements driven.VectorStore backed by Qdrant. Collection
// existence is checked once per profile and cached; schema mismatches are
// surfaced as domain.ErrSchemaMismatch rather than silently recreated.
type Store struct {
	client *qdrant.Client
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewStore creates a Store and verifies the instance is reachable.
func NewStore(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	s := &Store{
		client:  client,
		logger:  logger,
		ensured: make(map[string]bool),
	}
	if err := s.healthCheckWithRetry(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("qdrant unreachable: %w", err)
	}
	return s, nil
}

// EnsureIndex creates the profile's collection when absent. An existing
// collection must match the profile's dimension and metric exactly.
func (s *Store) EnsureIndex(ctx context.Context, profile *domain.IndexProfile) error {
	s.mu.Lock()
	if s.ensured[profile.Collection] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	exists, err := s.client.CollectionExists(ctx, profile.Collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", profile.Collection, err)
	}

	if exists {
		if err := s.verifySchema(ctx, profile); err != nil {
			return err
		}
	} else {
		if err := s.createCollection(ctx, profile); err != nil {
			return err
		}
		s.logger.Info("created vector collection",
			"collection", profile.Collection,
			"dimension", profile.Dimension,
			"distance", string(profile.Distance))
	}

	s.mu.Lock()
	s.ensured[profile.Collection] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) createCollection(ctx context.Context, profile *domain.IndexProfile) error {
	distance, err := mapDistance(profile.Distance)
	if err != nil {
		return err
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: profile.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(profile.Dimension),
			Distance: distance,
			HnswConfig: &qdrant.HnswConfigDiff{
				M:           qdrant.PtrOf(uint64(profile.HNSWM)),
				EfConstruct: qdrant.PtrOf(uint64(profile.HNSWEfConstruct)),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", profile.Collection, err)
	}

	// Payload indexes keep plan deletion and paper-scoped search fast.
	for _, field := range []string{"plan_uuid", "paper_id"} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: profile.Collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("create payload index %s: %w", field, err)
		}
	}
	return nil
}

func (s *Store) verifySchema(ctx context.Context, profile *domain.IndexProfile) error {
	info, err := s.client.GetCollectionInfo(ctx, profile.Collection)
	if err != nil {
		return fmt.Errorf("inspect collection %s: %w", profile.Collection, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return fmt.Errorf("%w: collection %s uses named vectors",
			domain.ErrSchemaMismatch, profile.Collection)
	}
	if params.GetSize() != uint64(profile.Dimension) {
		return fmt.Errorf("%w: collection %s has dimension %d, profile wants %d",
			domain.ErrSchemaMismatch, profile.Collection, params.GetSize(), profile.Dimension)
	}
	wanted, err := mapDistance(profile.Distance)
	if err != nil {
		return err
	}
	if params.GetDistance() != wanted {
		return fmt.Errorf("%w: collection %s has distance %s, profile wants %s",
			domain.ErrSchemaMismatch, profile.Collection, params.GetDistance(), wanted)
	}
	return nil
}

// Upsert writes records in batches. Point ids are deterministic so a
// replayed batch overwrites instead of duplicating.
func (s *Store) Upsert(ctx context.Context, profile *domain.IndexProfile, records []driven.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	for i, record := range records {
		if len(record.Vector) != profile.Dimension {
			return fmt.Errorf("%w: record %d has %d dimensions, collection %s wants %d",
				domain.ErrSchemaMismatch, i, len(record.Vector), profile.Collection, profile.Dimension)
		}
	}

	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}

		batch := records[start:end]
		points := make([]*qdrant.PointStruct, len(batch))
		for i, record := range batch {
			points[i] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(record.PointID),
				Vectors: qdrant.NewVectors(record.Vector...),
				Payload: qdrant.NewValueMap(encodePayload(record.Payload)),
			}
		}

		if err := s.upsertWithRetry(ctx, profile.Collection, points); err != nil {
			return fmt.Errorf("upsert batch %d-%d into %s: %w", start, end, profile.Collection, err)
		}
	}
	return nil
}

func (s *Store) upsertWithRetry(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Points:         points,
			Wait:           qdrant.PtrOf(true),
		})
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}

// DeleteByPlan removes every point whose payload carries the plan uuid
func (s *Store) DeleteByPlan(ctx context.Context, profile *domain.IndexProfile, planUUID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: profile.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("plan_uuid", planUUID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("delete plan %s from %s: %w", planUUID, profile.Collection, err)
	}
	return nil
}

// Search returns the top-k ranked points matching the filter
func (s *Store) Search(ctx context.Context, profile *domain.IndexProfile, vector []float32, topK int, filter driven.VectorFilter) ([]driven.VectorHit, error) {
	if len(vector) != profile.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %s wants %d",
			domain.ErrSchemaMismatch, len(vector), profile.Collection, profile.Dimension)
	}

	var must []*qdrant.Condition
	if filter.PaperID != "" {
		must = append(must, qdrant.NewMatch("paper_id", filter.PaperID))
	}
	if filter.PlanUUID != "" {
		must = append(must, qdrant.NewMatch("plan_uuid", filter.PlanUUID))
	}
	if len(filter.PlanUUIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords("plan_uuid", filter.PlanUUIDs...))
	}
	var qFilter *qdrant.Filter
	if len(must) > 0 {
		qFilter = &qdrant.Filter{Must: must}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: profile.Collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         qFilter,
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", profile.Collection, err)
	}

	hits := make([]driven.VectorHit, 0, len(results))
	for _, result := range results {
		hits = append(hits, driven.VectorHit{
			PointID: result.GetId().GetUuid(),
			Score:   float64(result.GetScore()),
			Payload: decodePayload(result.GetPayload()),
		})
	}
	return hits, nil
}

// HealthCheck verifies the instance is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	if result == nil || result.GetTitle() == "" {
		return fmt.Errorf("qdrant health check: empty response")
	}
	return nil
}

// Close releases the client connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) healthCheckWithRetry(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error { return s.HealthCheck(ctx) },
		backoff.WithContext(policy, ctx))
}

func mapDistance(metric domain.DistanceMetric) (qdrant.Distance, error) {
	switch metric {
	case domain.DistanceCosine:
		return qdrant.Distance_Cosine, nil
	case domain.DistanceDot:
		return qdrant.Distance_Dot, nil
	case domain.DistanceL2:
		return qdrant.Distance_Euclid, nil
	default:
		return qdrant.Distance_UnknownDistance, fmt.Errorf("%w: unknown distance metric %q",
			domain.ErrInvalidInput, metric)
	}
}

func encodePayload(payload driven.VectorPayload) map[string]any {
	componentIDs := make([]any, len(payload.ComponentIDs))
	for i, id := range payload.ComponentIDs {
		componentIDs[i] = id
	}
	spanPaths := make([]any, len(payload.SpanPaths))
	for i, path := range payload.SpanPaths {
		spanPaths[i] = path
	}
	return map[string]any{
		"plan_uuid":       payload.PlanUUID,
		"chunk_id":        payload.ChunkID,
		"chunk_sequence":  payload.ChunkSequence,
		"paper_id":        payload.PaperID,
		"bundle_sequence": payload.BundleSequence,
		"component_ids":   componentIDs,
		"span_paths":      spanPaths,
		"token_count":     payload.TokenCount,
	}
}

func decodePayload(values map[string]*qdrant.Value) driven.VectorPayload {
	payload := driven.VectorPayload{
		PlanUUID:       values["plan_uuid"].GetStringValue(),
		ChunkID:        values["chunk_id"].GetIntegerValue(),
		ChunkSequence:  int(values["chunk_sequence"].GetIntegerValue()),
		PaperID:        values["paper_id"].GetStringValue(),
		BundleSequence: int(values["bundle_sequence"].GetIntegerValue()),
		TokenCount:     int(values["token_count"].GetIntegerValue()),
	}
	if list := values["component_ids"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			payload.ComponentIDs = append(payload.ComponentIDs, v.GetIntegerValue())
		}
	}
	if list := values["span_paths"].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			payload.SpanPaths = append(payload.SpanPaths, v.GetStringValue())
		}
	}
	return payload
}
