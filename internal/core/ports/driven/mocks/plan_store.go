package mocks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// MockProfileStore is an in-memory ProfileStore for testing.
type MockProfileStore struct {
	mu       sync.Mutex
	nextID   int64
	profiles map[int64]*domain.IndexProfile
}

// NewMockProfileStore creates a new mock profile store.
func NewMockProfileStore() *MockProfileStore {
	return &MockProfileStore{profiles: make(map[int64]*domain.IndexProfile)}
}

func (m *MockProfileStore) Save(ctx context.Context, profile *domain.IndexProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.profiles {
		if p.Slug == profile.Slug && p.ID != profile.ID {
			return fmt.Errorf("profile %s: %w", profile.Slug, domain.ErrAlreadyExists)
		}
	}
	if profile.ID == 0 {
		m.nextID++
		profile.ID = m.nextID
	}
	cp := *profile
	m.profiles[profile.ID] = &cp
	return nil
}

func (m *MockProfileStore) Get(ctx context.Context, id int64) (*domain.IndexProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %d: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockProfileStore) GetBySlug(ctx context.Context, slug string) (*domain.IndexProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.profiles {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("profile %s: %w", slug, domain.ErrNotFound)
}

func (m *MockProfileStore) ListActive(ctx context.Context) ([]*domain.IndexProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.IndexProfile
	for _, p := range m.profiles {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockProfileStore) Deactivate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[id]
	if !ok {
		return fmt.Errorf("profile %d: %w", id, domain.ErrNotFound)
	}
	p.IsActive = false
	return nil
}

// PaperMeta is the paper metadata the mock matches an ActivePlanFilter
// against. Plans of papers without registered metadata only match the
// zero filter.
type PaperMeta struct {
	Subject      string
	SyllabusCode string
	ExamBoard    string
	PaperType    string
	Year         int
}

// MockPlanStore is an in-memory PlanStore for testing.
type MockPlanStore struct {
	mu          sync.Mutex
	nextPlanID  int64
	nextRowID   int64
	plans       map[int64]*domain.ChunkPlan
	bundles     map[int64][]*domain.Bundle
	chunks      map[int64][]*domain.Chunk
	papers      map[string]PaperMeta
	UpdateErr   error
	ReplaceErr  error
	UpdateCalls int
}

// NewMockPlanStore creates a new mock plan store.
func NewMockPlanStore() *MockPlanStore {
	return &MockPlanStore{
		plans:   make(map[int64]*domain.ChunkPlan),
		bundles: make(map[int64][]*domain.Bundle),
		chunks:  make(map[int64][]*domain.Chunk),
		papers:  make(map[string]PaperMeta),
	}
}

// SetPaperMeta registers the paper metadata used by ListActivePlans
// filtering.
func (m *MockPlanStore) SetPaperMeta(paperID string, meta PaperMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.papers[paperID] = meta
}

func (m *MockPlanStore) CreatePlan(ctx context.Context, plan *domain.ChunkPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.plans {
		if p.PaperID == plan.PaperID && p.ProfileID == plan.ProfileID {
			return fmt.Errorf("plan for paper %s profile %d: %w",
				plan.PaperID, plan.ProfileID, domain.ErrAlreadyExists)
		}
	}
	m.nextPlanID++
	plan.ID = m.nextPlanID
	cp := *plan
	m.plans[plan.ID] = &cp
	return nil
}

func (m *MockPlanStore) GetPlan(ctx context.Context, id int64) (*domain.ChunkPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *MockPlanStore) getLocked(id int64) (*domain.ChunkPlan, error) {
	p, ok := m.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %d: %w", id, domain.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockPlanStore) GetPlanByPair(ctx context.Context, paperID string, profileID int64) (*domain.ChunkPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.plans {
		if p.PaperID == paperID && p.ProfileID == profileID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("plan for paper %s profile %d: %w", paperID, profileID, domain.ErrNotFound)
}

func (m *MockPlanStore) ListPlansForPaper(ctx context.Context, paperID string) ([]*domain.ChunkPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.ChunkPlan
	for _, p := range m.plans {
		if p.PaperID == paperID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *MockPlanStore) ListActivePlans(ctx context.Context, profileID int64, filter driven.ActivePlanFilter) ([]*domain.ChunkPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.ChunkPlan
	for _, p := range m.plans {
		if p.ProfileID != profileID || !p.IsActive {
			continue
		}
		if !m.paperMatchesLocked(p.PaperID, filter) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockPlanStore) paperMatchesLocked(paperID string, filter driven.ActivePlanFilter) bool {
	meta, ok := m.papers[paperID]
	if !ok {
		return filter == (driven.ActivePlanFilter{})
	}
	if filter.Subject != "" && !strings.EqualFold(meta.Subject, filter.Subject) {
		return false
	}
	if filter.SyllabusCode != "" && meta.SyllabusCode != filter.SyllabusCode {
		return false
	}
	if filter.ExamBoard != "" && !strings.EqualFold(meta.ExamBoard, filter.ExamBoard) {
		return false
	}
	if filter.PaperType != "" && meta.PaperType != filter.PaperType {
		return false
	}
	if filter.Years.From != nil && meta.Year < *filter.Years.From {
		return false
	}
	if filter.Years.To != nil && meta.Year > *filter.Years.To {
		return false
	}
	return true
}

func (m *MockPlanStore) UpdatePlan(ctx context.Context, plan *domain.ChunkPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateCalls++
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	if _, ok := m.plans[plan.ID]; !ok {
		return fmt.Errorf("plan %d: %w", plan.ID, domain.ErrNotFound)
	}
	cp := *plan
	m.plans[plan.ID] = &cp
	return nil
}

func (m *MockPlanStore) ActivatePlan(ctx context.Context, planID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.plans[planID]
	if !ok {
		return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
	}
	for _, p := range m.plans {
		if p.PaperID == target.PaperID && p.ProfileID == target.ProfileID {
			p.IsActive = p.ID == planID
		}
	}
	return nil
}

func (m *MockPlanStore) DeactivatePlansForPaper(ctx context.Context, paperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.plans {
		if p.PaperID == paperID {
			p.IsActive = false
		}
	}
	return nil
}

func (m *MockPlanStore) ReplaceGeneration(ctx context.Context, planID int64, bundles []*domain.Bundle, chunks []*domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ReplaceErr != nil {
		return m.ReplaceErr
	}
	if _, ok := m.plans[planID]; !ok {
		return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
	}
	m.bundles[planID] = nil
	m.chunks[planID] = nil
	for _, b := range bundles {
		m.nextRowID++
		cp := *b
		cp.ID = m.nextRowID
		cp.PlanID = planID
		m.bundles[planID] = append(m.bundles[planID], &cp)
	}
	for _, c := range chunks {
		m.nextRowID++
		cp := *c
		cp.ID = m.nextRowID
		cp.PlanID = planID
		m.chunks[planID] = append(m.chunks[planID], &cp)
	}
	return nil
}

func (m *MockPlanStore) DeletePlan(ctx context.Context, planID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[planID]; !ok {
		return fmt.Errorf("plan %d: %w", planID, domain.ErrNotFound)
	}
	delete(m.plans, planID)
	delete(m.bundles, planID)
	delete(m.chunks, planID)
	return nil
}

func (m *MockPlanStore) ListChunks(ctx context.Context, planID int64, filter driven.ChunkFilter) ([]*domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Chunk
	for _, c := range m.chunks[planID] {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, c.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MockPlanStore) GetChunks(ctx context.Context, planID int64, chunkIDs []int64) ([]*domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}
	var out []*domain.Chunk
	for _, c := range m.chunks[planID] {
		if wanted[c.ID] {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockPlanStore) GetChunksByPointIDs(ctx context.Context, planUUID string, pointIDs []string) ([]*domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(pointIDs))
	for _, id := range pointIDs {
		wanted[id] = true
	}
	var out []*domain.Chunk
	for planID, p := range m.plans {
		if p.PlanID.String() != planUUID {
			continue
		}
		for _, c := range m.chunks[planID] {
			if wanted[c.PointID] {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MockPlanStore) GetBundle(ctx context.Context, planID int64, sequence int) (*domain.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bundles[planID] {
		if b.Sequence == sequence {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("bundle %d of plan %d: %w", sequence, planID, domain.ErrNotFound)
}

func (m *MockPlanStore) MarkChunks(ctx context.Context, planID int64, chunkIDs []int64, status domain.ChunkStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[int64]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}
	for _, c := range m.chunks[planID] {
		if wanted[c.ID] {
			c.Status = status
			c.LastError = lastError
		}
	}
	return nil
}

func (m *MockPlanStore) MarkChunkEmbedded(ctx context.Context, chunkID int64, pointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			if c.ID == chunkID {
				c.Status = domain.ChunkEmbedded
				c.PointID = pointID
				c.LastError = ""
				c.EmbeddedAt = &now
				return nil
			}
		}
	}
	return fmt.Errorf("chunk %d: %w", chunkID, domain.ErrNotFound)
}

func (m *MockPlanStore) CountChunks(ctx context.Context, planID int64) (driven.PlanCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts driven.PlanCounts
	for _, c := range m.chunks[planID] {
		counts.Total++
		switch c.Status {
		case domain.ChunkEmbedded:
			counts.Embedded++
		case domain.ChunkFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// Helper methods for testing

// Chunks returns the stored chunks for a plan in insertion order.
func (m *MockPlanStore) Chunks(planID int64) []*domain.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Chunk, 0, len(m.chunks[planID]))
	for _, c := range m.chunks[planID] {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// Bundles returns the stored bundles for a plan in insertion order.
func (m *MockPlanStore) Bundles(planID int64) []*domain.Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Bundle, 0, len(m.bundles[planID]))
	for _, b := range m.bundles[planID] {
		cp := *b
		out = append(out, &cp)
	}
	return out
}

func containsStatus(statuses []domain.ChunkStatus, s domain.ChunkStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
