package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// MockProgressPublisher records emitted events in order.
type MockProgressPublisher struct {
	mu     sync.Mutex
	events []domain.ProgressEvent

	// EmitFn overrides the default recording behavior (optional).
	EmitFn func(event domain.ProgressEvent) error
}

// NewMockProgressPublisher creates a new mock progress publisher.
func NewMockProgressPublisher() *MockProgressPublisher {
	return &MockProgressPublisher{}
}

func (m *MockProgressPublisher) Emit(ctx context.Context, event domain.ProgressEvent) error {
	if m.EmitFn != nil {
		return m.EmitFn(event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *MockProgressPublisher) Events() []domain.ProgressEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ProgressEvent(nil), m.events...)
}

// Kinds returns the emitted event kinds in order.
func (m *MockProgressPublisher) Kinds() []domain.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]domain.EventKind, len(m.events))
	for i, e := range m.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// MockConcurrencyQuota is an in-memory ConcurrencyQuota with a fixed limit
// per scope.
type MockConcurrencyQuota struct {
	mu    sync.Mutex
	limit int
	held  map[string]map[string]bool
	next  int

	// AcquireFn overrides the default counting behavior (optional).
	AcquireFn func(scope string) (string, error)
}

// NewMockConcurrencyQuota creates a quota allowing limit concurrent slots
// per scope.
func NewMockConcurrencyQuota(limit int) *MockConcurrencyQuota {
	return &MockConcurrencyQuota{
		limit: limit,
		held:  make(map[string]map[string]bool),
	}
}

func (m *MockConcurrencyQuota) Acquire(ctx context.Context, scope string) (string, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(scope)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	slots := m.held[scope]
	if len(slots) >= m.limit {
		return "", fmt.Errorf("scope %s: %w", scope, domain.ErrQuotaExceeded)
	}
	if slots == nil {
		slots = make(map[string]bool)
		m.held[scope] = slots
	}
	m.next++
	slot := fmt.Sprintf("slot-%d", m.next)
	slots[slot] = true
	return slot, nil
}

func (m *MockConcurrencyQuota) Release(ctx context.Context, scope, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held[scope], slot)
	return nil
}

// HeldCount returns the number of slots currently held for a scope.
func (m *MockConcurrencyQuota) HeldCount(scope string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held[scope])
}
