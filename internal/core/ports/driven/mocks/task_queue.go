package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// MockTaskQueue is an in-memory FIFO TaskQueue for testing.
type MockTaskQueue struct {
	mu         sync.Mutex
	pending    []*domain.Task
	processing map[string]*domain.Task
	completed  map[string]*domain.Task
	failed     map[string]*domain.Task

	// EnqueueErr fails the next Enqueue/EnqueueBatch call (optional).
	EnqueueErr error

	Enqueued []*domain.Task
}

// NewMockTaskQueue creates a new mock task queue.
func NewMockTaskQueue() *MockTaskQueue {
	return &MockTaskQueue{
		processing: make(map[string]*domain.Task),
		completed:  make(map[string]*domain.Task),
		failed:     make(map[string]*domain.Task),
	}
}

func (m *MockTaskQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnqueueErr != nil {
		err := m.EnqueueErr
		m.EnqueueErr = nil
		return err
	}
	m.pending = append(m.pending, task)
	m.Enqueued = append(m.Enqueued, task)
	return nil
}

func (m *MockTaskQueue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnqueueErr != nil {
		err := m.EnqueueErr
		m.EnqueueErr = nil
		return err
	}
	m.pending = append(m.pending, tasks...)
	m.Enqueued = append(m.Enqueued, tasks...)
	return nil
}

func (m *MockTaskQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pending) == 0 {
		return nil, nil
	}
	task := m.pending[0]
	m.pending = m.pending[1:]
	task.MarkProcessing()
	m.processing[task.ID] = task
	return task, nil
}

func (m *MockTaskQueue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.Task, error) {
	return m.Dequeue(ctx)
}

func (m *MockTaskQueue) Ack(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.processing[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	delete(m.processing, taskID)
	task.MarkCompleted()
	m.completed[taskID] = task
	return nil
}

func (m *MockTaskQueue) Nack(ctx context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.processing[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	delete(m.processing, taskID)
	if task.CanRetry() {
		task.Retry(reason)
		m.pending = append(m.pending, task)
		return nil
	}
	task.MarkFailed(reason)
	m.failed[taskID] = task
	return nil
}

func (m *MockTaskQueue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.pending {
		if t.ID == taskID {
			return t, nil
		}
	}
	if t, ok := m.processing[taskID]; ok {
		return t, nil
	}
	if t, ok := m.completed[taskID]; ok {
		return t, nil
	}
	if t, ok := m.failed[taskID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
}

func (m *MockTaskQueue) CancelTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, t := range m.pending {
		if t.ID == taskID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("task %s not pending: %w", taskID, domain.ErrInvalidInput)
}

func (m *MockTaskQueue) PurgeTasks(ctx context.Context, olderThan int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.completed) + len(m.failed)
	m.completed = make(map[string]*domain.Task)
	m.failed = make(map[string]*domain.Task)
	return n, nil
}

func (m *MockTaskQueue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return &driven.QueueStats{
		PendingCount:    int64(len(m.pending)),
		ProcessingCount: int64(len(m.processing)),
		CompletedCount:  int64(len(m.completed)),
		FailedCount:     int64(len(m.failed)),
	}, nil
}

func (m *MockTaskQueue) Ping(ctx context.Context) error {
	return nil
}

func (m *MockTaskQueue) Close() error {
	return nil
}
