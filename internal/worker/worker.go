// Package worker drains the task queue and drives the bundling and
// embedding pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// taskLockTTL bounds how long one instance may hold a task lease. Longer
// than any sane batch; shorter than the queue's abandonment claim window.
const taskLockTTL = 4 * time.Minute

// Planner is the subset of the planning service the worker drives.
type Planner interface {
	BundlePlan(ctx context.Context, planDBID int64, enqueueEmbedding bool) error
	EnqueueEmbedding(ctx context.Context, planDBID int64) error
	DeletePlan(ctx context.Context, planDBID int64) error
}

// Embedder is the subset of the embedding pipeline the worker drives.
type Embedder interface {
	EmbedBatch(ctx context.Context, planDBID int64, chunkIDs []int64) error
}

// Worker processes tasks from the task queue. Each task type maps to one
// planner or embedder operation; failures are nacked back to the queue so
// its retry policy applies.
type Worker struct {
	taskQueue driven.TaskQueue
	planner   Planner
	embedder  Embedder
	lock      driven.DistributedLock
	logger    *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout int // seconds

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	TaskQueue driven.TaskQueue
	Planner   Planner
	Embedder  Embedder
	// Lock, when set, leases each task across instances so a queue
	// re-claim cannot run the same batch twice concurrently.
	Lock           driven.DistributedLock
	Logger         *slog.Logger
	Concurrency    int // Number of concurrent task processors
	DequeueTimeout int // Seconds to wait for a task before checking again
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5
	}

	return &Worker{
		taskQueue:      cfg.TaskQueue,
		planner:        cfg.Planner,
		embedder:       cfg.Embedder,
		lock:           cfg.Lock,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Info("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Info("worker stop signal received")
			return
		default:
		}

		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue task", "error", err)
			time.Sleep(time.Second) // Back off on error
			continue
		}

		if task == nil {
			continue
		}

		w.processTask(ctx, task, logger)
	}
}

// processTask processes a single task.
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "plan_id", task.PlanDBID())

	if w.lock != nil {
		acquired, err := w.lock.Acquire(ctx, "task:"+task.ID, taskLockTTL)
		if err != nil {
			logger.Error("failed to acquire task lease", "error", err)
			return
		}
		if !acquired {
			// Another instance holds the lease; leave the task to it.
			logger.Info("task leased elsewhere, skipping")
			return
		}
		defer func() {
			if err := w.lock.Release(ctx, "task:"+task.ID); err != nil {
				logger.Warn("failed to release task lease", "error", err)
			}
		}()
	}

	logger.Info("processing task")

	startTime := time.Now()
	var err error

	switch task.Type {
	case domain.TaskTypeBundlePlan:
		err = w.handleBundlePlan(ctx, task)
	case domain.TaskTypeEmbedDispatch:
		err = w.handleEmbedDispatch(ctx, task)
	case domain.TaskTypeEmbedBatch:
		err = w.handleEmbedBatch(ctx, task)
	case domain.TaskTypeDeletePlan:
		err = w.handleDeletePlan(ctx, task)
	default:
		err = fmt.Errorf("unknown task type: %s", task.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		logger.Error("task failed",
			"duration", duration,
			"error", err,
		)

		if nackErr := w.taskQueue.Nack(ctx, task.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack task", "nack_error", nackErr)
		}
		return
	}

	logger.Info("task completed", "duration", duration)

	if ackErr := w.taskQueue.Ack(ctx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

// handleBundlePlan runs bundling and chunking for one plan, then queues the
// embedding dispatch.
func (w *Worker) handleBundlePlan(ctx context.Context, task *domain.Task) error {
	planID := task.PlanDBID()
	if planID == 0 {
		return fmt.Errorf("plan_id not found in task payload")
	}
	return w.planner.BundlePlan(ctx, planID, true)
}

// handleEmbedDispatch fans a ready plan's chunks out into embed batches.
func (w *Worker) handleEmbedDispatch(ctx context.Context, task *domain.Task) error {
	planID := task.PlanDBID()
	if planID == 0 {
		return fmt.Errorf("plan_id not found in task payload")
	}
	return w.planner.EnqueueEmbedding(ctx, planID)
}

// handleEmbedBatch embeds one chunk batch.
func (w *Worker) handleEmbedBatch(ctx context.Context, task *domain.Task) error {
	planID := task.PlanDBID()
	if planID == 0 {
		return fmt.Errorf("plan_id not found in task payload")
	}
	chunkIDs := task.ChunkIDs()
	if len(chunkIDs) == 0 {
		return fmt.Errorf("chunk_ids not found in task payload")
	}
	return w.embedder.EmbedBatch(ctx, planID, chunkIDs)
}

// handleDeletePlan removes a plan's rows and vectors.
func (w *Worker) handleDeletePlan(ctx context.Context, task *domain.Task) error {
	planID := task.PlanDBID()
	if planID == 0 {
		return fmt.Errorf("plan_id not found in task payload")
	}
	return w.planner.DeletePlan(ctx, planID)
}

// Health returns health status of the worker.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.taskQueue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
