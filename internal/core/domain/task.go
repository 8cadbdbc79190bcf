package domain

import (
	"crypto/rand"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// TaskType identifies the type of background task
type TaskType string

const (
	// TaskTypeBundlePlan runs bundling + chunking for one plan
	TaskTypeBundlePlan TaskType = "bundle_plan"
	// TaskTypeEmbedDispatch selects a plan's eligible chunks and fans out
	// embed_batch tasks
	TaskTypeEmbedDispatch TaskType = "embed_dispatch"
	// TaskTypeEmbedBatch embeds one batch of chunks for a plan
	TaskTypeEmbedBatch TaskType = "embed_batch"
	// TaskTypeDeletePlan removes a plan's rows and vectors
	TaskTypeDeletePlan TaskType = "delete_plan"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task represents a background job to be processed by workers
type Task struct {
	ID   string   `json:"id"`
	Type TaskType `json:"type"`

	// Payload carries task-specific data.
	// For bundle_plan/delete_plan: {"plan_id": "<db id>"}
	// For embed_batch: plan_id plus "chunk_ids" as a comma-joined list
	Payload map[string]string `json:"payload"`

	Status   TaskStatus `json:"status"`
	Priority int        `json:"priority"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
}

// NewTask creates a new task with default values
func NewTask(taskType TaskType, payload map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:           GenerateID(),
		Type:         taskType,
		Payload:      payload,
		Status:       TaskStatusPending,
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// NewBundlePlanTask creates a task to bundle and chunk one plan.
func NewBundlePlanTask(planDBID int64) *Task {
	return NewTask(TaskTypeBundlePlan, map[string]string{
		"plan_id": strconv.FormatInt(planDBID, 10),
	})
}

// NewEmbedDispatchTask creates a task that fans a plan's eligible chunks
// out into embed batches.
func NewEmbedDispatchTask(planDBID int64) *Task {
	return NewTask(TaskTypeEmbedDispatch, map[string]string{
		"plan_id": strconv.FormatInt(planDBID, 10),
	})
}

// NewEmbedBatchTask creates a task to embed one chunk batch. maxRetries
// comes from the profile's embedding retry budget.
func NewEmbedBatchTask(planDBID int64, chunkIDs []int64, maxRetries int) *Task {
	task := NewTask(TaskTypeEmbedBatch, map[string]string{
		"plan_id":   strconv.FormatInt(planDBID, 10),
		"chunk_ids": joinInt64(chunkIDs),
	})
	if maxRetries > 0 {
		task.MaxAttempts = maxRetries
	}
	return task
}

// NewDeletePlanTask creates a task to delete one plan and its vectors.
func NewDeletePlanTask(planDBID int64) *Task {
	return NewTask(TaskTypeDeletePlan, map[string]string{
		"plan_id": strconv.FormatInt(planDBID, 10),
	})
}

// PlanDBID extracts the plan database id from the payload.
func (t *Task) PlanDBID() int64 {
	if t.Payload == nil {
		return 0
	}
	id, _ := strconv.ParseInt(t.Payload["plan_id"], 10, 64)
	return id
}

// ChunkIDs extracts the chunk id list from the payload (embed_batch tasks).
func (t *Task) ChunkIDs() []int64 {
	if t.Payload == nil || t.Payload["chunk_ids"] == "" {
		return nil
	}
	return splitInt64(t.Payload["chunk_ids"])
}

// CanRetry returns true if the task can be retried
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// IsReady returns true if the task is ready to be processed
func (t *Task) IsReady() bool {
	return t.Status == TaskStatusPending && time.Now().After(t.ScheduledFor)
}

// MarkProcessing updates the task to processing state
func (t *Task) MarkProcessing() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Attempts++
}

// MarkCompleted updates the task to completed state
func (t *Task) MarkCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Error = ""
}

// MarkFailed updates the task to failed state
func (t *Task) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.UpdatedAt = now
	t.Error = err
}

// Retry resets the task for retry with exponential backoff
func (t *Task) Retry(err string) {
	now := time.Now()
	t.Status = TaskStatusPending
	t.UpdatedAt = now
	t.Error = err

	backoff := time.Duration(1<<t.Attempts) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	t.ScheduledFor = now.Add(backoff)
}

func joinInt64(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitInt64(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}
