package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ProgressPublisher = (*Publisher)(nil)

const eventChannelPrefix = "papyr:runs:"

// Publisher emits retrieval progress events over Redis pub/sub. Each run
// gets its own channel; the runner emits sequentially per run, so per-run
// order is preserved end to end.
type Publisher struct {
	client *redis.Client
}

// NewPublisher creates a Redis-backed progress publisher
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// EventChannel returns the pub/sub channel name for a run id. Consumers
// subscribe with this to stream one run's events.
func EventChannel(runID string) string {
	return eventChannelPrefix + runID
}

// Emit publishes one event to the run's channel
func (p *Publisher) Emit(ctx context.Context, event domain.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode progress event %s: %w", event.Kind, err)
	}
	if err := p.client.Publish(ctx, EventChannel(event.RunID), payload).Err(); err != nil {
		return fmt.Errorf("publish progress event %s: %w", event.Kind, err)
	}
	return nil
}
