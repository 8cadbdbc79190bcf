package driven

import (
	"context"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

// ProgressPublisher emits ordered progress events for a retrieval run.
// Delivery is at-least-once; implementations must preserve per-run order.
type ProgressPublisher interface {
	Emit(ctx context.Context, event domain.ProgressEvent) error
}

// ConcurrencyQuota limits simultaneous retrieval runs per user scope. The
// core calls into it but never owns the policy.
type ConcurrencyQuota interface {
	// Acquire reserves a slot for the scope, returning a release token.
	// Returns domain.ErrQuotaExceeded when the scope is saturated.
	Acquire(ctx context.Context, scope string) (slot string, err error)

	// Release frees a previously acquired slot. Safe to call after expiry.
	Release(ctx context.Context, scope, slot string) error
}
