package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
)

func TestQuota_AcquireUpToLimit(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	quota := NewQuota(client, QuotaConfig{Limit: 2})
	ctx := context.Background()

	slot1, err := quota.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	slot2, err := quota.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if slot1 == slot2 {
		t.Error("expected distinct slot ids")
	}

	_, err = quota.Acquire(ctx, "user-1")
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestQuota_ScopesAreIndependent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	quota := NewQuota(client, QuotaConfig{Limit: 1})
	ctx := context.Background()

	if _, err := quota.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := quota.Acquire(ctx, "user-2"); err != nil {
		t.Errorf("other scope should not be affected: %v", err)
	}
}

func TestQuota_ReleaseFreesSlot(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	quota := NewQuota(client, QuotaConfig{Limit: 1})
	ctx := context.Background()

	slot, err := quota.Acquire(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := quota.Acquire(ctx, "user-1"); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	if err := quota.Release(ctx, "user-1", slot); err != nil {
		t.Fatalf("unexpected error on release: %v", err)
	}
	if _, err := quota.Acquire(ctx, "user-1"); err != nil {
		t.Errorf("expected acquire after release, got %v", err)
	}
}

func TestQuota_ReleaseUnknownSlot(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	quota := NewQuota(client, QuotaConfig{Limit: 1})
	if err := quota.Release(context.Background(), "user-1", "no-such-slot"); err != nil {
		t.Errorf("unexpected error releasing unknown slot: %v", err)
	}
}

func TestQuota_ExpiredSlotsReclaimed(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	quota := NewQuota(client, QuotaConfig{Limit: 1, SlotTTL: time.Millisecond})
	ctx := context.Background()

	if _, err := quota.Acquire(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// The crashed run's slot has expired; a new run gets in.
	if _, err := quota.Acquire(ctx, "user-1"); err != nil {
		t.Errorf("expected expired slot to be reclaimed, got %v", err)
	}
}
