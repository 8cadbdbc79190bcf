package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/papyr-core/internal/core/domain"
	"github.com/custodia-labs/papyr-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.ConcurrencyQuota = (*Quota)(nil)

const quotaPrefix = "papyr:quota:"

// defaultSlotTTL bounds how long an unfinished run can hold a slot. A run
// that crashes without releasing is reclaimed after this.
const defaultSlotTTL = 5 * time.Minute

// Quota limits simultaneous retrieval runs per scope. Each scope maps to a
// sorted set of held slots scored by expiry time; acquisition and expiry
// reclaim run atomically in a Lua script.
type Quota struct {
	client  *redis.Client
	limit   int
	slotTTL time.Duration
}

// QuotaConfig holds quota configuration
type QuotaConfig struct {
	// Limit is the maximum concurrent runs per scope.
	Limit int
	// SlotTTL overrides the slot reclaim timeout.
	SlotTTL time.Duration
}

// NewQuota creates a Redis-backed concurrency quota
func NewQuota(client *redis.Client, cfg QuotaConfig) *Quota {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 2
	}
	slotTTL := cfg.SlotTTL
	if slotTTL <= 0 {
		slotTTL = defaultSlotTTL
	}
	return &Quota{client: client, limit: limit, slotTTL: slotTTL}
}

// acquireScript drops expired slots, then admits the new slot only when the
// scope is below its limit. ARGV: now(ms), limit, slot expiry(ms), slot id,
// key ttl(ms).
var acquireScript = redis.NewScript(`
	redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
	if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[2]) then
		return 0
	end
	redis.call("zadd", KEYS[1], ARGV[3], ARGV[4])
	redis.call("pexpire", KEYS[1], ARGV[5])
	return 1
`)

// Acquire reserves a slot for the scope.
// Returns domain.ErrQuotaExceeded when the scope is saturated.
func (q *Quota) Acquire(ctx context.Context, scope string) (string, error) {
	slot := generateSlotID()
	now := time.Now()
	key := quotaPrefix + scope

	result, err := acquireScript.Run(ctx, q.client, []string{key},
		now.UnixMilli(),
		q.limit,
		now.Add(q.slotTTL).UnixMilli(),
		slot,
		q.slotTTL.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("acquire quota slot for %s: %w", scope, err)
	}
	if result.(int64) == 0 {
		return "", fmt.Errorf("scope %s: %w", scope, domain.ErrQuotaExceeded)
	}
	return slot, nil
}

// Release frees a previously acquired slot. Safe to call after expiry.
func (q *Quota) Release(ctx context.Context, scope, slot string) error {
	err := q.client.ZRem(ctx, quotaPrefix+scope, slot).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release quota slot for %s: %w", scope, err)
	}
	return nil
}

func generateSlotID() string {
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return hex.EncodeToString(randomBytes)
}
