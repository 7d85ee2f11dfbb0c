// Package redisstore backs the block counter with Redis for deployments
// where multiple oracle processes share circuit-breaker state. Increment
// and expiry are a single Lua script so concurrent callers never race the
// first-touch TTL.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phasemirror/dissonance/pkg/adapters"
)

const keyPrefix = "pmd:blocks:"

// nowFunc is swappable for bucket-rollover tests.
var nowFunc = time.Now

// incrScript bumps the bucket and arms the expiry on first touch.
// KEYS[1] = bucket key
// ARGV[1] = ttl in seconds
var incrScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// BlockCounter implements adapters.BlockCounter over Redis.
type BlockCounter struct {
	client *redis.Client
}

// New builds a counter over its own Redis client.
func New(addr, password string, db int) *BlockCounter {
	return &BlockCounter{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client, for tests and shared pools.
func NewWithClient(client *redis.Client) *BlockCounter {
	return &BlockCounter{client: client}
}

func (b *BlockCounter) key(ruleID, orgID string) string {
	return keyPrefix + adapters.BucketKey(ruleID, orgID, nowFunc())
}

func (b *BlockCounter) Increment(ctx context.Context, ruleID, orgID string) (int64, error) {
	n, err := incrScript.Run(ctx, b.client,
		[]string{b.key(ruleID, orgID)},
		int(adapters.BucketTTL.Seconds()),
	).Int64()
	if err != nil {
		return 0, adapters.NewStoreError("redis-block-counter", "IncrementFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	return n, nil
}

func (b *BlockCounter) Count(ctx context.Context, ruleID, orgID string) (int64, error) {
	n, err := b.client.Get(ctx, b.key(ruleID, orgID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, adapters.NewStoreError("redis-block-counter", "GetFailed", err,
			"ruleId", ruleID, "orgId", orgID)
	}
	return n, nil
}

func (b *BlockCounter) IsCircuitBroken(ctx context.Context, ruleID, orgID string, threshold int64) (bool, error) {
	n, err := b.Count(ctx, ruleID, orgID)
	if err != nil {
		return false, err
	}
	return n >= threshold, nil
}

// Ping verifies connectivity, for startup health checks.
func (b *BlockCounter) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}
