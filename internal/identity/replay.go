package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplayed is returned by ReplayCache.Check when the token's jti has
// already been seen within the replay window (§4.B step 7).
var ErrReplayed = errors.New("identity: token replay detected")

// ReplayCache rejects a jti that has already been presented, using Redis's
// atomic SETNX so concurrent requests bearing the same token cannot both
// pass (only one SET succeeds).
type ReplayCache struct {
	rdb    *redis.Client
	prefix string
}

// NewReplayCache wraps an existing Redis client. The replay cache is the only
// user of that client; the DID-document cache and the rate limiter are
// in-process.
func NewReplayCache(rdb *redis.Client) *ReplayCache {
	return &ReplayCache{rdb: rdb, prefix: "ds:jti:"}
}

// Check records jti as seen for ttl and reports whether it had already been
// recorded. A jti presented twice within ttl returns ErrReplayed.
func (c *ReplayCache) Check(ctx context.Context, jti string, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, c.prefix+jti, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("identity: checking replay cache: %w", err)
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}
