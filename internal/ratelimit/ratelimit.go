// Package ratelimit bounds how fast a single site may post batches to the
// collect endpoint. The window state lives in redis so every instance sees
// the same count; when redis is unreachable the limiter fails open and
// ingestion continues unthrottled.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowMillis is the admission window. Limits are expressed per second.
const windowMillis = 1000

// admitScript keeps one sorted set per site whose members are recent
// admissions scored by arrival time. Stale members are pruned first, then
// the batch is admitted only if room remains in the window.
var admitScript = redis.NewScript(`
local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
    return 0
end
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
redis.call('EXPIRE', KEYS[1], 2)
return 1
`)

// Limiter admits at most limit batches per site per second.
type Limiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	limit       int
}

// NewLimiter creates a per-site limiter. A nil client or non-positive limit
// disables limiting entirely.
func NewLimiter(redisClient *redis.Client, limit int, logger *slog.Logger) *Limiter {
	return &Limiter{
		redisClient: redisClient,
		logger:      logger,
		limit:       limit,
	}
}

// Allow reports whether a batch from this site fits in the current window.
func (rl *Limiter) Allow(ctx context.Context, siteID string) bool {
	if rl.limit <= 0 || rl.redisClient == nil {
		return true
	}

	admitted, err := admitScript.Run(ctx, rl.redisClient,
		[]string{"rl:site:" + siteID},
		time.Now().UnixMilli(), windowMillis, rl.limit, uuid.New().String(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter unavailable, admitting batch", "error", err, "site_id", siteID)
		return true
	}

	if admitted == 0 {
		rl.logger.Debug("site over ingest limit", "site_id", siteID, "limit", rl.limit)
		return false
	}
	return true
}
