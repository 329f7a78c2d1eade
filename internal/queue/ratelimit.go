package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts runs per account in fixed hourly windows.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int64
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int64) *RateLimiter {
	if prefix == "" {
		prefix = "llmarena"
	}
	return &RateLimiter{redis: rdb, prefix: prefix, limit: limit}
}

// Allow counts one run for account. A limit <= 0 disables limiting.
func (r *RateLimiter) Allow(ctx context.Context, account string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("%s:ratelimit:%s:%s", r.prefix, account, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// JobDeduplicator guards against running a redelivered job twice.
type JobDeduplicator struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

func NewJobDeduplicator(rdb *redis.Client, prefix string, ttl time.Duration) *JobDeduplicator {
	if prefix == "" {
		prefix = "llmarena"
	}
	return &JobDeduplicator{redis: rdb, prefix: prefix, ttl: ttl}
}

func (d *JobDeduplicator) MarkFirst(ctx context.Context, jobID string) (bool, error) {
	key := fmt.Sprintf("%s:job:%s", d.prefix, jobID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
