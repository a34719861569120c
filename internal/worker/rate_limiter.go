// Package worker drains campaign queues: claiming recipients, rendering
// templates, and delivering through a sender under rate and retry control.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces per-campaign send rates with a Redis Lua script.
// Check-then-increment must be a single atomic step or concurrent workers
// overshoot the limit.
type RateLimiter struct {
	redis *redis.Client

	minuteScript *redis.Script
}

// Lua script for atomic per-minute rate limiting. Increments only when the
// counter is still under the limit.
const minuteLimitLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// NewRateLimiter creates a rate limiter with its Lua script pre-compiled.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:        redisClient,
		minuteScript: redis.NewScript(minuteLimitLuaScript),
	}
}

// NewRateLimiterFromURL connects to Redis and wraps it in a rate limiter.
func NewRateLimiterFromURL(redisURL string) (*RateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[RateLimiter] Connected to Redis at %s", redisURL)
	return NewRateLimiter(client), nil
}

// Allow atomically reserves one send slot in the campaign's current minute
// bucket. When denied, waitTime is how long until the bucket rolls over.
func (r *RateLimiter) Allow(ctx context.Context, campaignID string, ratePerMinute int) (allowed bool, waitTime time.Duration, err error) {
	if ratePerMinute <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:campaign:%s:min:%d", campaignID, now.Unix()/60)

	result, err := r.minuteScript.Run(ctx, r.redis,
		[]string{key},
		1,
		ratePerMinute,
		120, // 2 minute TTL outlives the bucket
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	return false, time.Duration(60-now.Second()) * time.Second, nil
}

// CurrentUsage returns how many sends the campaign has used this minute.
func (r *RateLimiter) CurrentUsage(ctx context.Context, campaignID string) int64 {
	key := fmt.Sprintf("ratelimit:campaign:%s:min:%d", campaignID, time.Now().Unix()/60)
	n, _ := r.redis.Get(ctx, key).Int64()
	return n
}

// Close closes the underlying Redis connection.
func (r *RateLimiter) Close() error {
	return r.redis.Close()
}
