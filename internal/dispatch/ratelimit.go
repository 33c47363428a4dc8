package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter reserves send capacity against the shared per-minute
// budget. All campaign dispatches in all processes draw from the same
// counter.
type RateLimiter interface {
	Reserve(ctx context.Context, n, limitPerMinute int) (allowed bool, wait time.Duration, err error)
}

// Atomic check-and-increment. Checking before incrementing in two round
// trips would race with concurrent dispatchers.
const reserveLuaScript = `
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

// RedisRateLimiter implements RateLimiter on a shared Redis counter
// with minute-bucketed keys.
type RedisRateLimiter struct {
	redis         *redis.Client
	reserveScript *redis.Script
}

// NewRedisRateLimiter creates a rate limiter with a pre-compiled script
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{
		redis:         client,
		reserveScript: redis.NewScript(reserveLuaScript),
	}
}

// NewRedisRateLimiterFromURL connects to Redis and verifies the
// connection before returning a limiter.
func NewRedisRateLimiterFromURL(redisURL string) (*RedisRateLimiter, error) {
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
	return NewRedisRateLimiter(client), nil
}

// Reserve atomically reserves n sends in the current minute window.
// When denied it returns how long to wait for the window to roll over.
func (r *RedisRateLimiter) Reserve(ctx context.Context, n, limitPerMinute int) (bool, time.Duration, error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:send:min:%d", now.Unix()/60)

	result, err := r.reserveScript.Run(ctx, r.redis,
		[]string{key},
		n,
		limitPerMinute,
		120, // seconds; outlives the window it guards
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 0 {
		wait := time.Duration(60-now.Second()) * time.Second
		return false, wait, nil
	}
	return true, 0, nil
}

// Close closes the Redis connection
func (r *RedisRateLimiter) Close() error {
	return r.redis.Close()
}
