package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp in seconds (fractional)
// ARGV[5] = key ttl in seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(last_refill))
redis.call("EXPIRE", key, ttl)

return {allowed, math.floor(tokens)}
`)

// RedisLimiter shares token buckets across instances through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// RedisConfig configures NewRedisLimiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces bucket keys; defaults to "broskis:ratelimit".
	Prefix string
}

// NewRedisLimiter creates a limiter with its own client.
func NewRedisLimiter(cfg RedisConfig) *RedisLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisLimiterWithClient(rdb, cfg.Prefix)
}

// NewRedisLimiterWithClient wraps an existing client.
func NewRedisLimiterWithClient(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "broskis:ratelimit"
	}
	return &RedisLimiter{client: client, prefix: prefix, now: time.Now}
}

// Ping checks connectivity.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Allow consumes one token from the bucket for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	bucket := fmt.Sprintf("%s:%s:%s", l.prefix, limit.String(), key)

	r := limit.Rate
	if r <= 0 {
		r = 1.0
	}
	// A bucket untouched for this long is full again and can be forgotten.
	ttl := int64(math.Ceil(float64(limit.Burst)/r)) + 1
	now := float64(l.now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{bucket}, r, limit.Burst, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}

	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
