package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// HourlyLimiter paces calls within the hour using a Redis token bucket,
// shared across replicas. It sits in front of the day/month counters: a
// config can be under its daily budget and still be paced here.
type HourlyLimiter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHourlyLimiter wraps a Redis client. Bucket keys expire after ttl of
// inactivity.
func NewHourlyLimiter(client *redis.Client, ttl time.Duration) *HourlyLimiter {
	if ttl == 0 {
		ttl = 2 * time.Hour
	}
	return &HourlyLimiter{client: client, ttl: ttl}
}

// Allow consumes one token from the config's bucket. Capacity is the
// per-hour limit; tokens refill continuously at capacity per hour.
// Returns the allowed flag and the remaining token count.
func (l *HourlyLimiter) Allow(ctx context.Context, configID string, perHour int) (bool, float64, error) {
	if perHour <= 0 {
		return true, 0, nil
	}
	key := fmt.Sprintf("quota:hourly:%s", configID)
	refillPerSecond := float64(perHour) / 3600
	now := time.Now().UnixMilli()

	res, err := hourlyBucketScript.Run(ctx, l.client, []string{key}, perHour, refillPerSecond, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("hourly bucket: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply: %v", res)
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var hourlyBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
