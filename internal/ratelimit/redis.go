package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one hash per subject whose fields are bucket
// epochs and values are counts.
// KEYS[1] = subject key
// ARGV[1] = current bucket epoch
// ARGV[2] = bucket count
// ARGV[3] = limit
// ARGV[4] = window in milliseconds
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local epoch = tonumber(ARGV[1])
local buckets = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

local oldest = epoch - buckets + 1
local fields = redis.call("HGETALL", key)
local total = 0
local oldest_used = -1
for i = 1, #fields, 2 do
    local b = tonumber(fields[i])
    local c = tonumber(fields[i + 1])
    if b < oldest then
        redis.call("HDEL", key, fields[i])
    else
        total = total + c
        if oldest_used == -1 or b < oldest_used then
            oldest_used = b
        end
    end
end

if total >= limit then
    return {0, total, oldest_used}
end

redis.call("HINCRBY", key, tostring(epoch), 1)
redis.call("PEXPIRE", key, window_ms)
return {1, total + 1, oldest_used}
`)

// RedisSlidingWindow shares limits across instances through Redis.
type RedisSlidingWindow struct {
	client redis.UniversalClient
	cfg    Config
	width  time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisSlidingWindow builds a Redis-backed limiter.
func NewRedisSlidingWindow(client redis.UniversalClient, cfg Config) *RedisSlidingWindow {
	cfg = cfg.normalized()
	return &RedisSlidingWindow{
		client: client,
		cfg:    cfg,
		width:  cfg.bucketWidth(),
		prefix: "tempverify:ratelimit:",
		now:    time.Now,
	}
}

// Allow runs the window script atomically.
func (s *RedisSlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := s.now()
	epoch := now.UnixNano() / int64(s.width)

	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		epoch, s.cfg.Buckets, s.cfg.Limit, s.cfg.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limiter: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Decision{}, fmt.Errorf("redis rate limiter: unexpected reply %v", res)
	}
	allowed, _ := values[0].(int64)
	total, _ := values[1].(int64)
	oldestUsed, _ := values[2].(int64)

	d := Decision{Limit: s.cfg.Limit, Allowed: allowed == 1}
	if d.Allowed {
		d.Remaining = s.cfg.Limit - int(total)
		return d, nil
	}
	free := time.Duration((oldestUsed+int64(s.cfg.Buckets))*int64(s.width) - now.UnixNano())
	if free > 0 {
		d.RetryAfter = free
	}
	return d, nil
}
