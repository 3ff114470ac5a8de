package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/client"
	"trust-service/internal/util"
)

const loginAttemptPrefix = "login_attempts:"

// slidingWindowScript records a failure at ARGV[1] and returns how many
// failures remain inside the window.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
redis.call('ZADD', key, now, ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return redis.call('ZCARD', key)
`

// LoginAttemptCache tracks failed logins per username in a Redis sorted
// set, so lockouts hold across instances.
type LoginAttemptCache struct {
	client *client.RedisClient
	window time.Duration
}

func NewLoginAttemptCache(client *client.RedisClient, window time.Duration) *LoginAttemptCache {
	return &LoginAttemptCache{client: client, window: window}
}

func (c *LoginAttemptCache) RecordFailure(ctx context.Context, key string, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10)
	result, err := c.client.Eval(ctx, slidingWindowScript, []string{loginAttemptPrefix + key},
		nowMs, nowMs-c.window.Milliseconds(), member, c.window.Milliseconds())
	if err != nil {
		util.Error("Failed to record login failure", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("failed to record login failure: %w", err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result from sliding window script: %T", result)
	}
	return int(count), nil
}

func (c *LoginAttemptCache) Failures(ctx context.Context, key string, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	windowStart := strconv.FormatInt(now.Add(-c.window).UnixMilli(), 10)
	n, err := c.client.Client.ZCount(ctx, loginAttemptPrefix+key, "("+windowStart, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count login failures: %w", err)
	}
	return int(n), nil
}

func (c *LoginAttemptCache) Reset(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, loginAttemptPrefix+key); err != nil {
		util.Error("Failed to reset login failures", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}
