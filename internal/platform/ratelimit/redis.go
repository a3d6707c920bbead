package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultKeyPrefix = "orderflow:rate:"

// incrScript increments the window counter, starting the window on the first hit, and
// returns the count with the remaining TTL in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares fixed-window counters through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRedisLimiter returns nil, nil when limit or window is not positive.
func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, clock func() time.Time) (*RedisLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("ratelimit: redis client is required")
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	if clock == nil {
		clock = time.Now
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window, clock: clock}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := incrScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{Limit: l.limit, Reset: l.clock().Add(ttl)}
	if count > l.limit {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - count
	return d, nil
}
