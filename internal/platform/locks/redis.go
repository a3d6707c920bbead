package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix    = "orderflow:lock:"
	defaultRetryDelay   = 50 * time.Millisecond
	defaultMaxRetryWait = 10 * time.Second
)

// ErrNotAcquired indicates the lock stayed held by another owner for the whole wait window.
var ErrNotAcquired = errors.New("locks: not acquired")

// releaseScript deletes the key only when it still holds our token, so an expired lock that
// was re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements a single-instance Redis lock using SET NX PX.
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	retryDelay time.Duration
	maxWait    time.Duration
}

// RedisOption customises a RedisLocker.
type RedisOption func(*RedisLocker)

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.prefix = trimmed
		}
	}
}

// WithRetry configures how often and how long Lock polls a held key.
func WithRetry(delay, maxWait time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if delay > 0 {
			l.retryDelay = delay
		}
		if maxWait > 0 {
			l.maxWait = maxWait
		}
	}
}

// NewRedisLocker constructs a locker over the given client.
func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("locks: redis client is required")
	}
	l := &RedisLocker{
		client:     client,
		prefix:     defaultKeyPrefix,
		retryDelay: defaultRetryDelay,
		maxWait:    defaultMaxRetryWait,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Lock polls SET NX until it wins, ctx is done, or the wait window elapses. The lock expires
// after ttl even if the holder never releases it.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		return nil, errors.New("locks: ttl must be positive")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	redisKey := l.prefix + key
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locks: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("locks: release %s: %w", key, err)
		}
		return nil
	}, nil
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("locks: token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
