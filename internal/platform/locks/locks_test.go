package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

type locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedisLocker(client, WithRetry(5*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	return l, srv
}

func assertMutualExclusion(t *testing.T, l locker) {
	t.Helper()
	var (
		wg      sync.WaitGroup
		active  int32
		maxSeen int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "txn-1", time.Second)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			if err := unlock(context.Background()); err != nil {
				t.Errorf("unlock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	assertMutualExclusion(t, NewMemoryLocker())
}

func TestMemoryLockerHonoursContext(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if _, err := l.Lock(context.Background(), "other", 0); err != nil {
		t.Fatalf("independent key should not block: %v", err)
	}
}

func TestMemoryLockerReleaseIsIdempotent(t *testing.T) {
	l := NewMemoryLocker()
	unlock, _ := l.Lock(context.Background(), "k", 0)
	_ = unlock(context.Background())
	_ = unlock(context.Background())

	next, err := l.Lock(context.Background(), "k", 0)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	_ = next(context.Background())
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(l.locks))
	}
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	l, _ := newRedisLocker(t)
	assertMutualExclusion(t, l)
}

func TestRedisLockerSetsTTLAndReleases(t *testing.T) {
	l, srv := newRedisLocker(t)
	unlock, err := l.Lock(context.Background(), "txn-2", 30*time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	key := defaultKeyPrefix + "txn-2"
	if !srv.Exists(key) {
		t.Fatalf("expected %s to exist", key)
	}
	if ttl := srv.TTL(key); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %s", ttl)
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if srv.Exists(key) {
		t.Fatalf("expected key released")
	}
}

func TestRedisLockerReleaseKeepsForeignOwner(t *testing.T) {
	l, srv := newRedisLocker(t)
	unlock, err := l.Lock(context.Background(), "txn-3", time.Second)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	key := defaultKeyPrefix + "txn-3"
	srv.FastForward(2 * time.Second)
	if err := srv.Set(key, "someone-else"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got, _ := srv.Get(key); got != "someone-else" {
		t.Fatalf("expected foreign lock to survive, got %q", got)
	}
}

func TestRedisLockerGivesUpAfterMaxWait(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	l, _ := NewRedisLocker(client, WithRetry(5*time.Millisecond, 20*time.Millisecond))

	if _, err := l.Lock(context.Background(), "busy", time.Minute); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := l.Lock(context.Background(), "busy", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}
