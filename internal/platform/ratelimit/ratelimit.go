// Package ratelimit provides fixed-window request limiters keyed by an arbitrary string,
// typically the client IP. The memory limiter serves a single instance; the Redis limiter
// shares counters across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter counts requests per key in fixed windows held in process memory.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]bucket
}

type bucket struct {
	count int
	reset time.Time
}

// NewMemoryLimiter returns nil when limit or window is not positive, meaning no limit.
func NewMemoryLimiter(limit int, window time.Duration, clock func() time.Time) *MemoryLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]bucket),
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		l.prune(now)
		w = bucket{reset: now.Add(l.window)}
	}
	if w.count >= l.limit {
		return Decision{Limit: l.limit, Reset: w.reset}, nil
	}
	w.count++
	l.windows[key] = w
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - w.count, Reset: w.reset}, nil
}

func (l *MemoryLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}
