// Package ratelimit provides per-key token-bucket rate limiting with an
// in-process backend (golang.org/x/time/rate) and a shared Redis backend,
// plus HTTP middleware.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a token-bucket configuration.
type Limit struct {
	// Rate is the refill rate in tokens per second.
	Rate  float64
	Burst int
}

// PerMinute builds a Limit allowing n requests per minute with a burst of n.
func PerMinute(n int) Limit {
	return Limit{Rate: float64(n) / 60.0, Burst: n}
}

func (l Limit) String() string {
	return fmt.Sprintf("%g/s burst %d", l.Rate, l.Burst)
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one rate.Limiter per (key, limit) pair in process.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*memoryEntry
	now      func() time.Time
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		limiters: make(map[string]*memoryEntry),
		now:      time.Now,
	}
}

// Allow reports whether one token is available for key under limit.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit Limit) (bool, error) {
	now := m.now()
	k := key + "|" + limit.String()

	m.mu.Lock()
	e, ok := m.limiters[k]
	if !ok {
		e = &memoryEntry{limiter: rate.NewLimiter(rate.Limit(limit.Rate), limit.Burst)}
		m.limiters[k] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	return e.limiter.AllowN(now, 1), nil
}

// Sweep drops limiters idle for longer than olderThan and returns how many
// were removed.
func (m *MemoryLimiter) Sweep(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(m.limiters, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked limiters.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}
