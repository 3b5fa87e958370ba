package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// MemoryLimiter
// ---------------------------------------------------------------------------

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := NewMemoryLimiter()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()
	limit := Limit{Rate: 1, Burst: 2}

	for i := 0; i < 2; i++ {
		ok, err := m.Allow(ctx, "ip:1", limit)
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := m.Allow(ctx, "ip:1", limit)
	assert.False(t, ok, "third request must be limited")

	ok, _ = m.Allow(ctx, "ip:2", limit)
	assert.True(t, ok, "other keys have their own bucket")

	now = now.Add(time.Second)
	ok, _ = m.Allow(ctx, "ip:1", limit)
	assert.True(t, ok, "bucket refills over time")
}

func TestMemoryLimiterSeparatesLimits(t *testing.T) {
	m := NewMemoryLimiter()
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "uid_1", Limit{Rate: 0.1, Burst: 1})
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "uid_1", Limit{Rate: 0.1, Burst: 1})
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "uid_1", PerMinute(20))
	assert.True(t, ok, "a different limit for the same key uses its own bucket")
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiterSweep(t *testing.T) {
	m := NewMemoryLimiter()
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Allow(ctx, "old", Limit{Rate: 1, Burst: 1})
	now = now.Add(10 * time.Minute)
	m.Allow(ctx, "fresh", Limit{Rate: 1, Burst: 1})

	assert.Equal(t, 1, m.Sweep(5*time.Minute))
	assert.Equal(t, 1, m.Len())
}

// ---------------------------------------------------------------------------
// RedisLimiter
// ---------------------------------------------------------------------------

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	l := NewRedisLimiter(RedisConfig{Addr: mr.Addr()})
	t.Cleanup(func() { l.Close() })
	return l, mr
}

func TestRedisLimiterTokenBucket(t *testing.T) {
	l, mr := newRedisLimiter(t)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	limit := Limit{Rate: 1, Burst: 1}

	require.NoError(t, l.Ping(ctx))

	ok, err := l.Allow(ctx, "ip:1", limit)
	require.NoError(t, err)
	assert.True(t, ok, "fresh bucket allows")

	ok, err = l.Allow(ctx, "ip:1", limit)
	require.NoError(t, err)
	assert.False(t, ok, "empty bucket denies")

	now = now.Add(1100 * time.Millisecond)
	ok, err = l.Allow(ctx, "ip:1", limit)
	require.NoError(t, err)
	assert.True(t, ok, "bucket refills")

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "broskis:ratelimit:")
	assert.True(t, mr.TTL(keys[0]) > 0, "bucket keys expire")
}

func TestRedisLimiterUnavailable(t *testing.T) {
	l, mr := newRedisLimiter(t)
	mr.Close()

	_, err := l.Allow(context.Background(), "ip:1", Limit{Rate: 1, Burst: 1})
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, Limit) (bool, error) {
	return false, errors.New("redis down")
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	var limited []string
	h := Middleware(MiddlewareConfig{
		Limiter:   NewMemoryLimiter(),
		Limit:     Limit{Rate: 0.001, Burst: 1},
		Scope:     "checkout",
		Logger:    quietLogger(),
		OnLimited: func(scope string) { limited = append(limited, scope) },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"reason":"rate_limited"`)
	assert.Equal(t, []string{"checkout"}, limited)

	other := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "other clients are unaffected")
}

func TestMiddlewareCustomKey(t *testing.T) {
	h := Middleware(MiddlewareConfig{
		Limiter: NewMemoryLimiter(),
		Limit:   Limit{Rate: 0.001, Burst: 1},
		Scope:   "auth",
		Key:     func(r *http.Request) string { return r.Header.Get("X-UID") },
		Logger:  quietLogger(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i, uid := range []string{"a", "b", "a"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-UID", uid)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		want := http.StatusOK
		if i == 2 {
			want = http.StatusTooManyRequests
		}
		assert.Equal(t, want, rec.Code, "request %d uid %s", i, uid)
	}
}

func TestMiddlewareSkip(t *testing.T) {
	h := Middleware(MiddlewareConfig{
		Limiter: NewMemoryLimiter(),
		Limit:   Limit{Rate: 0.001, Burst: 1},
		Scope:   "global",
		Skip:    func(r *http.Request) bool { return r.URL.Path == "/hooks" },
		Logger:  quietLogger(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := range 3 {
		req := httptest.NewRequest(http.MethodPost, "/hooks", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "skipped request %d", i)
	}
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/menu", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "limited request %d", i)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(MiddlewareConfig{
		Limiter: failingLimiter{},
		Limit:   Limit{Rate: 1, Burst: 1},
		Scope:   "global",
		Logger:  quietLogger(),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/menu", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:4242"
	assert.Equal(t, "192.168.1.9", ClientIP(req))

	req.RemoteAddr = "192.168.1.9"
	assert.Equal(t, "192.168.1.9", ClientIP(req))
}
