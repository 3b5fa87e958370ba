package webcore

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestLogEntry captures details of an incoming request for operator inspection.
type RequestLogEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ms"`
	RequestID  string        `json:"request_id,omitempty"`
	RemoteAddr string        `json:"remote_addr,omitempty"`
}

// RequestLog is a thread-safe ring buffer of recent requests.
type RequestLog struct {
	mu      sync.RWMutex
	entries []RequestLogEntry
	maxSize int
}

// NewRequestLog creates a request log with the given max size.
func NewRequestLog(maxSize int) *RequestLog {
	return &RequestLog{
		entries: make([]RequestLogEntry, 0, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest if at capacity.
func (rl *RequestLog) Add(entry RequestLogEntry) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.entries) >= rl.maxSize {
		rl.entries = rl.entries[1:]
	}
	rl.entries = append(rl.entries, entry)
}

// Entries returns a copy of all log entries.
func (rl *RequestLog) Entries() []RequestLogEntry {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	out := make([]RequestLogEntry, len(rl.entries))
	copy(out, rl.entries)
	return out
}

// Clear removes all entries.
func (rl *RequestLog) Clear() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.entries = rl.entries[:0]
}

// IdempotencyTracker caches responses by idempotency key for a limited time
// and marks keys in flight so concurrent duplicates are refused.
type IdempotencyTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]idempotencyEntry
}

type idempotencyEntry struct {
	StatusCode int
	Body       []byte
	InFlight   bool
	CreatedAt  time.Time
}

// IdempotencyState is the result of IdempotencyTracker.Begin.
type IdempotencyState int

const (
	// IdempotencyNew means the caller owns the key and must Store or Abandon it.
	IdempotencyNew IdempotencyState = iota
	// IdempotencyInFlight means another request with the key is still running.
	IdempotencyInFlight
	// IdempotencyDone means a cached response is available.
	IdempotencyDone
)

// NewIdempotencyTracker creates a tracker whose entries live for ttl.
func NewIdempotencyTracker(ttl time.Duration) *IdempotencyTracker {
	return &IdempotencyTracker{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]idempotencyEntry),
	}
}

// Begin claims key. When the state is IdempotencyDone the cached status and
// body are returned.
func (it *IdempotencyTracker) Begin(key string) (IdempotencyState, int, []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	now := it.now()
	if e, ok := it.entries[key]; ok && now.Sub(e.CreatedAt) < it.ttl {
		if e.InFlight {
			return IdempotencyInFlight, 0, nil
		}
		return IdempotencyDone, e.StatusCode, e.Body
	}
	it.entries[key] = idempotencyEntry{InFlight: true, CreatedAt: now}
	return IdempotencyNew, 0, nil
}

// Store caches a completed response for key.
func (it *IdempotencyTracker) Store(key string, statusCode int, body []byte) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.entries[key] = idempotencyEntry{
		StatusCode: statusCode,
		Body:       body,
		CreatedAt:  it.now(),
	}
}

// Abandon releases an in-flight key without caching, so the request may be retried.
func (it *IdempotencyTracker) Abandon(key string) {
	it.mu.Lock()
	defer it.mu.Unlock()
	delete(it.entries, key)
}

// Sweep drops expired entries and returns how many were removed.
func (it *IdempotencyTracker) Sweep() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	now := it.now()
	n := 0
	for k, e := range it.entries {
		if now.Sub(e.CreatedAt) >= it.ttl {
			delete(it.entries, k)
			n++
		}
	}
	return n
}

// Reset clears all tracked keys.
func (it *IdempotencyTracker) Reset() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.entries = make(map[string]idempotencyEntry)
}

// Middleware provides the common middleware functions.
type Middleware struct {
	cfg        *Config
	logger     *slog.Logger
	ReqLog     *RequestLog
	Idempotent *IdempotencyTracker
}

// NewMiddleware creates a new Middleware instance.
func NewMiddleware(cfg *Config, logger *slog.Logger) *Middleware {
	return &Middleware{
		cfg:        cfg,
		logger:     logger,
		ReqLog:     NewRequestLog(1000),
		Idempotent: NewIdempotencyTracker(24 * time.Hour),
	}
}

// CORS allows credentialed requests from the configured origins only.
// A "*" entry allows any origin, echoing it back.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && m.originAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Idempotency-Key, X-CSRF-Token")
			h.Set("Access-Control-Expose-Headers", "X-CSRF-Token, Retry-After")
			h.Set("Access-Control-Max-Age", "3600")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) originAllowed(origin string) bool {
	return slices.ContainsFunc(m.cfg.CORSOrigins, func(o string) bool {
		return o == "*" || strings.EqualFold(o, origin)
	})
}

// statusRecorder captures the status code written by downstream handlers.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLog middleware records request details into the ring buffer and the logger.
func (m *Middleware) RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		reqID := chimw.GetReqID(r.Context())
		m.ReqLog.Add(RequestLogEntry{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			StatusCode: rec.statusCode,
			Duration:   elapsed,
			RequestID:  reqID,
			RemoteAddr: r.RemoteAddr,
		})

		level := slog.LevelDebug
		if m.cfg.LogRequests || rec.statusCode >= http.StatusInternalServerError {
			level = slog.LevelInfo
		}
		m.logger.Log(r.Context(), level, "request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.statusCode,
			"duration", elapsed,
		)
	})
}

// Recover turns handler panics into 500 responses.
func (m *Middleware) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				m.logger.Error("panic in handler",
					"request_id", chimw.GetReqID(r.Context()),
					"path", r.URL.Path,
					"panic", fmt.Sprint(rv),
					"stack", string(debug.Stack()),
				)
				Error(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseRecorder captures response status and body for idempotency caching.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency caches POST responses by Idempotency-Key header. The cache key
// is scoped by the value scope returns (for example the session uid) and the
// request path. Server errors are not cached so the client can retry.
func (m *Middleware) Idempotency(scope func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > 255 {
				ErrorReason(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key too long")
				return
			}
			cacheKey := scope(r) + "|" + r.URL.Path + "|" + key

			state, status, body := m.Idempotent.Begin(cacheKey)
			switch state {
			case IdempotencyInFlight:
				ErrorReason(w, http.StatusConflict, "idempotency_in_flight", "a request with this idempotency key is in progress")
				return
			case IdempotencyDone:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(status)
				w.Write(body)
				return
			}

			rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.statusCode >= http.StatusInternalServerError {
				m.Idempotent.Abandon(cacheKey)
				return
			}
			m.Idempotent.Store(cacheKey, rec.statusCode, rec.body.Bytes())
		})
	}
}
