package ratelimit

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Limiter Limiter
	Limit   Limit
	// Scope names the limit in logs and metrics, e.g. "global" or "checkout".
	Scope string
	// Key identifies the caller. Defaults to ClientIP.
	Key func(r *http.Request) string
	// Skip exempts matching requests from the limit.
	Skip   func(r *http.Request) bool
	Logger *slog.Logger
	// OnLimited is called for every rejected request.
	OnLimited func(scope string)
}

// Middleware rejects requests over the limit with 429. Limiter errors let the
// request through.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || (cfg.Skip != nil && cfg.Skip(r)) {
				next.ServeHTTP(w, r)
				return
			}
			key := cfg.Key(r)
			ok, err := cfg.Limiter.Allow(r.Context(), cfg.Scope+":"+key, cfg.Limit)
			if err != nil {
				cfg.Logger.Warn("rate limiter unavailable, allowing request",
					"scope", cfg.Scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				cfg.Logger.Info("rate limit exceeded",
					"scope", cfg.Scope, "key", key, "method", r.Method, "path", r.URL.Path)
				if cfg.OnLimited != nil {
					cfg.OnLimited(cfg.Scope)
				}
				w.Header().Set("Retry-After", "1")
				webcore.ErrorReason(w, http.StatusTooManyRequests, "rate_limited", "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the request's remote IP without the port. chi's RealIP
// middleware has already applied X-Forwarded-For by the time this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
