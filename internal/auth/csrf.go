package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/csrf"

	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// CSRFConfig configures double-submit protection.
type CSRFConfig struct {
	Key            []byte
	Secure         bool
	TrustedOrigins []string
	// Exempt paths skip the check, e.g. provider webhooks.
	Exempt []string
}

// CSRF returns a gorilla/csrf middleware. Requests without TLS are marked
// plaintext so origin checks compare against http URLs.
func CSRF(cfg CSRFConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	protect := csrf.Protect(cfg.Key,
		csrf.Secure(cfg.Secure),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader(CSRFHeader),
		csrf.CookieName("broskis_csrf"),
		csrf.TrustedOrigins(cfg.TrustedOrigins),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
			webcore.ErrorReason(w, http.StatusForbidden, "csrf_failed", "missing or invalid CSRF token")
		})),
	)
	return func(next http.Handler) http.Handler {
		protected := protect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range cfg.Exempt {
				if r.URL.Path == p || strings.HasPrefix(r.URL.Path, p+"/") {
					next.ServeHTTP(w, r)
					return
				}
			}
			if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
				r = csrf.PlaintextHTTPRequest(r)
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// CSRFToken returns the token for the current request. It is empty when
// CSRF protection is disabled.
func CSRFToken(r *http.Request) string {
	return csrf.Token(r)
}
