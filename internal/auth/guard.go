package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

// CookieConfig shapes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	TTL    time.Duration
}

// Guard attaches session claims to requests and enforces roles.
type Guard struct {
	verifier Verifier
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewGuard creates a guard reading the session from cookie.Name.
func NewGuard(v Verifier, cookie CookieConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{verifier: v, cookie: cookie, logger: logger}
}

// Verifier returns the verifier the guard checks sessions with.
func (g *Guard) Verifier() Verifier { return g.verifier }

// Optional attaches claims when a valid session cookie is present. Invalid
// cookies are treated as anonymous.
func (g *Guard) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ck, err := r.Cookie(g.cookie.Name)
		if err != nil || ck.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := g.verifier.VerifySession(r.Context(), ck.Value)
		if err != nil {
			g.logger.Warn("session rejected", "path", r.URL.Path, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireUser rejects anonymous requests with 401.
func (g *Guard) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			webcore.ErrorReason(w, http.StatusUnauthorized, "unauthenticated", "sign in required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects anonymous requests with 401 and non-admins with 403.
func (g *Guard) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		if !ok {
			webcore.ErrorReason(w, http.StatusUnauthorized, "unauthenticated", "sign in required")
			return
		}
		if !c.Admin {
			g.logger.Warn("admin route denied", "uid", c.UID, "path", r.URL.Path)
			webcore.ErrorReason(w, http.StatusForbidden, "forbidden", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSessionCookie writes the session cookie.
func (g *Guard) SetSessionCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookie.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(g.cookie.TTL.Seconds()),
		HttpOnly: true,
		Secure:   g.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func (g *Guard) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookie.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
