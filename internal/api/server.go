// Package api is the HTTP surface of the service: the public menu, checkout,
// orders and rewards endpoints, the admin back-office, and the payment
// provider webhook.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/catalog"
	"github.com/broskis-kitchen/broskis/internal/checkout"
	"github.com/broskis-kitchen/broskis/internal/config"
	"github.com/broskis-kitchen/broskis/internal/metrics"
	"github.com/broskis-kitchen/broskis/internal/orders"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/admin"
	"github.com/broskis-kitchen/broskis/pkg/ratelimit"
	pkgstore "github.com/broskis-kitchen/broskis/pkg/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

// StripeWebhookPath receives payment provider events. It is exempt from
// CSRF and sessions.
const StripeWebhookPath = "/api/webhooks/stripe"

// Deps are the components the API serves.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Catalog  *catalog.Service
	Rewards  *rewards.Service
	Checkout *checkout.Service
	Orders   *orders.Service
	Guard    *auth.Guard
	// Limiter is optional; without it no rate limits apply.
	Limiter ratelimit.Limiter
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Notifier is the outbound dispatcher shown on the ops endpoints.
	Notifier admin.WebhookFlusher
	// Clock is the shiftable clock behind the ops time endpoints.
	Clock  *pkgstore.Clock
	Logger *slog.Logger
}

type handlers struct {
	Deps
	mw *webcore.Middleware
}

// New builds the HTTP server with every route mounted.
func New(d Deps) *webcore.Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	cfg := d.Config
	srv := webcore.New(&webcore.Config{
		Name:            "broskis",
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORSOrigins,
		LogRequests:     cfg.Server.LogRequests,
	}, d.Logger)

	h := &handlers{Deps: d, mw: srv.Middleware()}
	h.routes(srv.Router)
	return srv
}

func (h *handlers) routes(r chi.Router) {
	cfg := h.Config
	if h.Metrics != nil {
		r.Use(h.Metrics.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		webcore.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.Guard.Optional)
		r.Use(h.limitExcept("global", ratelimit.Limit{Rate: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}, callerKey, isWebhook))
		if cfg.CSRF.Enabled {
			r.Use(auth.CSRF(auth.CSRFConfig{
				Key:            []byte(cfg.CSRF.Key),
				Secure:         cfg.Server.SecureCookies,
				TrustedOrigins: cfg.CSRF.TrustedOrigins,
				Exempt:         []string{StripeWebhookPath},
			}, h.Logger))
		}

		r.Get("/menu", h.getMenu)
		r.Get("/menu/items/{id}", h.getItem)
		r.Get("/drops", h.listDrops)
		r.Get("/drops/{id}", h.getDrop)
		r.Get("/playlist", h.getPlaylist)
		r.Get("/csrf", h.getCSRF)

		r.Route("/auth", func(r chi.Router) {
			r.Use(h.limit("auth", ratelimit.PerMinute(cfg.RateLimit.AuthRPM), callerKey))
			r.Post("/session", h.createSession)
			r.Post("/logout", h.logout)
			r.With(h.Guard.RequireUser).Get("/me", h.me)
		})

		r.Post("/checkout/quote", h.quote)
		r.With(
			h.limit("checkout", ratelimit.PerMinute(cfg.RateLimit.CheckoutRPM), callerKey),
			h.mw.Idempotency(callerKey),
		).Post("/checkout", h.placeOrder)

		r.Group(func(r chi.Router) {
			r.Use(h.Guard.RequireUser)
			r.Get("/orders", h.listMyOrders)
			r.Get("/orders/{id}", h.getMyOrder)

			r.Get("/rewards", h.rewardsStatus)
			r.Get("/rewards/history", h.rewardsHistory)
			r.Get("/rewards/offers", h.availableOffers)
			r.With(h.mw.Idempotency(callerKey)).Post("/rewards/offers/{id}/claim", h.claimOffer)
			r.Get("/rewards/claims", h.listClaims)
		})

		r.Post("/webhooks/stripe", h.stripeWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.Guard.RequireAdmin)
			h.adminRoutes(r)

			ops := admin.NewHandler(h.stateStore(), h.mw, h.Clock, admin.Options{
				DevMode: cfg.Auth.Mode == config.AuthLocal,
			})
			if h.Notifier != nil {
				ops.SetFlusher(h.Notifier)
			}
			ops.Routes(r)
		})
	})
}

func (h *handlers) adminRoutes(r chi.Router) {
	r.Get("/orders", h.adminListOrders)
	r.Get("/orders/{id}", h.adminGetOrder)
	r.Post("/orders/{id}/status", h.adminSetStatus)

	r.Post("/menu/items", h.adminCreateItem)
	r.Put("/menu/items/{id}", h.adminUpdateItem)
	r.Delete("/menu/items/{id}", h.adminDeleteItem)

	r.Get("/drops", h.adminListDrops)
	r.Post("/drops", h.adminCreateDrop)
	r.Put("/drops/{id}", h.adminUpdateDrop)
	r.Delete("/drops/{id}", h.adminDeleteDrop)

	r.Get("/offers", h.adminListOffers)
	r.Post("/offers", h.adminCreateOffer)
	r.Put("/offers/{id}", h.adminUpdateOffer)
	r.Delete("/offers/{id}", h.adminDeleteOffer)

	r.Get("/rewards/{uid}", h.adminRewards)
	r.Post("/rewards/{uid}/adjust", h.adminAdjust)
	r.Get("/audit", h.adminAudit)
}

// stateStore returns the store when it supports ops snapshots.
func (h *handlers) stateStore() admin.StateStore {
	if ss, ok := h.Store.(admin.StateStore); ok {
		return ss
	}
	return nil
}

// limit applies a rate limit when a limiter is configured.
func (h *handlers) limit(scope string, l ratelimit.Limit, key func(*http.Request) string) func(http.Handler) http.Handler {
	return h.limitExcept(scope, l, key, nil)
}

func (h *handlers) limitExcept(scope string, l ratelimit.Limit, key func(*http.Request) string,
	skip func(*http.Request) bool) func(http.Handler) http.Handler {
	if h.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := ratelimit.MiddlewareConfig{
		Limiter: h.Limiter,
		Limit:   l,
		Scope:   scope,
		Key:     key,
		Skip:    skip,
		Logger:  h.Logger,
	}
	if h.Metrics != nil {
		cfg.OnLimited = h.Metrics.RateLimited
	}
	return ratelimit.Middleware(cfg)
}

// isWebhook matches provider callbacks.
func isWebhook(r *http.Request) bool { return r.URL.Path == StripeWebhookPath }

// callerKey identifies the caller by session uid, falling back to the
// client IP for anonymous requests.
func callerKey(r *http.Request) string {
	if uid := auth.UID(r.Context()); uid != "" {
		return "uid:" + uid
	}
	return "ip:" + ratelimit.ClientIP(r)
}
