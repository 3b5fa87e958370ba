package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/checkout"
	"github.com/broskis-kitchen/broskis/internal/config"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

const maxWebhookBody = 64 << 10

func claims(r *http.Request) auth.Claims {
	c, _ := auth.FromContext(r.Context())
	return c
}

// queryLimit reads ?limit=, bounded by max.
func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}

// ---------------------------------------------------------------------------
// Menu, drops, playlist
// ---------------------------------------------------------------------------

func (h *handlers) getMenu(w http.ResponseWriter, r *http.Request) {
	menu, err := h.Catalog.Menu(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, menu)
}

func (h *handlers) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Catalog.Item(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, item)
}

func (h *handlers) listDrops(w http.ResponseWriter, r *http.Request) {
	drops, err := h.Catalog.Drops(r.Context(), false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"drops": drops})
}

func (h *handlers) getDrop(w http.ResponseWriter, r *http.Request) {
	d, err := h.Catalog.Drop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, d)
}

func (h *handlers) getPlaylist(w http.ResponseWriter, r *http.Request) {
	tracks := h.Config.Playlist.Tracks
	if tracks == nil {
		tracks = []config.Track{}
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func (h *handlers) getCSRF(w http.ResponseWriter, r *http.Request) {
	token := auth.CSRFToken(r)
	if token != "" {
		w.Header().Set(auth.CSRFHeader, token)
	}
	webcore.JSON(w, http.StatusOK, map[string]any{
		"csrf_token": token,
		"enabled":    h.Config.CSRF.Enabled,
	})
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDToken string `json:"id_token"`
	}
	if err := webcore.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	if req.IDToken == "" {
		badRequest(w, "invalid_body", "id_token is required")
		return
	}

	v := h.Guard.Verifier()
	session, err := v.CreateSession(r.Context(), req.IDToken, h.Config.Auth.SessionTTL)
	if err != nil {
		h.Logger.Warn("sign-in rejected", "remote", r.RemoteAddr, "error", err)
		webcore.ErrorReason(w, http.StatusUnauthorized, "invalid_session", "sign-in failed")
		return
	}
	c, err := v.VerifySession(r.Context(), session)
	if err != nil {
		h.Logger.Warn("new session rejected", "error", err)
		webcore.ErrorReason(w, http.StatusUnauthorized, "invalid_session", "sign-in failed")
		return
	}
	h.Guard.SetSessionCookie(w, session)
	h.Logger.Info("signed in", "uid", c.UID, "admin", c.Admin)
	webcore.JSON(w, http.StatusOK, map[string]any{"user": c})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	if c, ok := auth.FromContext(r.Context()); ok {
		if err := h.Guard.Verifier().Revoke(r.Context(), c.UID); err != nil {
			h.Logger.Warn("session revoke failed", "uid", c.UID, "error", err)
		}
	}
	h.Guard.ClearSessionCookie(w)
	webcore.JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	webcore.JSON(w, http.StatusOK, map[string]any{"user": claims(r)})
}

// ---------------------------------------------------------------------------
// Checkout and orders
// ---------------------------------------------------------------------------

func (h *handlers) quote(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := webcore.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	q, err := h.Checkout.Quote(r.Context(), claims(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, q)
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := webcore.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	res, err := h.Checkout.Place(r.Context(), claims(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusCreated, res)
}

func (h *handlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.ListForUser(r.Context(), claims(r).UID, queryLimit(r, 50, 200))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"orders": orEmpty(list)})
}

func (h *handlers) getMyOrder(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	id := chi.URLParam(r, "id")
	var (
		o   store.Order
		err error
	)
	if c.Admin {
		o, err = h.Orders.Get(r.Context(), id)
	} else {
		o, err = h.Orders.GetForUser(r.Context(), c.UID, id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, o)
}

// ---------------------------------------------------------------------------
// Rewards
// ---------------------------------------------------------------------------

func (h *handlers) rewardsStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Rewards.Status(r.Context(), claims(r).UID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, st)
}

func (h *handlers) rewardsHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Rewards.History(r.Context(), claims(r).UID, queryLimit(r, 50, 500))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"entries": orEmpty(entries)})
}

func (h *handlers) availableOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Rewards.AvailableOffers(r.Context(), claims(r).UID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"offers": orEmpty(offers)})
}

func (h *handlers) claimOffer(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	claim, err := h.Rewards.ClaimOffer(r.Context(), c.UID, c.Email, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusCreated, claim)
}

func (h *handlers) listClaims(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rewards.Claims(r.Context(), claims(r).UID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"claims": orEmpty(list)})
}

// ---------------------------------------------------------------------------
// Payment provider webhook
// ---------------------------------------------------------------------------

func (h *handlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	secret := h.Config.Payments.StripeWebhookSecret
	if secret == "" {
		webcore.ErrorReason(w, http.StatusServiceUnavailable, "webhooks_disabled", "no webhook secret configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "invalid_body", "failed to read body")
		return
	}
	if err := payments.VerifyWebhook(payload, r.Header.Get(payments.SignatureHeader), secret,
		h.Config.Payments.WebhookTolerance); err != nil {
		h.Logger.Warn("webhook signature rejected", "remote", r.RemoteAddr, "error", err)
		h.writeError(w, r, err)
		return
	}
	evt, err := payments.ParseEvent(payload)
	if err != nil {
		badRequest(w, "invalid_event", err.Error())
		return
	}
	if err := h.Orders.HandlePaymentEvent(r.Context(), evt); err != nil {
		h.Logger.Error("webhook handling failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		webcore.ErrorReason(w, http.StatusInternalServerError, "handler_failed", "event not processed")
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"received": true})
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
