// Package admin provides the operator control plane mounted under the admin
// API: request inspection, notification flushing, state snapshots, and the
// simulated clock used in development.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/broskis-kitchen/broskis/pkg/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
	"github.com/broskis-kitchen/broskis/pkg/webhook"
)

// StateStore is implemented by storage drivers that can dump and restore
// their full state. Only the memory driver does.
type StateStore interface {
	// Snapshot returns the full state as a JSON-serializable value.
	Snapshot() any
	// LoadState replaces the full state from a JSON body.
	LoadState(data []byte) error
}

// WebhookFlusher is implemented by the outbound notification dispatcher.
type WebhookFlusher interface {
	FlushWebhooks() error
	Deliveries() []webhook.Delivery
	QueuedEvents() []webhook.Event
}

// Options controls which development-only endpoints are enabled.
type Options struct {
	// DevMode enables time travel and state loading.
	DevMode bool
}

// Handler provides the ops endpoints.
type Handler struct {
	state   StateStore
	flusher WebhookFlusher
	mw      *webcore.Middleware
	clock   *store.Clock
	opts    Options
}

// NewHandler creates a new ops handler. state and clock may be nil.
func NewHandler(state StateStore, mw *webcore.Middleware, clock *store.Clock, opts Options) *Handler {
	return &Handler{
		state: state,
		mw:    mw,
		clock: clock,
		opts:  opts,
	}
}

// SetFlusher sets the notification flusher (optional).
func (h *Handler) SetFlusher(f WebhookFlusher) {
	h.flusher = f
}

// Routes mounts the ops endpoints on the given router under /ops.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/ops", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/requests", h.handleGetRequests)
		r.Get("/notifications", h.handleListNotifications)
		r.Post("/notifications/flush", h.handleFlushNotifications)
		r.Get("/state", h.handleGetState)
		r.Post("/state", h.handleLoadState)
		r.Get("/time", h.handleGetTime)
		r.Post("/time/advance", h.handleTimeAdvance)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	webcore.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	webcore.JSON(w, http.StatusOK, h.mw.ReqLog.Entries())
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if h.flusher == nil {
		webcore.JSON(w, http.StatusOK, map[string]any{"queued": []webhook.Event{}, "deliveries": []webhook.Delivery{}})
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{
		"queued":     h.flusher.QueuedEvents(),
		"deliveries": h.flusher.Deliveries(),
	})
}

func (h *Handler) handleFlushNotifications(w http.ResponseWriter, r *http.Request) {
	if h.flusher == nil {
		webcore.JSON(w, http.StatusOK, map[string]string{"status": "no notifications configured"})
		return
	}
	if err := h.flusher.FlushWebhooks(); err != nil {
		webcore.Error(w, http.StatusBadGateway, "flush failed: "+err.Error())
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	if h.state == nil {
		webcore.ErrorReason(w, http.StatusNotImplemented, "state_unsupported", "state snapshots require the memory store")
		return
	}
	webcore.JSON(w, http.StatusOK, h.state.Snapshot())
}

func (h *Handler) handleLoadState(w http.ResponseWriter, r *http.Request) {
	if !h.opts.DevMode {
		webcore.ErrorReason(w, http.StatusForbidden, "dev_only", "state loading is only available in development")
		return
	}
	if h.state == nil {
		webcore.ErrorReason(w, http.StatusNotImplemented, "state_unsupported", "state snapshots require the memory store")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		webcore.Error(w, http.StatusBadRequest, "failed to read body: "+err.Error())
		return
	}
	if err := h.state.LoadState(body); err != nil {
		webcore.Error(w, http.StatusBadRequest, "failed to load state: "+err.Error())
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

func (h *Handler) handleTimeAdvance(w http.ResponseWriter, r *http.Request) {
	if !h.opts.DevMode {
		webcore.ErrorReason(w, http.StatusForbidden, "dev_only", "time travel is only available in development")
		return
	}
	if h.clock == nil {
		webcore.Error(w, http.StatusBadRequest, "simulated clock not configured")
		return
	}

	var req struct {
		Duration string `json:"duration"` // Go duration string, e.g. "20m", "24h"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		webcore.Error(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		webcore.Error(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}
	if d < 0 {
		webcore.Error(w, http.StatusBadRequest, "duration must not be negative")
		return
	}

	h.clock.Advance(d)
	webcore.JSON(w, http.StatusOK, map[string]any{
		"status":    "advanced",
		"duration":  d.String(),
		"offset":    h.clock.Offset().String(),
		"simulated": h.clock.Now().Format(time.RFC3339),
	})
}

func (h *Handler) handleGetTime(w http.ResponseWriter, r *http.Request) {
	if h.clock == nil {
		webcore.JSON(w, http.StatusOK, map[string]any{
			"real": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{
		"real":      time.Now().UTC().Format(time.RFC3339),
		"simulated": h.clock.Now().Format(time.RFC3339),
		"offset":    h.clock.Offset().String(),
	})
}
