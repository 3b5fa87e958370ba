package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/broskis-kitchen/broskis/internal/orders"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (h *handlers) adminListOrders(w http.ResponseWriter, r *http.Request) {
	f := store.OrderFilter{
		Status: store.OrderStatus(r.URL.Query().Get("status")),
		Limit:  queryLimit(r, 100, 1000),
	}
	if f.Status != "" && !orders.Valid(f.Status) {
		badRequest(w, "invalid_status", "unknown order status "+string(f.Status))
		return
	}
	list, err := h.Orders.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"orders": orEmpty(list)})
}

func (h *handlers) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, o)
}

func (h *handlers) adminSetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status store.OrderStatus `json:"status"`
		Reason string            `json:"reason"`
	}
	if err := webcore.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	if !orders.Valid(req.Status) {
		badRequest(w, "invalid_status", "unknown order status "+string(req.Status))
		return
	}
	actor := claims(r).UID
	o, err := h.Orders.Transition(r.Context(), chi.URLParam(r, "id"), req.Status, actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("order status set by admin", "order_id", o.ID, "status", o.Status, "actor", actor)
	webcore.JSON(w, http.StatusOK, o)
}

// ---------------------------------------------------------------------------
// Menu items
// ---------------------------------------------------------------------------

func (h *handlers) adminCreateItem(w http.ResponseWriter, r *http.Request) {
	var item store.MenuItem
	if err := webcore.DecodeJSON(r, &item); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	h.saveItem(w, r, item, http.StatusCreated)
}

func (h *handlers) adminUpdateItem(w http.ResponseWriter, r *http.Request) {
	var item store.MenuItem
	if err := webcore.DecodeJSON(r, &item); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetItem(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	item.ID = id
	h.saveItem(w, r, item, http.StatusOK)
}

func (h *handlers) saveItem(w http.ResponseWriter, r *http.Request, item store.MenuItem, status int) {
	saved, err := h.Catalog.PutItem(r.Context(), item)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, status, saved)
}

func (h *handlers) adminDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Drops
// ---------------------------------------------------------------------------

func (h *handlers) adminListDrops(w http.ResponseWriter, r *http.Request) {
	drops, err := h.Catalog.Drops(r.Context(), true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"drops": drops})
}

func (h *handlers) adminCreateDrop(w http.ResponseWriter, r *http.Request) {
	var d store.Drop
	if err := webcore.DecodeJSON(r, &d); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	h.saveDrop(w, r, d, http.StatusCreated)
}

func (h *handlers) adminUpdateDrop(w http.ResponseWriter, r *http.Request) {
	var d store.Drop
	if err := webcore.DecodeJSON(r, &d); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetDrop(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	d.ID = id
	h.saveDrop(w, r, d, http.StatusOK)
}

func (h *handlers) saveDrop(w http.ResponseWriter, r *http.Request, d store.Drop, status int) {
	saved, err := h.Catalog.PutDrop(r.Context(), d)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, status, saved)
}

func (h *handlers) adminDeleteDrop(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.DeleteDrop(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Offers
// ---------------------------------------------------------------------------

func (h *handlers) adminListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Rewards.ListOffers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"offers": orEmpty(offers)})
}

func (h *handlers) adminCreateOffer(w http.ResponseWriter, r *http.Request) {
	var o store.Offer
	if err := webcore.DecodeJSON(r, &o); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	h.saveOffer(w, r, o, http.StatusCreated)
}

func (h *handlers) adminUpdateOffer(w http.ResponseWriter, r *http.Request) {
	var o store.Offer
	if err := webcore.DecodeJSON(r, &o); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetOffer(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	o.ID = id
	h.saveOffer(w, r, o, http.StatusOK)
}

func (h *handlers) saveOffer(w http.ResponseWriter, r *http.Request, o store.Offer, status int) {
	saved, err := h.Rewards.PutOffer(r.Context(), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, status, saved)
}

func (h *handlers) adminDeleteOffer(w http.ResponseWriter, r *http.Request) {
	if err := h.Rewards.DeleteOffer(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Rewards accounts and audit
// ---------------------------------------------------------------------------

func (h *handlers) adminRewards(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	st, err := h.Rewards.Status(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.Rewards.History(r.Context(), uid, queryLimit(r, 50, 500))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"status": st, "entries": orEmpty(entries)})
}

func (h *handlers) adminAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta  int64  `json:"delta"`
		Reason string `json:"reason"`
	}
	if err := webcore.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid_body", err.Error())
		return
	}
	res, err := h.Rewards.Adjust(r.Context(), claims(r).UID, chi.URLParam(r, "uid"), req.Delta, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, res)
}

func (h *handlers) adminAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Rewards.Audit(r.Context(), store.AuditFilter{
		TargetUID: r.URL.Query().Get("target"),
		Limit:     queryLimit(r, 100, 1000),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	webcore.JSON(w, http.StatusOK, map[string]any{"entries": orEmpty(entries)})
}
