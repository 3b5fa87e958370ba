package api

import (
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/catalog"
	"github.com/broskis-kitchen/broskis/internal/checkout"
	"github.com/broskis-kitchen/broskis/internal/orders"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

type errorMapping struct {
	err    error
	status int
	reason string
}

// errorMappings is checked in order; the first match wins.
var errorMappings = []errorMapping{
	{store.ErrNotFound, http.StatusNotFound, "not_found"},

	{rewards.ErrDiscountMismatch, http.StatusConflict, "discount_mismatch"},
	{rewards.ErrCodeUsed, http.StatusConflict, "code_used"},
	{store.ErrDuplicateEntry, http.StatusConflict, "duplicate"},
	{store.ErrConflict, http.StatusConflict, "conflict"},

	{store.ErrSoldOut, http.StatusUnprocessableEntity, "sold_out"},
	{store.ErrDropClosed, http.StatusUnprocessableEntity, "drop_closed"},
	{rewards.ErrInsufficientPoints, http.StatusUnprocessableEntity, "insufficient_points"},
	{rewards.ErrBelowMinimum, http.StatusUnprocessableEntity, "below_minimum"},
	{rewards.ErrTierTooLow, http.StatusUnprocessableEntity, "tier_too_low"},
	{rewards.ErrOfferUnavailable, http.StatusUnprocessableEntity, "offer_unavailable"},
	{rewards.ErrInvalidAdjustment, http.StatusUnprocessableEntity, "invalid_adjustment"},
	{rewards.ErrInvalidOffer, http.StatusUnprocessableEntity, "invalid_offer"},
	{checkout.ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{checkout.ErrInvalidTip, http.StatusUnprocessableEntity, "invalid_tip"},
	{checkout.ErrUnsupportedMethod, http.StatusUnprocessableEntity, "unsupported_method"},
	{payments.ErrUnknownMethod, http.StatusUnprocessableEntity, "unsupported_method"},
	{catalog.ErrInvalidLine, http.StatusUnprocessableEntity, "invalid_line"},
	{catalog.ErrItemUnavailable, http.StatusUnprocessableEntity, "item_unavailable"},
	{catalog.ErrInvalidItem, http.StatusUnprocessableEntity, "invalid_item"},
	{catalog.ErrInvalidDrop, http.StatusUnprocessableEntity, "invalid_drop"},
	{orders.ErrInvalidTransition, http.StatusUnprocessableEntity, "invalid_transition"},

	{checkout.ErrAuthRequired, http.StatusUnauthorized, "auth_required"},
	{auth.ErrNoSession, http.StatusUnauthorized, "unauthenticated"},
	{auth.ErrInvalidSession, http.StatusUnauthorized, "invalid_session"},
	{auth.ErrForbidden, http.StatusForbidden, "forbidden"},

	{payments.ErrBadSignature, http.StatusBadRequest, "bad_signature"},
	{payments.ErrStaleSignature, http.StatusBadRequest, "stale_signature"},
}

// classify returns the status and reason for err. Unknown errors are 500.
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.reason
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeError maps err to a response. Server errors are logged and their
// message is not sent.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var mismatch *checkout.DiscountMismatchError
	if errors.As(err, &mismatch) {
		webcore.ErrorWithDetail(w, http.StatusConflict, "discount_mismatch", err.Error(), map[string]any{
			"expected_discount_cents": mismatch.Expected,
			"quote":                   mismatch.Quote,
		})
		return
	}

	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			"request_id", chimw.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		webcore.ErrorReason(w, status, reason, "internal error")
		return
	}
	webcore.ErrorReason(w, status, reason, err.Error())
}

func badRequest(w http.ResponseWriter, reason, msg string) {
	webcore.ErrorReason(w, http.StatusBadRequest, reason, msg)
}
