package stripetwin

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	pkgstore "github.com/broskis-kitchen/broskis/pkg/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
)

func (t *Twin) routes(r chi.Router) {
	idem := t.server.Middleware().Idempotency(func(r *http.Request) string {
		return r.Header.Get("Authorization")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware)
		r.With(idem).Post("/payment_intents", t.createIntent)
		r.Get("/payment_intents/{id}", t.getIntent)
		r.Post("/payment_intents/{id}/cancel", t.cancelIntent)
		r.With(idem).Post("/refunds", t.createRefund)
	})

	r.Route("/_twin", func(r chi.Router) {
		r.Post("/payment_intents/{id}/succeed", t.adminSettle(t.Succeed))
		r.Post("/payment_intents/{id}/fail", t.adminSettle(t.Fail))
		r.Post("/flush", func(w http.ResponseWriter, r *http.Request) {
			if err := t.Flush(r.Context()); err != nil {
				webcore.Error(w, http.StatusBadGateway, err.Error())
				return
			}
			webcore.JSON(w, http.StatusOK, map[string]any{"deliveries": t.dispatcher.Deliveries()})
		})
	})
}

// stripeError writes Stripe's error envelope.
func stripeError(w http.ResponseWriter, status int, errType, code, message string) {
	webcore.JSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"code":    code,
			"message": message,
		},
	})
}

func authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" {
			stripeError(w, http.StatusUnauthorized, "invalid_request_error", "api_key_required",
				"You did not provide an API key.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metadata collects metadata[key]=value form fields.
func metadata(r *http.Request) map[string]string {
	meta := map[string]string{}
	for key, values := range r.Form {
		if strings.HasPrefix(key, "metadata[") && strings.HasSuffix(key, "]") && len(values) > 0 {
			meta[strings.TrimSuffix(strings.TrimPrefix(key, "metadata["), "]")] = values[0]
		}
	}
	return meta
}

// formList collects name[0]=a&name[1]=b form fields in index order.
func formList(r *http.Request, name string) []string {
	type indexed struct {
		i int
		v string
	}
	var items []indexed
	for key, values := range r.Form {
		if !strings.HasPrefix(key, name+"[") || !strings.HasSuffix(key, "]") || len(values) == 0 {
			continue
		}
		i, err := strconv.Atoi(key[len(name)+1 : len(key)-1])
		if err != nil {
			continue
		}
		items = append(items, indexed{i, values[0]})
	}
	sort.Slice(items, func(a, b int) bool { return items[a].i < items[b].i })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out
}

func (t *Twin) createIntent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "parameter_invalid", err.Error())
		return
	}
	amount, err := strconv.ParseInt(r.FormValue("amount"), 10, 64)
	if err != nil || amount <= 0 {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "parameter_invalid_integer",
			"Invalid positive integer: amount.")
		return
	}
	currency := r.FormValue("currency")
	if currency == "" {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "parameter_missing",
			"Missing required param: currency.")
		return
	}
	types := formList(r, "payment_method_types")
	if len(types) == 0 {
		types = []string{"card"}
	}

	id := t.nextID("pi")
	pi := PaymentIntent{
		ID:                 id,
		Object:             "payment_intent",
		Amount:             amount,
		Currency:           currency,
		Status:             "requires_payment_method",
		ClientSecret:       id + "_secret_twin",
		Description:        r.FormValue("description"),
		ReceiptEmail:       r.FormValue("receipt_email"),
		PaymentMethodTypes: types,
		Metadata:           metadata(r),
		Created:            t.Clock.Now().Unix(),
	}
	t.Intents.Set(id, pi)
	webcore.JSON(w, http.StatusOK, pi)
}

func (t *Twin) getIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pi, ok := t.Intents.Get(id)
	if !ok {
		stripeError(w, http.StatusNotFound, "invalid_request_error", "resource_missing",
			"No such payment_intent: '"+id+"'")
		return
	}
	webcore.JSON(w, http.StatusOK, pi)
}

func (t *Twin) cancelIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pi, err := t.Intents.Update(id, func(pi *PaymentIntent) error {
		if pi.Status == "succeeded" || pi.Status == "canceled" {
			return &ErrState{ID: pi.ID, Status: pi.Status, Want: "cancel"}
		}
		pi.Status = "canceled"
		return nil
	})
	if !t.writeUpdateError(w, id, err) {
		return
	}
	t.emit("payment_intent.canceled", intentMap(pi))
	webcore.JSON(w, http.StatusOK, pi)
}

func (t *Twin) createRefund(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "parameter_invalid", err.Error())
		return
	}
	piID := r.FormValue("payment_intent")
	pi, ok := t.Intents.Get(piID)
	if !ok {
		stripeError(w, http.StatusNotFound, "invalid_request_error", "resource_missing",
			"No such payment_intent: '"+piID+"'")
		return
	}
	if pi.Status != "succeeded" {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "charge_not_refundable",
			"This PaymentIntent does not have a successful charge to refund.")
		return
	}
	if _, dup := t.Refunds.Find(func(_ string, rf Refund) bool { return rf.PaymentIntent == piID }); dup {
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "charge_already_refunded",
			"Charge for PaymentIntent "+piID+" has already been refunded.")
		return
	}

	rf := Refund{
		ID:            t.nextID("re"),
		Object:        "refund",
		Amount:        pi.Amount,
		Currency:      pi.Currency,
		PaymentIntent: piID,
		Status:        "succeeded",
		Created:       t.Clock.Now().Unix(),
	}
	t.Refunds.Set(rf.ID, rf)
	t.emit("refund.created", map[string]any{
		"id": rf.ID, "object": "refund", "amount": rf.Amount, "payment_intent": piID, "status": rf.Status,
	})
	webcore.JSON(w, http.StatusOK, rf)
}

func (t *Twin) adminSettle(fn func(id string) (PaymentIntent, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		pi, err := fn(id)
		if !t.writeUpdateError(w, id, err) {
			return
		}
		webcore.JSON(w, http.StatusOK, pi)
	}
}

// writeUpdateError writes the error response for err and reports whether
// the caller should continue.
func (t *Twin) writeUpdateError(w http.ResponseWriter, id string, err error) bool {
	var stateErr *ErrState
	switch {
	case err == nil:
		return true
	case errors.Is(err, pkgstore.ErrMissing):
		stripeError(w, http.StatusNotFound, "invalid_request_error", "resource_missing",
			"No such payment_intent: '"+id+"'")
	case errors.As(err, &stateErr):
		stripeError(w, http.StatusBadRequest, "invalid_request_error", "payment_intent_unexpected_state", stateErr.Error())
	default:
		stripeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
	}
	return false
}
