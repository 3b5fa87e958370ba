package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v76/webhook"

	"github.com/broskis-kitchen/broskis/internal/api"
	"github.com/broskis-kitchen/broskis/internal/app"
	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/config"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/testutil"
)

const (
	localSecret   = "local-test-secret-0123456789abcdef"
	csrfKey       = "0123456789abcdef0123456789abcdef"
	webhookSecret = "whsec_api_test"
	adminEmail    = "boss@broskis.test"
)

type env struct {
	t        *testing.T
	app      *app.App
	srv      *httptest.Server
	verifier *auth.LocalVerifier
	pay      *payments.NopProvider
	store    *store.MemoryStore
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Mode = config.AuthLocal
	cfg.Auth.LocalSecret = localSecret
	cfg.Auth.AdminEmails = []string{adminEmail}
	cfg.Server.SecureCookies = false
	cfg.CSRF.Key = csrfKey
	cfg.RateLimit.RPS = 1000
	cfg.RateLimit.Burst = 1000
	cfg.RateLimit.AuthRPM = 1000
	cfg.RateLimit.CheckoutRPM = 1000
	cfg.Payments.StripeWebhookSecret = webhookSecret
	cfg.Playlist.Tracks = []config.Track{{Title: "Kitchen Heat", Artist: "DJ Broski", Src: "/audio/heat.mp3", DurationSeconds: 184}}
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	st := store.NewMemory()
	seed := store.Seed{
		Items: []store.MenuItem{
			{ID: "burger", Name: "Smash Burger", Category: "burgers", PriceCents: 1299, Available: true},
			{ID: "fries", Name: "Fries", Category: "sides", PriceCents: 499, Available: true},
			{ID: "wagyu", Name: "Wagyu Drop", Category: "burgers", PriceCents: 2499, Available: true, DropOnly: true},
		},
		Drops: []store.Drop{
			{ID: "d1", Title: "Wagyu Friday", ItemIDs: []string{"wagyu"}, Total: 1, Active: true,
				StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour)},
		},
		Offers: []store.Offer{
			{ID: "five-off", Title: "$5 off", PointsCost: 200, DiscountCents: 500, Active: true, StartsAt: now.Add(-time.Hour)},
		},
	}
	if err := store.ApplySeed(ctx, st, seed, now); err != nil {
		t.Fatal(err)
	}

	verifier := auth.NewLocalVerifier(localSecret, cfg.Auth.IsAdminEmail)
	pay := payments.NewNopProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.Open(ctx, cfg, app.Options{
		Store:    st,
		Verifier: verifier,
		Payments: pay,
		Logger:   logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.Server)
	t.Cleanup(srv.Close)
	return &env{t: t, app: a, srv: srv, verifier: verifier, pay: pay, store: st}
}

// client returns an anonymous client holding a CSRF token.
func (e *env) client() *testutil.Client {
	e.t.Helper()
	c := testutil.NewClient(e.t, e.srv)
	c.FetchCSRF()
	return c
}

// signIn returns a client with a session for uid.
func (e *env) signIn(uid, email string) *testutil.Client {
	e.t.Helper()
	c := e.client()
	tok, err := e.verifier.MintIDToken(uid, email, false)
	if err != nil {
		e.t.Fatal(err)
	}
	c.Post("/api/auth/session", map[string]string{"id_token": tok}).AssertStatus(http.StatusOK)
	return c
}

func (e *env) admin() *testutil.Client {
	return e.signIn("admin1", adminEmail)
}

// sendPaymentEvent posts a signed provider event for the intent.
func (e *env) sendPaymentEvent(c *testutil.Client, typ, intentID, orderID string) *testutil.Response {
	e.t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_" + intentID + "_" + typ,
		"object":  "event",
		"type":    typ,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":       intentID,
				"object":   "payment_intent",
				"status":   "succeeded",
				"metadata": map[string]string{"order_id": orderID},
			},
		},
	})
	if err != nil {
		e.t.Fatal(err)
	}
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: payload, Secret: webhookSecret})
	return c.PostRaw("/api/webhooks/stripe", payload, map[string]string{payments.SignatureHeader: signed.Header})
}

type placed struct {
	Order        store.Order `json:"order"`
	ClientSecret string      `json:"client_secret"`
}

func burgerCheckout(extra map[string]any) map[string]any {
	req := map[string]any{
		"lines":          []map[string]any{{"item_id": "burger", "quantity": 1}},
		"payment_method": "card",
		"pickup_name":    "Sam",
	}
	for k, v := range extra {
		req[k] = v
	}
	return req
}

// ---------------------------------------------------------------------------
// Public surface
// ---------------------------------------------------------------------------

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	c := testutil.NewClient(t, e.srv)
	c.Get("/healthz").AssertStatus(http.StatusOK).AssertBodyContains(`"ok"`)
	c.Get("/api/menu").AssertStatus(http.StatusOK)
	c.Get("/metrics").AssertStatus(http.StatusOK).
		AssertBodyContains("broskis_http_requests_total").
		AssertBodyContains(`route="/api/menu"`)
}

func TestMenuAndDrops(t *testing.T) {
	e := newEnv(t, nil)
	c := testutil.NewClient(t, e.srv)

	var menu struct {
		Items []store.MenuItem `json:"items"`
		Drops []struct {
			ID        string `json:"id"`
			Remaining int    `json:"remaining"`
		} `json:"drops"`
		Categories []string `json:"categories"`
	}
	c.Get("/api/menu").AssertStatus(http.StatusOK).JSON(&menu)
	if len(menu.Items) != 3 {
		t.Errorf("items = %d, want 3", len(menu.Items))
	}
	if len(menu.Categories) != 2 || menu.Categories[0] != "burgers" {
		t.Errorf("categories = %v", menu.Categories)
	}
	if len(menu.Drops) != 1 || menu.Drops[0].Remaining != 1 {
		t.Errorf("drops = %+v", menu.Drops)
	}

	c.Get("/api/menu/items/fries").AssertStatus(http.StatusOK).AssertBodyContains(`"price_cents":499`)
	c.Get("/api/menu/items/nope").AssertStatus(http.StatusNotFound).AssertReason("not_found")
	c.Get("/api/drops").AssertStatus(http.StatusOK).AssertBodyContains(`"d1"`)
	c.Get("/api/drops/d1").AssertStatus(http.StatusOK).AssertBodyContains(`"live":true`)
	c.Get("/api/drops/zzz").AssertStatus(http.StatusNotFound)
}

func TestPlaylist(t *testing.T) {
	e := newEnv(t, nil)
	var body struct {
		Tracks []config.Track `json:"tracks"`
	}
	testutil.NewClient(t, e.srv).Get("/api/playlist").AssertStatus(http.StatusOK).JSON(&body)
	if len(body.Tracks) != 1 || body.Tracks[0].Title != "Kitchen Heat" || body.Tracks[0].DurationSeconds != 184 {
		t.Errorf("tracks = %+v", body.Tracks)
	}
}

func TestCSRFRequiredOnWrites(t *testing.T) {
	e := newEnv(t, nil)
	c := testutil.NewClient(t, e.srv)
	c.Post("/api/checkout/quote", burgerCheckout(nil)).
		AssertStatus(http.StatusForbidden).AssertReason("csrf_failed")

	c.FetchCSRF()
	c.Post("/api/checkout/quote", burgerCheckout(nil)).AssertStatus(http.StatusOK)
}

func TestCSRFDisabled(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.CSRF.Enabled = false })
	testutil.NewClient(t, e.srv).Post("/api/checkout/quote", burgerCheckout(nil)).AssertStatus(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	c := e.client()
	c.Get("/api/auth/me").AssertStatus(http.StatusUnauthorized).AssertReason("unauthenticated")

	c.Post("/api/auth/session", map[string]string{"id_token": "garbage"}).
		AssertStatus(http.StatusUnauthorized).AssertReason("invalid_session")
	c.Post("/api/auth/session", map[string]string{}).AssertStatus(http.StatusBadRequest)

	tok, err := e.verifier.MintIDToken("u1", "u1@example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	resp := c.Post("/api/auth/session", map[string]string{"id_token": tok}).AssertStatus(http.StatusOK)
	var session *http.Cookie
	for _, ck := range (&http.Response{Header: resp.Headers}).Cookies() {
		if ck.Name == "__session" {
			session = ck
		}
	}
	if session == nil || !session.HttpOnly || session.SameSite != http.SameSiteLaxMode || session.Path != "/" {
		t.Fatalf("session cookie = %+v", session)
	}
	if session.MaxAge != int((120 * time.Hour).Seconds()) {
		t.Errorf("max age = %d", session.MaxAge)
	}

	c.Get("/api/auth/me").AssertStatus(http.StatusOK).AssertBodyContains(`"uid":"u1"`)
	c.Post("/api/auth/logout", nil).AssertStatus(http.StatusOK)
	c.Get("/api/auth/me").AssertStatus(http.StatusUnauthorized)
}

func TestRevokedSessionIsAnonymous(t *testing.T) {
	e := newEnv(t, nil)
	c := e.signIn("u1", "u1@example.com")
	if err := e.verifier.Revoke(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	c.Get("/api/rewards").AssertStatus(http.StatusUnauthorized)
}

// ---------------------------------------------------------------------------
// Checkout and payments
// ---------------------------------------------------------------------------

func TestGuestCheckoutPaidByWebhook(t *testing.T) {
	e := newEnv(t, nil)
	guest := e.client()

	var res placed
	guest.Post("/api/checkout", burgerCheckout(nil)).AssertStatus(http.StatusCreated).JSON(&res)
	if res.Order.Status != store.StatusPendingPayment || res.ClientSecret == "" {
		t.Fatalf("placed = %+v", res)
	}
	if res.Order.Totals.TotalCents != 1299+114 {
		t.Errorf("total = %d", res.Order.Totals.TotalCents)
	}

	e.sendPaymentEvent(guest, payments.EventIntentSucceeded, res.Order.PaymentIntentID, res.Order.ID).
		AssertStatus(http.StatusOK)
	// Redelivery is a no-op.
	e.sendPaymentEvent(guest, payments.EventIntentSucceeded, res.Order.PaymentIntentID, res.Order.ID).
		AssertStatus(http.StatusOK)

	var o store.Order
	e.admin().Get("/api/admin/orders/" + res.Order.ID).AssertStatus(http.StatusOK).JSON(&o)
	if o.Status != store.StatusPaid || o.PaidAt == nil || o.PointsEarned != 0 {
		t.Errorf("order = %s paid_at=%v earned=%d", o.Status, o.PaidAt, o.PointsEarned)
	}
	guest.Get("/api/orders/" + res.Order.ID).AssertStatus(http.StatusUnauthorized)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t, nil)
	c := testutil.NewClient(t, e.srv)
	c.PostRaw("/api/webhooks/stripe", []byte(`{"id":"evt_1"}`), map[string]string{
		payments.SignatureHeader: "t=1,v1=deadbeef",
	}).AssertStatus(http.StatusBadRequest)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	other := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{Payload: payload, Secret: "whsec_other"})
	c.PostRaw("/api/webhooks/stripe", payload, map[string]string{
		payments.SignatureHeader: other.Header,
	}).AssertStatus(http.StatusBadRequest).AssertReason("bad_signature")

	stale := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload, Secret: webhookSecret, Timestamp: time.Now().Add(-time.Hour),
	})
	c.PostRaw("/api/webhooks/stripe", payload, map[string]string{
		payments.SignatureHeader: stale.Header,
	}).AssertStatus(http.StatusBadRequest).AssertReason("stale_signature")
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Payments.StripeWebhookSecret = "" })
	testutil.NewClient(t, e.srv).PostRaw("/api/webhooks/stripe", []byte(`{}`), nil).
		AssertStatus(http.StatusServiceUnavailable).AssertReason("webhooks_disabled")
}

func TestCheckoutWithPointsEarnsOnPayment(t *testing.T) {
	e := newEnv(t, nil)
	e.admin().Post("/api/admin/rewards/u1/adjust", map[string]any{"delta": 500, "reason": "welcome bonus"}).
		AssertStatus(http.StatusOK)

	u := e.signIn("u1", "u1@example.com")
	var st struct {
		Balance int64 `json:"balance"`
		Tier    struct {
			Name string `json:"name"`
		} `json:"tier"`
	}
	u.Get("/api/rewards").AssertStatus(http.StatusOK).JSON(&st)
	if st.Balance != 500 || st.Tier.Name != "silver" {
		t.Fatalf("status = %+v", st)
	}

	var q struct {
		DiscountCents int64 `json:"discount_cents"`
		TaxCents      int64 `json:"tax_cents"`
		TotalCents    int64 `json:"total_cents"`
		PointsToEarn  int64 `json:"points_to_earn"`
	}
	u.Post("/api/checkout/quote", burgerCheckout(map[string]any{"points_to_redeem": 200})).
		AssertStatus(http.StatusOK).JSON(&q)
	if q.DiscountCents != 200 || q.TaxCents != 96 || q.TotalCents != 1195 || q.PointsToEarn != 13 {
		t.Fatalf("quote = %+v", q)
	}

	resp := u.Post("/api/checkout", burgerCheckout(map[string]any{
		"points_to_redeem": 200, "expected_discount_cents": 150,
	})).AssertStatus(http.StatusConflict).AssertReason("discount_mismatch")
	var mismatch struct {
		Detail struct {
			Quote struct {
				DiscountCents int64 `json:"discount_cents"`
			} `json:"quote"`
		} `json:"detail"`
	}
	resp.JSON(&mismatch)
	if mismatch.Detail.Quote.DiscountCents != 200 {
		t.Errorf("detail = %s", string(resp.Body))
	}

	var res placed
	u.Post("/api/checkout", burgerCheckout(map[string]any{
		"points_to_redeem": 200, "expected_discount_cents": 200,
	})).AssertStatus(http.StatusCreated).JSON(&res)
	u.Get("/api/rewards").JSON(&st)
	if st.Balance != 300 {
		t.Errorf("balance after reserve = %d, want 300", st.Balance)
	}

	e.sendPaymentEvent(u, payments.EventIntentSucceeded, res.Order.PaymentIntentID, res.Order.ID).
		AssertStatus(http.StatusOK)
	u.Get("/api/rewards").JSON(&st)
	if st.Balance != 313 {
		t.Errorf("balance after earn = %d, want 313", st.Balance)
	}

	var hist struct {
		Entries []store.LedgerEntry `json:"entries"`
	}
	u.Get("/api/rewards/history").AssertStatus(http.StatusOK).JSON(&hist)
	if len(hist.Entries) != 3 {
		t.Errorf("history = %d entries, want 3", len(hist.Entries))
	}

	var mine struct {
		Orders []store.Order `json:"orders"`
	}
	u.Get("/api/orders").AssertStatus(http.StatusOK).JSON(&mine)
	if len(mine.Orders) != 1 || mine.Orders[0].Status != store.StatusPaid {
		t.Errorf("orders = %+v", mine.Orders)
	}
	u.Get("/api/orders/" + res.Order.ID).AssertStatus(http.StatusOK)
	e.signIn("u2", "u2@example.com").Get("/api/orders/" + res.Order.ID).AssertStatus(http.StatusNotFound)
}

func TestCheckoutErrors(t *testing.T) {
	e := newEnv(t, nil)
	guest := e.client()

	tests := []struct {
		name   string
		body   map[string]any
		status int
		reason string
	}{
		{"empty cart", map[string]any{"lines": []any{}, "payment_method": "card", "pickup_name": "Sam"},
			http.StatusUnprocessableEntity, "empty_cart"},
		{"points as guest", burgerCheckout(map[string]any{"points_to_redeem": 100}),
			http.StatusUnauthorized, "auth_required"},
		{"bad tip", burgerCheckout(map[string]any{"tip_cents": -1}),
			http.StatusUnprocessableEntity, "invalid_tip"},
		{"unknown method", burgerCheckout(map[string]any{"payment_method": "iou"}),
			http.StatusUnprocessableEntity, "unsupported_method"},
		{"unknown item", map[string]any{"lines": []map[string]any{{"item_id": "nope", "quantity": 1}},
			"payment_method": "card", "pickup_name": "Sam"}, http.StatusUnprocessableEntity, "item_unavailable"},
		{"drop-only without drop", map[string]any{"lines": []map[string]any{{"item_id": "wagyu", "quantity": 1}},
			"payment_method": "card", "pickup_name": "Sam"}, http.StatusUnprocessableEntity, "item_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guest.Post("/api/checkout", tt.body).AssertStatus(tt.status).AssertReason(tt.reason)
		})
	}

	guest.Post("/api/checkout", map[string]any{"bogus": true}).
		AssertStatus(http.StatusBadRequest).AssertReason("invalid_body")
}

func TestDropSellsOut(t *testing.T) {
	e := newEnv(t, nil)
	guest := e.client()
	wagyu := map[string]any{
		"lines":          []map[string]any{{"item_id": "wagyu", "drop_id": "d1", "quantity": 1}},
		"payment_method": "card",
		"pickup_name":    "Sam",
	}
	guest.Post("/api/checkout", wagyu).AssertStatus(http.StatusCreated)
	resp := guest.Post("/api/checkout", wagyu).AssertStatus(http.StatusUnprocessableEntity)
	if r := resp.ErrorReason(); r != "sold_out" && r != "drop_closed" {
		t.Errorf("reason = %q", r)
	}
}

func TestCheckoutIdempotencyKey(t *testing.T) {
	e := newEnv(t, nil)
	guest := e.client()
	headers := map[string]string{"Idempotency-Key": "cart-123"}

	var first, second placed
	guest.DoWithHeaders(http.MethodPost, "/api/checkout", burgerCheckout(nil), headers).
		AssertStatus(http.StatusCreated).JSON(&first)
	resp := guest.DoWithHeaders(http.MethodPost, "/api/checkout", burgerCheckout(nil), headers).
		AssertStatus(http.StatusCreated)
	resp.JSON(&second)
	if first.Order.ID != second.Order.ID {
		t.Errorf("replay created a new order: %s vs %s", first.Order.ID, second.Order.ID)
	}
	if resp.Headers.Get("Idempotent-Replayed") != "true" {
		t.Error("missing Idempotent-Replayed header")
	}
}

func TestGlobalRateLimitPerSession(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.RateLimit.RPS = 0.01
		c.RateLimit.Burst = 5
	})
	// Each sign-in spends two anonymous requests from the shared test IP.
	alice := e.signIn("alice", "alice@example.com")
	bob := e.signIn("bob", "bob@example.com")

	for range 5 {
		alice.Get("/api/rewards").AssertStatus(http.StatusOK)
	}
	alice.Get("/api/rewards").AssertStatus(http.StatusTooManyRequests).AssertReason("rate_limited")
	bob.Get("/api/rewards").AssertStatus(http.StatusOK)

	anon := testutil.NewClient(t, e.srv)
	anon.Get("/api/menu").AssertStatus(http.StatusOK)
	anon.Get("/api/menu").AssertStatus(http.StatusTooManyRequests)

	for range 8 {
		anon.PostRaw("/api/webhooks/stripe", []byte(`{}`), map[string]string{
			payments.SignatureHeader: "t=1,v1=deadbeef",
		}).AssertStatus(http.StatusBadRequest)
	}
}

func TestCheckoutRateLimit(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.RateLimit.CheckoutRPM = 2 })
	guest := e.client()
	guest.Post("/api/checkout", burgerCheckout(nil)).AssertStatus(http.StatusCreated)
	guest.Post("/api/checkout", burgerCheckout(nil)).AssertStatus(http.StatusCreated)
	resp := guest.Post("/api/checkout", burgerCheckout(nil)).
		AssertStatus(http.StatusTooManyRequests).AssertReason("rate_limited")
	if resp.Headers.Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", resp.Headers.Get("Retry-After"))
	}
	// Quotes have their own budget.
	guest.Post("/api/checkout/quote", burgerCheckout(nil)).AssertStatus(http.StatusOK)

	testutil.NewClient(t, e.srv).Get("/metrics").
		AssertBodyContains(`broskis_http_rate_limited_total{scope="checkout"} 1`)
}

// ---------------------------------------------------------------------------
// Rewards offers
// ---------------------------------------------------------------------------

func TestClaimOfferAndRedeemCode(t *testing.T) {
	e := newEnv(t, nil)
	e.admin().Post("/api/admin/rewards/u1/adjust", map[string]any{"delta": 500, "reason": "promo"}).
		AssertStatus(http.StatusOK)
	u := e.signIn("u1", "u1@example.com")

	u.Get("/api/rewards/offers").AssertStatus(http.StatusOK).AssertBodyContains(`"five-off"`)

	var claim store.Claim
	u.DoWithHeaders(http.MethodPost, "/api/rewards/offers/five-off/claim", nil,
		map[string]string{"Idempotency-Key": "claim-1"}).AssertStatus(http.StatusCreated).JSON(&claim)
	if claim.Code == "" {
		t.Fatal("no claim code")
	}
	// A retried claim with the same key does not charge twice.
	u.DoWithHeaders(http.MethodPost, "/api/rewards/offers/five-off/claim", nil,
		map[string]string{"Idempotency-Key": "claim-1"}).AssertStatus(http.StatusCreated)

	var st struct {
		Balance int64 `json:"balance"`
	}
	u.Get("/api/rewards").JSON(&st)
	if st.Balance != 300 {
		t.Errorf("balance = %d, want 300", st.Balance)
	}
	u.Get("/api/rewards/claims").AssertStatus(http.StatusOK).AssertBodyContains(claim.Code)

	var q struct {
		CodeDiscountCents int64 `json:"code_discount_cents"`
	}
	u.Post("/api/checkout/quote", burgerCheckout(map[string]any{"reward_code": claim.Code})).
		AssertStatus(http.StatusOK).JSON(&q)
	if q.CodeDiscountCents != 500 {
		t.Errorf("code discount = %d", q.CodeDiscountCents)
	}
	u.Post("/api/checkout", burgerCheckout(map[string]any{"reward_code": claim.Code})).AssertStatus(http.StatusCreated)
	u.Post("/api/checkout", burgerCheckout(map[string]any{"reward_code": claim.Code})).
		AssertStatus(http.StatusConflict).AssertReason("code_used")

	u.Post("/api/rewards/offers/nope/claim", nil).AssertStatus(http.StatusNotFound)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdminRequiresAdmin(t *testing.T) {
	e := newEnv(t, nil)
	e.client().Get("/api/admin/orders").AssertStatus(http.StatusUnauthorized)
	e.signIn("u1", "u1@example.com").Get("/api/admin/orders").
		AssertStatus(http.StatusForbidden).AssertReason("forbidden")
	e.admin().Get("/api/admin/orders").AssertStatus(http.StatusOK)
}

func TestAdminMenuItems(t *testing.T) {
	e := newEnv(t, nil)
	a := e.admin()
	pub := testutil.NewClient(t, e.srv)

	var item store.MenuItem
	a.Post("/api/admin/menu/items", map[string]any{
		"name": "Loaded Tots", "category": "Sides", "price_cents": 699, "available": true,
	}).AssertStatus(http.StatusCreated).JSON(&item)
	if item.ID != "loaded-tots" || item.Category != "sides" {
		t.Fatalf("item = %+v", item)
	}
	pub.Get("/api/menu").AssertBodyContains("Loaded Tots")

	a.Put("/api/admin/menu/items/loaded-tots", map[string]any{
		"name": "Loaded Tots", "category": "sides", "price_cents": 799, "available": true,
	}).AssertStatus(http.StatusOK).AssertBodyContains(`"price_cents":799`)
	a.Put("/api/admin/menu/items/ghost", map[string]any{"name": "x", "category": "y"}).
		AssertStatus(http.StatusNotFound)
	a.Post("/api/admin/menu/items", map[string]any{"category": "sides"}).
		AssertStatus(http.StatusUnprocessableEntity).AssertReason("invalid_item")

	a.Delete("/api/admin/menu/items/loaded-tots").AssertStatus(http.StatusNoContent)
	pub.Get("/api/menu/items/loaded-tots").AssertStatus(http.StatusNotFound)
}

func TestAdminDropsAndOffers(t *testing.T) {
	e := newEnv(t, nil)
	a := e.admin()
	start := time.Now().UTC().Add(time.Hour)

	var d store.Drop
	a.Post("/api/admin/drops", map[string]any{
		"title": "Late Night", "item_ids": []string{"wagyu"}, "total": 10, "active": true,
		"starts_at": start, "ends_at": start.Add(2 * time.Hour),
	}).AssertStatus(http.StatusCreated).JSON(&d)
	if d.ID == "" || d.Total != 10 {
		t.Fatalf("drop = %+v", d)
	}
	a.Post("/api/admin/drops", map[string]any{
		"title": "Backwards", "item_ids": []string{"wagyu"}, "total": 1,
		"starts_at": start, "ends_at": start.Add(-time.Hour),
	}).AssertStatus(http.StatusUnprocessableEntity).AssertReason("invalid_drop")

	var drops struct {
		Drops []json.RawMessage `json:"drops"`
	}
	a.Get("/api/admin/drops").AssertStatus(http.StatusOK).JSON(&drops)
	if len(drops.Drops) != 2 {
		t.Errorf("drops = %d, want 2", len(drops.Drops))
	}
	a.Delete("/api/admin/drops/" + d.ID).AssertStatus(http.StatusNoContent)

	a.Post("/api/admin/offers", map[string]any{
		"title": "Free fries", "points_cost": 150, "discount_cents": 499, "active": true, "starts_at": time.Now().UTC(),
	}).AssertStatus(http.StatusCreated)
	a.Put("/api/admin/offers/five-off", map[string]any{
		"title": "$5 off", "points_cost": 250, "discount_cents": 500, "active": false,
	}).AssertStatus(http.StatusOK).AssertBodyContains(`"points_cost":250`)
	a.Post("/api/admin/offers", map[string]any{"title": "Free", "points_cost": 0, "discount_cents": 1}).
		AssertStatus(http.StatusUnprocessableEntity).AssertReason("invalid_offer")
	a.Get("/api/admin/offers").AssertStatus(http.StatusOK).AssertBodyContains("Free fries")
	a.Delete("/api/admin/offers/five-off").AssertStatus(http.StatusNoContent)
	a.Delete("/api/admin/offers/five-off").AssertStatus(http.StatusNotFound)
}

func TestAdminOrderStatus(t *testing.T) {
	e := newEnv(t, nil)
	var res placed
	e.client().Post("/api/checkout", burgerCheckout(nil)).AssertStatus(http.StatusCreated).JSON(&res)
	path := fmt.Sprintf("/api/admin/orders/%s/status", res.Order.ID)

	a := e.admin()
	a.Post(path, map[string]string{"status": "ready"}).
		AssertStatus(http.StatusUnprocessableEntity).AssertReason("invalid_transition")
	a.Post(path, map[string]string{"status": "eaten"}).
		AssertStatus(http.StatusBadRequest).AssertReason("invalid_status")
	a.Post(path, map[string]string{"status": "cancelled", "reason": "customer called"}).
		AssertStatus(http.StatusOK).AssertBodyContains(`"cancel_reason":"customer called"`)
	if got := e.pay.Cancelled(); len(got) != 1 || got[0] != res.Order.PaymentIntentID {
		t.Errorf("cancelled intents = %v", got)
	}

	var list struct {
		Orders []store.Order `json:"orders"`
	}
	a.Get("/api/admin/orders?status=cancelled").AssertStatus(http.StatusOK).JSON(&list)
	if len(list.Orders) != 1 {
		t.Errorf("cancelled orders = %d", len(list.Orders))
	}
	a.Get("/api/admin/orders?status=bogus").AssertStatus(http.StatusBadRequest)
	a.Get("/api/admin/orders/ord_missing").AssertStatus(http.StatusNotFound)
}

func TestAdminAdjustAndAudit(t *testing.T) {
	e := newEnv(t, nil)
	a := e.admin()
	a.Post("/api/admin/rewards/u9/adjust", map[string]any{"delta": 50}).
		AssertStatus(http.StatusUnprocessableEntity).AssertReason("invalid_adjustment")

	var res struct {
		Requested int64 `json:"requested"`
		Applied   int64 `json:"applied"`
	}
	a.Post("/api/admin/rewards/u9/adjust", map[string]any{"delta": 100, "reason": "make good"}).
		AssertStatus(http.StatusOK)
	a.Post("/api/admin/rewards/u9/adjust", map[string]any{"delta": -250, "reason": "clawback"}).
		AssertStatus(http.StatusOK).JSON(&res)
	if res.Requested != -250 || res.Applied != -100 {
		t.Errorf("adjust = %+v", res)
	}

	a.Get("/api/admin/rewards/u9").AssertStatus(http.StatusOK).AssertBodyContains(`"balance":0`)

	var audit struct {
		Entries []store.AuditEntry `json:"entries"`
	}
	a.Get("/api/admin/audit?target=u9").AssertStatus(http.StatusOK).JSON(&audit)
	if len(audit.Entries) != 2 {
		t.Errorf("audit entries = %d, want 2", len(audit.Entries))
	}
}

func TestOpsEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	ops := testutil.NewOpsClient(e.admin())
	ops.GetState().AssertStatus(http.StatusOK).AssertBodyContains("burger")
	ops.GetRequests().AssertStatus(http.StatusOK)
	ops.FlushNotifications().AssertStatus(http.StatusOK)
	ops.AdvanceTime("20m").AssertStatus(http.StatusOK).AssertBodyContains(`"offset":"20m0s"`)
}

func TestOpsTimeTravelNeedsLocalAuth(t *testing.T) {
	e := newEnv(t, nil)
	e.app.Config.Auth.Mode = config.AuthFirebase
	srv := httptest.NewServer(api.New(api.Deps{
		Config:   e.app.Config,
		Store:    e.store,
		Catalog:  e.app.Catalog,
		Rewards:  e.app.Rewards,
		Checkout: e.app.Checkout,
		Orders:   e.app.Orders,
		Guard: auth.NewGuard(e.verifier, auth.CookieConfig{Name: e.app.Config.Auth.CookieName},
			slog.New(slog.NewTextHandler(io.Discard, nil))),
		Clock: e.app.Clock,
	}))
	t.Cleanup(srv.Close)

	c := testutil.NewClient(t, srv)
	c.FetchCSRF()
	tok, err := e.verifier.MintIDToken("admin1", adminEmail, false)
	if err != nil {
		t.Fatal(err)
	}
	c.Post("/api/auth/session", map[string]string{"id_token": tok}).AssertStatus(http.StatusOK)
	testutil.NewOpsClient(c).AdvanceTime("1h").AssertStatus(http.StatusForbidden).AssertReason("dev_only")
}
