// Package stripetwin is an in-process stand-in for the subset of the Stripe
// API the payments package calls: payment intents, cancellation, refunds,
// and signed payment_intent webhooks. It serves tests and local development
// through the provider's API URL override.
package stripetwin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	pkgstore "github.com/broskis-kitchen/broskis/pkg/store"
	"github.com/broskis-kitchen/broskis/pkg/webcore"
	"github.com/broskis-kitchen/broskis/pkg/webhook"
)

// PaymentIntent mirrors the Stripe payment_intent object.
type PaymentIntent struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	ClientSecret       string            `json:"client_secret"`
	Description        string            `json:"description,omitempty"`
	ReceiptEmail       string            `json:"receipt_email,omitempty"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
	Created            int64             `json:"created"`
	Livemode           bool              `json:"livemode"`
}

// Refund mirrors the Stripe refund object.
type Refund struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
	Created       int64  `json:"created"`
}

// Config configures the twin.
type Config struct {
	// WebhookURL receives signed events. Empty disables delivery.
	WebhookURL    string
	WebhookSecret string
	// AutoDeliver sends events in the background instead of on Flush.
	AutoDeliver bool
	Logger      *slog.Logger
}

// Twin holds the simulated Stripe state.
type Twin struct {
	Intents *pkgstore.Collection[PaymentIntent]
	Refunds *pkgstore.Collection[Refund]
	Clock   *pkgstore.Clock

	dispatcher *webhook.Dispatcher
	server     *webcore.Server
	logger     *slog.Logger

	mu  sync.Mutex
	seq int
}

// New creates a twin with its routes mounted.
func New(cfg Config) *Twin {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Twin{
		Intents: pkgstore.New[PaymentIntent](),
		Refunds: pkgstore.New[Refund](),
		Clock:   pkgstore.NewClock(),
		logger:  cfg.Logger,
	}
	t.dispatcher = webhook.NewDispatcher(webhook.Config{
		URL:         cfg.WebhookURL,
		Secret:      cfg.WebhookSecret,
		Signer:      webhook.NewHMACSigner("Stripe-Signature"),
		Logger:      cfg.Logger,
		EventPrefix: "evt_twin",
		AutoDeliver: cfg.AutoDeliver,
		Now:         t.Clock.Now,
	})
	t.server = webcore.New(&webcore.Config{Name: "stripe-twin"}, cfg.Logger)
	t.routes(t.server.Router)
	return t
}

// ServeHTTP implements http.Handler.
func (t *Twin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.server.ServeHTTP(w, r)
}

// Server returns the underlying server, for running the twin standalone.
func (t *Twin) Server() *webcore.Server { return t.server }

// Dispatcher returns the outbound event dispatcher.
func (t *Twin) Dispatcher() *webhook.Dispatcher { return t.dispatcher }

// SetWebhook points event delivery at url.
func (t *Twin) SetWebhook(url, secret string) {
	t.dispatcher.SetURL(url)
	t.dispatcher.SetSecret(secret)
}

// Flush delivers queued events.
func (t *Twin) Flush(ctx context.Context) error {
	return t.dispatcher.Flush(ctx)
}

func (t *Twin) nextID(prefix string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return fmt.Sprintf("%s_twin_%06d", prefix, t.seq)
}

// ErrState is returned when an intent cannot make the requested move.
type ErrState struct {
	ID, Status, Want string
}

func (e *ErrState) Error() string {
	return fmt.Sprintf("payment intent %s is %s, cannot %s", e.ID, e.Status, e.Want)
}

// Succeed marks an intent paid and emits payment_intent.succeeded, as a
// customer completing payment would.
func (t *Twin) Succeed(id string) (PaymentIntent, error) {
	return t.settle(id, "succeeded", "payment_intent.succeeded")
}

// Fail emits payment_intent.payment_failed and returns the intent to
// requires_payment_method.
func (t *Twin) Fail(id string) (PaymentIntent, error) {
	return t.settle(id, "requires_payment_method", "payment_intent.payment_failed")
}

func (t *Twin) settle(id, status, event string) (PaymentIntent, error) {
	pi, err := t.Intents.Update(id, func(pi *PaymentIntent) error {
		switch pi.Status {
		case "succeeded", "canceled":
			return &ErrState{ID: pi.ID, Status: pi.Status, Want: "settle"}
		}
		pi.Status = status
		return nil
	})
	if err != nil {
		return PaymentIntent{}, err
	}
	t.emit(event, intentMap(pi))
	return pi, nil
}

func (t *Twin) emit(eventType string, object map[string]any) {
	evt := t.dispatcher.Enqueue(eventType, map[string]any{"object": object})
	t.logger.Debug("stripe twin event", "event_id", evt.ID, "type", eventType)
}

func intentMap(pi PaymentIntent) map[string]any {
	return map[string]any{
		"id":                   pi.ID,
		"object":               "payment_intent",
		"amount":               pi.Amount,
		"currency":             pi.Currency,
		"status":               pi.Status,
		"metadata":             pi.Metadata,
		"payment_method_types": pi.PaymentMethodTypes,
		"created":              pi.Created,
	}
}
