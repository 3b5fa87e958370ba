// Package notify publishes order lifecycle events to an outbound webhook.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/broskis-kitchen/broskis/internal/store"
	"github.com/broskis-kitchen/broskis/pkg/webhook"
)

// SignatureHeader carries the t=..,v1=.. HMAC signature of each delivery.
const SignatureHeader = "X-Broskis-Signature"

// Notifier publishes an event. Delivery is asynchronous to the caller.
type Notifier interface {
	Publish(ctx context.Context, eventType string, payload map[string]any)
}

// Config configures the outbound dispatcher.
type Config struct {
	URL         string
	Secret      string
	AutoDeliver bool
	MaxRetries  int
	RetryDelay  time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Now         func() time.Time
}

// New returns a dispatcher signing with SignatureHeader. With an empty URL
// events are queued and recorded but never sent.
func New(cfg Config) *webhook.Dispatcher {
	return webhook.NewDispatcher(webhook.Config{
		URL:         cfg.URL,
		Secret:      cfg.Secret,
		Signer:      webhook.NewHMACSigner(SignatureHeader),
		Logger:      cfg.Logger,
		HTTPClient:  cfg.HTTPClient,
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  cfg.RetryDelay,
		EventPrefix: "evt_broskis",
		AutoDeliver: cfg.AutoDeliver,
		Now:         cfg.Now,
	})
}

// OrderEventType names the event published when an order enters status.
func OrderEventType(status store.OrderStatus) string {
	return "order." + string(status)
}

// OrderPayload is the data block of an order event.
func OrderPayload(o store.Order) map[string]any {
	p := map[string]any{
		"order_id":        o.ID,
		"status":          string(o.Status),
		"pickup_name":     o.PickupName,
		"payment_method":  o.PaymentMethod,
		"total_cents":     o.Totals.TotalCents,
		"points_redeemed": o.PointsRedeemed,
		"points_earned":   o.PointsEarned,
		"refunded":        o.Refunded,
		"updated_at":      o.UpdatedAt,
	}
	if o.UID != "" {
		p["uid"] = o.UID
	}
	if o.CancelReason != "" {
		p["cancel_reason"] = o.CancelReason
	}
	items := make([]map[string]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, map[string]any{"item_id": l.ItemID, "name": l.Name, "quantity": l.Quantity})
	}
	p["lines"] = items
	return p
}

// Published is one event captured by Recorder.
type Published struct {
	Type    string
	Payload map[string]any
}

// Recorder is a Notifier that keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(_ context.Context, eventType string, payload map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, Published{Type: eventType, Payload: payload})
	r.mu.Unlock()
}

// Events returns the events published so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Types returns the type of each published event, in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
