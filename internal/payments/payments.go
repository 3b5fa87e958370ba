// Package payments creates and settles payment intents and verifies the
// payment provider's webhooks.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

var (
	ErrBadSignature   = errors.New("invalid webhook signature")
	ErrStaleSignature = errors.New("webhook timestamp outside tolerance")
	ErrUnknownMethod  = errors.New("unknown payment method")
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "Stripe-Signature"

// Webhook event types the order service reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// IntentRequest describes the charge for one order.
type IntentRequest struct {
	OrderID        string
	UID            string
	Email          string
	AmountCents    int64
	Currency       string
	Method         string
	IdempotencyKey string
}

// Intent is a created payment intent.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// Provider is a payment processor.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	Refund(ctx context.Context, intentID string) error
}

// MethodTypes maps a checkout method to provider payment method types.
// Apple Pay and Google Pay ride on card.
func MethodTypes(method string) ([]string, error) {
	switch method {
	case "card", "wallet":
		return []string{"card"}, nil
	case "cashapp":
		return []string{"cashapp"}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}

// IntentObject is the payment intent carried by a webhook event.
type IntentObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

// Event is a verified provider webhook event.
type Event struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Intent  IntentObject `json:"intent"`
	Created time.Time    `json:"created"`
}

// VerifyWebhook checks the Stripe-Signature header over payload. Any v1
// signature in the header may match. A non-positive tolerance uses
// Stripe's default of five minutes.
func VerifyWebhook(payload []byte, header, secret string, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	err := stripewebhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stripewebhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrStaleSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
}

// ParseEvent decodes a webhook body. Events for objects other than payment
// intents decode with an empty Intent.
func ParseEvent(payload []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Created > 0 {
		out.Created = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, nil
	}
	if obj, _ := evt.Data.Object["object"].(string); obj != "" && obj != "payment_intent" {
		return out, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return Event{}, fmt.Errorf("decode payment intent: %w", err)
	}
	out.Intent = IntentObject{ID: pi.ID, Status: string(pi.Status), Amount: pi.Amount, Metadata: pi.Metadata}
	return out, nil
}
