package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey string
	// APIURL overrides the API base URL, e.g. to point at a local stand-in.
	APIURL     string
	HTTPClient *http.Client
	MaxRetries int64
	Logger     *slog.Logger
}

// StripeProvider charges through the Stripe API.
type StripeProvider struct {
	api    *client.API
	logger *slog.Logger
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bc := &stripe.BackendConfig{
		LeveledLogger:     leveled{cfg.Logger},
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
	}
	if cfg.APIURL != "" {
		bc.URL = stripe.String(cfg.APIURL)
	}
	if cfg.HTTPClient != nil {
		bc.HTTPClient = cfg.HTTPClient
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, bc),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, bc),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, bc),
	})
	return &StripeProvider{api: api, logger: cfg.Logger}
}

func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	types, err := MethodTypes(req.Method)
	if err != nil {
		return Intent{}, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		PaymentMethodTypes: stripe.StringSlice(types),
		Description:        stripe.String("Broski's Kitchen order " + req.OrderID),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	if req.UID != "" {
		params.AddMetadata("uid", req.UID)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, p.wrap("create payment intent", err)
	}
	p.logger.Info("payment intent created", "order_id", req.OrderID, "intent_id", pi.ID, "amount", pi.Amount)
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

func (p *StripeProvider) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := p.api.PaymentIntents.Cancel(intentID, params); err != nil {
		return p.wrap("cancel payment intent", err)
	}
	return nil
}

func (p *StripeProvider) Refund(ctx context.Context, intentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(intentID)}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + intentID)
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return p.wrap("refund", err)
	}
	p.logger.Info("payment refunded", "intent_id", intentID, "refund_id", r.ID, "amount", r.Amount)
	return nil
}

func (p *StripeProvider) wrap(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		p.logger.Warn("stripe request failed", "op", op, "status", serr.HTTPStatusCode, "code", serr.Code, "type", serr.Type)
	}
	return fmt.Errorf("stripe %s: %w", op, err)
}

// leveled routes stripe-go's logging into slog.
type leveled struct{ l *slog.Logger }

func (s leveled) Debugf(format string, v ...any) { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s leveled) Infof(format string, v ...any)  { s.l.Debug(fmt.Sprintf(format, v...)) }
func (s leveled) Warnf(format string, v ...any)  { s.l.Warn(fmt.Sprintf(format, v...)) }
func (s leveled) Errorf(format string, v ...any) { s.l.Error(fmt.Sprintf(format, v...)) }
