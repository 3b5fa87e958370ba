// Package checkout prices carts and places orders.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/broskis-kitchen/broskis/internal/auth"
	"github.com/broskis-kitchen/broskis/internal/catalog"
	"github.com/broskis-kitchen/broskis/internal/orders"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
)

var (
	ErrEmptyCart         = errors.New("cart is empty")
	ErrInvalidTip        = errors.New("invalid tip")
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	ErrAuthRequired      = errors.New("sign in to use points or reward codes")
	ErrInvalidLine       = catalog.ErrInvalidLine
	ErrItemUnavailable   = catalog.ErrItemUnavailable
)

// Config holds pricing rules and cart limits.
type Config struct {
	TaxRateBps  int64
	MaxTipCents int64
	MaxLines    int
	Currency    string
	// Methods are the payment methods offered at checkout.
	Methods []string
}

// Request is a checkout submitted by the client.
type Request struct {
	Lines          []catalog.CartLine `json:"lines"`
	PointsToRedeem int64              `json:"points_to_redeem,omitempty"`
	// ExpectedDiscountCents is the discount the client displayed. When set
	// it must equal the server's figure.
	ExpectedDiscountCents *int64 `json:"expected_discount_cents,omitempty"`
	RewardCode            string `json:"reward_code,omitempty"`
	TipCents              int64  `json:"tip_cents,omitempty"`
	PaymentMethod         string `json:"payment_method"`
	PickupName            string `json:"pickup_name,omitempty"`
	Phone                 string `json:"phone,omitempty"`
	Email                 string `json:"email,omitempty"`
}

// Quote is the server's pricing of a request.
type Quote struct {
	Lines []store.OrderLine `json:"lines"`
	store.Totals
}

// Result is a placed order with what the client needs to pay for it.
type Result struct {
	Order        store.Order `json:"order"`
	ClientSecret string      `json:"client_secret,omitempty"`
	Quote        Quote       `json:"quote"`
}

// DiscountMismatchError rejects a request whose expected discount differs
// from the server's. Quote carries the server's figures.
type DiscountMismatchError struct {
	Expected int64
	Quote    Quote
}

func (e *DiscountMismatchError) Error() string {
	return fmt.Sprintf("%v: client %d, server %d", rewards.ErrDiscountMismatch, e.Expected, e.Quote.DiscountCents)
}

func (e *DiscountMismatchError) Unwrap() error { return rewards.ErrDiscountMismatch }

// Recorder receives checkout outcomes, e.g. for metrics.
type Recorder interface {
	OrderPlaced(method string)
	DiscountMismatch()
}

// Service prices and places orders.
type Service struct {
	store    store.Store
	catalog  *catalog.Service
	rewards  *rewards.Service
	orders   *orders.Service
	payments payments.Provider
	recorder Recorder
	cfg      Config
	logger   *slog.Logger

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewService wires checkout.
func NewService(st store.Store, cat *catalog.Service, rw *rewards.Service, ord *orders.Service,
	pay payments.Provider, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = 50
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		catalog:  cat,
		rewards:  rw,
		orders:   ord,
		payments: pay,
		cfg:      cfg,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// Tax returns the tax on taxableCents at rateBps, rounded half up.
func Tax(taxableCents, rateBps int64) int64 {
	if taxableCents <= 0 || rateBps <= 0 {
		return 0
	}
	return (taxableCents*rateBps + 5000) / 10000
}

// Quote prices req without changing anything.
func (s *Service) Quote(ctx context.Context, claims auth.Claims, req Request) (Quote, error) {
	q, _, err := s.price(ctx, claims, req, s.Now())
	return q, err
}

// price computes the quote and returns the reward claim it applied, if any.
func (s *Service) price(ctx context.Context, claims auth.Claims, req Request, now time.Time) (Quote, *store.Claim, error) {
	switch {
	case len(req.Lines) == 0:
		return Quote{}, nil, ErrEmptyCart
	case len(req.Lines) > s.cfg.MaxLines:
		return Quote{}, nil, fmt.Errorf("%w: at most %d lines", ErrInvalidLine, s.cfg.MaxLines)
	case req.TipCents < 0 || req.TipCents > s.cfg.MaxTipCents:
		return Quote{}, nil, fmt.Errorf("%w: must be between 0 and %d cents", ErrInvalidTip, s.cfg.MaxTipCents)
	case (req.PointsToRedeem != 0 || strings.TrimSpace(req.RewardCode) != "") && claims.UID == "":
		return Quote{}, nil, ErrAuthRequired
	}

	lines, err := s.catalog.Resolve(ctx, req.Lines, now)
	if err != nil {
		return Quote{}, nil, err
	}
	q := Quote{Lines: lines}
	for _, l := range lines {
		q.SubtotalCents += l.LineTotalCents
	}

	var claim *store.Claim
	if code := strings.TrimSpace(req.RewardCode); code != "" {
		c, err := s.rewards.LookupCode(ctx, claims.UID, code)
		if err != nil {
			return Quote{}, nil, err
		}
		claim = &c
		q.CodeDiscountCents = min(c.DiscountCents, q.SubtotalCents)
	}

	cfg := s.rewards.Config()
	var status rewards.Status
	if claims.UID != "" {
		if status, err = s.rewards.Status(ctx, claims.UID); err != nil {
			return Quote{}, nil, err
		}
	}
	red, err := cfg.QuoteRedemption(status.Balance, q.SubtotalCents-q.CodeDiscountCents, req.PointsToRedeem)
	if err != nil {
		return Quote{}, nil, err
	}
	q.PointsApplied = red.Points
	q.PointsDiscountCents = red.DiscountCents

	q.DiscountCents = q.CodeDiscountCents + q.PointsDiscountCents
	q.TaxableCents = q.SubtotalCents - q.DiscountCents
	q.TaxCents = Tax(q.TaxableCents, s.cfg.TaxRateBps)
	q.TipCents = req.TipCents
	q.TotalCents = q.TaxableCents + q.TaxCents + q.TipCents
	if claims.UID != "" {
		q.PointsToEarn = cfg.EarnPoints(q.TaxableCents, status.Tier)
	}
	return q, claim, nil
}

func (s *Service) methodAllowed(method string) bool {
	if !slices.Contains(s.cfg.Methods, method) {
		return false
	}
	_, err := payments.MethodTypes(method)
	return err == nil
}

func newOrderID() string {
	return "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Place prices req, reserves its drops, points, and code, creates the order,
// and opens a payment intent for the total. A zero total is paid at once.
// Everything reserved is released again if a later step fails.
func (s *Service) Place(ctx context.Context, claims auth.Claims, req Request) (Result, error) {
	if !s.methodAllowed(req.PaymentMethod) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.PaymentMethod)
	}
	pickup := strings.TrimSpace(req.PickupName)
	if pickup == "" {
		return Result{}, fmt.Errorf("%w: pickup name is required", ErrInvalidLine)
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		email = claims.Email
	}

	now := s.Now()
	q, claim, err := s.price(ctx, claims, req, now)
	if err != nil {
		return Result{}, err
	}
	if req.ExpectedDiscountCents != nil && *req.ExpectedDiscountCents != q.DiscountCents {
		if s.recorder != nil {
			s.recorder.DiscountMismatch()
		}
		s.logger.Warn("checkout discount mismatch",
			"uid", claims.UID, "client", *req.ExpectedDiscountCents, "server", q.DiscountCents)
		return Result{}, &DiscountMismatchError{Expected: *req.ExpectedDiscountCents, Quote: q}
	}

	actor := claims.UID
	if actor == "" {
		actor = "guest"
	}
	o := store.Order{
		ID:             newOrderID(),
		UID:            claims.UID,
		Email:          email,
		PickupName:     pickup,
		Phone:          strings.TrimSpace(req.Phone),
		Lines:          q.Lines,
		Totals:         q.Totals,
		PaymentMethod:  req.PaymentMethod,
		Status:         store.StatusPendingPayment,
		History:        []store.StatusChange{{To: store.StatusPendingPayment, Actor: actor, At: now}},
		PointsRedeemed: q.PointsApplied,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if claim != nil {
		o.RewardCode = claim.Code
	}

	if err := s.catalog.ReserveDrops(ctx, o.Lines); err != nil {
		return Result{}, err
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		if rerr := s.catalog.ReleaseDrops(ctx, o.Lines); rerr != nil {
			s.logger.Error("release drops after failed order create", "order_id", o.ID, "error", rerr)
		}
		return Result{}, fmt.Errorf("create order: %w", err)
	}

	res, err := s.reserveAndCharge(ctx, o, q, claim)
	if err != nil {
		s.undo(ctx, o.ID, err)
		return Result{}, err
	}
	if s.recorder != nil {
		s.recorder.OrderPlaced(req.PaymentMethod)
	}
	s.logger.Info("order placed", "order_id", o.ID, "uid", o.UID, "total_cents", q.TotalCents,
		"points_redeemed", q.PointsApplied, "method", req.PaymentMethod)
	return res, nil
}

func (s *Service) reserveAndCharge(ctx context.Context, o store.Order, q Quote, claim *store.Claim) (Result, error) {
	if q.PointsApplied > 0 {
		if _, err := s.rewards.Reserve(ctx, o.UID, o.Email, o.ID, q.PointsApplied); err != nil {
			return Result{}, err
		}
	}
	if claim != nil {
		if _, err := s.rewards.RedeemCode(ctx, o.UID, claim.Code, o.ID); err != nil {
			return Result{}, err
		}
	}

	if q.TotalCents == 0 {
		paid, err := s.orders.Transition(ctx, o.ID, store.StatusPaid, orders.ActorSystem, "nothing_to_charge")
		if err != nil {
			return Result{}, err
		}
		return Result{Order: paid, Quote: q}, nil
	}

	intent, err := s.payments.CreateIntent(ctx, payments.IntentRequest{
		OrderID:        o.ID,
		UID:            o.UID,
		Email:          o.Email,
		AmountCents:    q.TotalCents,
		Currency:       s.cfg.Currency,
		Method:         o.PaymentMethod,
		IdempotencyKey: "order-" + o.ID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("create payment intent: %w", err)
	}
	placed, err := s.store.UpdateOrder(ctx, o.ID, func(o *store.Order) error {
		o.PaymentIntentID = intent.ID
		return nil
	})
	if err != nil {
		if cerr := s.payments.CancelIntent(ctx, intent.ID); cerr != nil {
			s.logger.Error("cancel orphaned payment intent", "intent_id", intent.ID, "error", cerr)
		}
		return Result{}, fmt.Errorf("store payment intent: %w", err)
	}
	return Result{Order: placed, ClientSecret: intent.ClientSecret, Quote: q}, nil
}

// undo cancels a half-placed order, which releases whatever it reserved.
func (s *Service) undo(ctx context.Context, orderID string, cause error) {
	s.logger.Warn("checkout failed, releasing reservations", "order_id", orderID, "error", cause)
	if _, err := s.orders.Transition(context.WithoutCancel(ctx), orderID, store.StatusCancelled,
		orders.ActorSystem, orders.ReasonCheckoutFailed); err != nil {
		s.logger.Error("undo checkout", "order_id", orderID, "error", err)
	}
}
