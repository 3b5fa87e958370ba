// Package orders runs the order status state machine and its side effects
// on points, drop inventory, payments, and notifications.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/broskis-kitchen/broskis/internal/catalog"
	"github.com/broskis-kitchen/broskis/internal/notify"
	"github.com/broskis-kitchen/broskis/internal/payments"
	"github.com/broskis-kitchen/broskis/internal/rewards"
	"github.com/broskis-kitchen/broskis/internal/store"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

// ErrSettle marks a status change that was saved while some of its side
// effects failed. Transitioning to the same status again retries them.
var ErrSettle = errors.New("order side effects incomplete")

// Actors recorded in order history for non-human transitions.
const (
	ActorSystem   = "system"
	ActorPayments = "payments"
)

// Cancel reasons set by the service itself.
const (
	ReasonPaymentTimeout = "payment_timeout"
	ReasonPaymentFailed  = "payment_failed"
	ReasonPaymentCancel  = "payment_canceled"
	ReasonCheckoutFailed = "checkout_failed"
)

var allowed = map[store.OrderStatus][]store.OrderStatus{
	store.StatusPendingPayment: {store.StatusPaid, store.StatusCancelled},
	store.StatusPaid:           {store.StatusPreparing, store.StatusCancelled},
	store.StatusPreparing:      {store.StatusReady, store.StatusCancelled},
	store.StatusReady:          {store.StatusCompleted},
}

// CanTransition reports whether an order in from may move to to.
func CanTransition(from, to store.OrderStatus) bool {
	return slices.Contains(allowed[from], to)
}

// Valid reports whether s is a known status.
func Valid(s store.OrderStatus) bool {
	switch s {
	case store.StatusPendingPayment, store.StatusPaid, store.StatusPreparing,
		store.StatusReady, store.StatusCompleted, store.StatusCancelled:
		return true
	}
	return false
}

// Recorder receives order transitions, e.g. for metrics.
type Recorder interface {
	OrderTransition(status store.OrderStatus)
}

// Config holds order lifecycle settings.
type Config struct {
	// PendingTTL is how long an order may wait for payment.
	PendingTTL time.Duration
}

// Service owns order state.
type Service struct {
	store    store.Store
	rewards  *rewards.Service
	catalog  *catalog.Service
	payments payments.Provider
	notifier notify.Notifier
	recorder Recorder
	cfg      Config
	logger   *slog.Logger

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewService wires the order service.
func NewService(st store.Store, rw *rewards.Service, cat *catalog.Service, pay payments.Provider,
	n notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		rewards:  rw,
		catalog:  cat,
		payments: pay,
		notifier: n,
		cfg:      cfg,
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (store.Order, error) {
	return s.store.GetOrder(ctx, id)
}

// GetForUser returns an order owned by uid. Orders of other customers are
// reported as not found.
func (s *Service) GetForUser(ctx context.Context, uid, id string) (store.Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return store.Order{}, err
	}
	if o.UID == "" || o.UID != uid {
		return store.Order{}, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return o, nil
}

// ListForUser returns a customer's orders, newest first.
func (s *Service) ListForUser(ctx context.Context, uid string, limit int) ([]store.Order, error) {
	return s.store.ListOrders(ctx, store.OrderFilter{UID: uid, Limit: limit})
}

// List returns orders matching f, newest first.
func (s *Service) List(ctx context.Context, f store.OrderFilter) ([]store.Order, error) {
	return s.store.ListOrders(ctx, f)
}

var errSameStatus = errors.New("order already in status")

// Transition moves an order to status to. Moving to the current status is
// a no-op that retries the idempotent ledger effects of that status, so a
// redelivered webhook can finish work an earlier attempt could not.
func (s *Service) Transition(ctx context.Context, id string, to store.OrderStatus, actor, reason string) (store.Order, error) {
	if !Valid(to) {
		return store.Order{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	now := s.Now()
	var from store.OrderStatus
	o, err := s.store.UpdateOrder(ctx, id, func(o *store.Order) error {
		from = o.Status
		if o.Status == to {
			return errSameStatus
		}
		if !CanTransition(o.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
		}
		o.Status = to
		o.History = append(o.History, store.StatusChange{From: from, To: to, Actor: actor, Reason: reason, At: now})
		o.UpdatedAt = now
		switch to {
		case store.StatusPaid:
			o.PaidAt = &now
		case store.StatusCancelled:
			o.CancelReason = reason
		}
		return nil
	})
	if errors.Is(err, errSameStatus) {
		cur, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return store.Order{}, err
		}
		o, err := s.settle(ctx, cur, actor, false)
		if err != nil {
			return o, fmt.Errorf("%w: %w", ErrSettle, err)
		}
		return o, nil
	}
	if err != nil {
		return store.Order{}, fmt.Errorf("transition order %s: %w", id, err)
	}

	s.logger.Info("order transition", "order_id", id, "from", from, "to", to, "actor", actor, "reason", reason)
	if settled, serr := s.settle(ctx, o, actor, true); serr != nil {
		err = fmt.Errorf("%w: %w", ErrSettle, serr)
	} else {
		o, err = settled, nil
	}
	if s.recorder != nil {
		s.recorder.OrderTransition(to)
	}
	if s.notifier != nil {
		s.notifier.Publish(ctx, notify.OrderEventType(to), notify.OrderPayload(o))
	}
	return o, err
}

// settle runs the side effects of the order's current status. Ledger and
// refund effects are idempotent; drop inventory is only released on the
// first transition into cancelled.
func (s *Service) settle(ctx context.Context, o store.Order, actor string, first bool) (store.Order, error) {
	switch o.Status {
	case store.StatusPaid:
		return s.settlePaid(ctx, o)
	case store.StatusCancelled:
		return s.settleCancelled(ctx, o, actor, first)
	}
	return o, nil
}

func (s *Service) settlePaid(ctx context.Context, o store.Order) (store.Order, error) {
	if o.UID == "" {
		return o, nil
	}
	earned, err := s.rewards.Accrue(ctx, o.UID, o.Email, o.ID, o.Totals.TaxableCents)
	if err != nil {
		s.logger.Error("accrue points failed", "order_id", o.ID, "uid", o.UID, "error", err)
		return o, err
	}
	if earned == o.PointsEarned {
		return o, nil
	}
	return s.store.UpdateOrder(ctx, o.ID, func(o *store.Order) error {
		o.PointsEarned = earned
		return nil
	})
}

func (s *Service) settleCancelled(ctx context.Context, o store.Order, actor string, first bool) (store.Order, error) {
	var errs []error
	if o.UID != "" && o.PointsRedeemed > 0 {
		if _, err := s.rewards.Release(ctx, o.UID, o.ID, o.CancelReason); err != nil {
			errs = append(errs, err)
		}
	}
	if o.RewardCode != "" {
		if err := s.rewards.ReleaseCode(ctx, o.RewardCode, o.ID); err != nil {
			errs = append(errs, fmt.Errorf("release code %s: %w", o.RewardCode, err))
		}
	}
	if first {
		if err := s.catalog.ReleaseDrops(ctx, o.Lines); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case o.PaidAt != nil && !o.Refunded && o.PaymentIntentID != "":
		if err := s.payments.Refund(ctx, o.PaymentIntentID); err != nil {
			errs = append(errs, err)
			break
		}
		updated, err := s.store.UpdateOrder(ctx, o.ID, func(o *store.Order) error {
			o.Refunded = true
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			break
		}
		o = updated
	case o.PaidAt == nil && first && o.PaymentIntentID != "" && actor != ActorPayments:
		// The customer could still pay an open intent.
		if err := s.payments.CancelIntent(ctx, o.PaymentIntentID); err != nil {
			s.logger.Warn("cancel payment intent failed", "order_id", o.ID, "intent_id", o.PaymentIntentID, "error", err)
		}
	}

	if o.PaidAt != nil && o.UID != "" {
		if _, err := s.rewards.Reverse(ctx, o.UID, o.ID); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("cancel side effects failed", "order_id", o.ID, "error", err)
		return o, err
	}
	return o, nil
}

// HandlePaymentEvent applies a verified provider event. Events for unknown
// intents and repeated events are ignored.
func (s *Service) HandlePaymentEvent(ctx context.Context, evt payments.Event) error {
	var (
		to     store.OrderStatus
		reason string
	)
	switch evt.Type {
	case payments.EventIntentSucceeded:
		to = store.StatusPaid
	case payments.EventIntentFailed:
		to, reason = store.StatusCancelled, ReasonPaymentFailed
	case payments.EventIntentCanceled:
		to, reason = store.StatusCancelled, ReasonPaymentCancel
	default:
		s.logger.Debug("payment event ignored", "event_id", evt.ID, "type", evt.Type)
		return nil
	}

	o, err := s.orderForIntent(ctx, evt.Intent)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("payment event for unknown order", "event_id", evt.ID, "intent_id", evt.Intent.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if to == store.StatusCancelled && o.Status != store.StatusPendingPayment && o.Status != store.StatusCancelled {
		s.logger.Info("payment event does not apply", "event_id", evt.ID, "order_id", o.ID, "status", o.Status, "type", evt.Type)
		return nil
	}

	_, err = s.Transition(ctx, o.ID, to, ActorPayments, reason)
	if !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if to == store.StatusPaid && o.Status == store.StatusCancelled {
		return s.refundLatePayment(ctx, o)
	}
	s.logger.Info("payment event does not apply", "event_id", evt.ID, "order_id", o.ID, "status", o.Status, "type", evt.Type)
	return nil
}

func (s *Service) orderForIntent(ctx context.Context, in payments.IntentObject) (store.Order, error) {
	if id := in.Metadata["order_id"]; id != "" {
		o, err := s.store.GetOrder(ctx, id)
		if err != nil {
			return store.Order{}, err
		}
		if o.PaymentIntentID != "" && o.PaymentIntentID != in.ID {
			return store.Order{}, fmt.Errorf("order %s has intent %s: %w", id, o.PaymentIntentID, store.ErrNotFound)
		}
		return o, nil
	}
	return s.store.FindOrderByPaymentIntent(ctx, in.ID)
}

// refundLatePayment returns money captured after the order was cancelled.
func (s *Service) refundLatePayment(ctx context.Context, o store.Order) error {
	if o.Refunded || o.PaymentIntentID == "" {
		return nil
	}
	s.logger.Warn("payment succeeded for cancelled order, refunding", "order_id", o.ID, "intent_id", o.PaymentIntentID)
	if err := s.payments.Refund(ctx, o.PaymentIntentID); err != nil {
		return err
	}
	_, err := s.store.UpdateOrder(ctx, o.ID, func(o *store.Order) error {
		o.Refunded = true
		o.UpdatedAt = s.Now()
		return nil
	})
	return err
}

// ExpirePending cancels orders that have waited for payment longer than
// the pending TTL and returns how many it cancelled.
func (s *Service) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListOrders(ctx, store.OrderFilter{
		Status:        store.StatusPendingPayment,
		CreatedBefore: now.Add(-s.cfg.PendingTTL),
		Limit:         1000,
	})
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, o := range stale {
		_, err := s.Transition(ctx, o.ID, store.StatusCancelled, ActorSystem, ReasonPaymentTimeout)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrSettle):
			n++
			errs = append(errs, err)
		case errors.Is(err, ErrInvalidTransition):
			// Paid or cancelled since the listing.
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
