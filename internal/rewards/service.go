package rewards

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/broskis-kitchen/broskis/internal/store"
)

// Recorder receives committed points movements, e.g. for metrics.
type Recorder interface {
	RecordPoints(kind store.LedgerKind, points int64)
}

// Status is a customer's rewards summary.
type Status struct {
	store.Account
	Tier         Tier  `json:"tier"`
	NextTier     *Tier `json:"next_tier,omitempty"`
	PointsToNext int64 `json:"points_to_next"`
	ValueCents   int64 `json:"value_cents"`
}

// AdjustResult describes an administrative adjustment.
type AdjustResult struct {
	Account   store.Account `json:"account"`
	Requested int64         `json:"requested"`
	Applied   int64         `json:"applied"`
}

// Service runs every points mutation through store.ApplyLedger.
type Service struct {
	store    store.Store
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewService creates a rewards service.
func NewService(s store.Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		cfg:    cfg,
		logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRecorder attaches a metrics recorder.
func (s *Service) SetRecorder(r Recorder) { s.recorder = r }

// Config returns the program rules in use.
func (s *Service) Config() Config { return s.cfg }

func redeemKey(orderID string) string  { return "redeem:" + orderID }
func releaseKey(orderID string) string { return "release:" + orderID }
func earnKey(orderID string) string    { return "earn:" + orderID }
func reverseKey(orderID string) string { return "reverse_earn:" + orderID }

// touch fills the account fields the ledger owns before a write.
func (s *Service) touch(a *store.Account, email string, now time.Time) {
	if a.Email == "" && email != "" {
		a.Email = email
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

func (s *Service) moved(uid string, e store.LedgerEntry) {
	s.logger.Info("points movement",
		"uid", uid, "kind", e.Kind, "points", e.Points, "balance_after", e.BalanceAfter, "order_id", e.OrderID)
	if s.recorder != nil {
		s.recorder.RecordPoints(e.Kind, e.Points)
	}
}

// Account returns the stored account, or an empty one for a new customer.
func (s *Service) Account(ctx context.Context, uid string) (store.Account, error) {
	a, err := s.store.GetAccount(ctx, uid)
	if errors.Is(err, store.ErrNotFound) {
		return store.Account{UID: uid}, nil
	}
	return a, err
}

// Status returns the account with its tier and progress.
func (s *Service) Status(ctx context.Context, uid string) (Status, error) {
	a, err := s.Account(ctx, uid)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Account:    a,
		Tier:       s.cfg.TierFor(a.Lifetime),
		ValueCents: s.cfg.ValueCents(a.Balance),
	}
	if next, needed, ok := s.cfg.NextTier(a.Lifetime); ok {
		st.NextTier = &next
		st.PointsToNext = needed
	}
	return st, nil
}

// History returns ledger entries, newest first.
func (s *Service) History(ctx context.Context, uid string, limit int) ([]store.LedgerEntry, error) {
	return s.store.ListEntries(ctx, uid, limit)
}

// Audit returns adjustment records, newest first.
func (s *Service) Audit(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return s.store.ListAudit(ctx, f)
}

// ---------------------------------------------------------------------------
// Order redemption and accrual
// ---------------------------------------------------------------------------

// Reserve debits points redeemed on an order. An order can reserve once.
func (s *Service) Reserve(ctx context.Context, uid, email, orderID string, points int64) (store.Account, error) {
	if points <= 0 {
		return store.Account{}, ErrInvalidAdjustment
	}
	now := s.Now()
	var entry store.LedgerEntry
	acct, err := s.store.ApplyLedger(ctx, uid, func(tx store.LedgerTx) error {
		if _, ok, err := tx.Entry(redeemKey(orderID)); err != nil {
			return err
		} else if ok {
			return store.ErrDuplicateEntry
		}
		a := tx.Account()
		if a.Balance < points {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, a.Balance, points)
		}
		a.Balance -= points
		a.Redeemed += points
		s.touch(a, email, now)
		entry = store.LedgerEntry{
			ID: uuid.NewString(), Key: redeemKey(orderID), Kind: store.KindRedeem,
			Points: -points, BalanceAfter: a.Balance, OrderID: orderID, CreatedAt: now,
		}
		return tx.Append(entry)
	})
	if err != nil {
		return store.Account{}, fmt.Errorf("reserve points for %s: %w", orderID, err)
	}
	s.moved(uid, entry)
	return acct, nil
}

// Release credits back the points an order reserved. It returns the points
// released, 0 if there was nothing to release.
func (s *Service) Release(ctx context.Context, uid, orderID, reason string) (int64, error) {
	now := s.Now()
	var entry store.LedgerEntry
	_, err := s.store.ApplyLedger(ctx, uid, func(tx store.LedgerTx) error {
		redeem, ok, err := tx.Entry(redeemKey(orderID))
		if err != nil || !ok {
			return err
		}
		if _, done, err := tx.Entry(releaseKey(orderID)); err != nil || done {
			return err
		}
		points := -redeem.Points
		a := tx.Account()
		a.Balance += points
		a.Redeemed = max(a.Redeemed-points, 0)
		s.touch(a, "", now)
		entry = store.LedgerEntry{
			ID: uuid.NewString(), Key: releaseKey(orderID), Kind: store.KindRelease,
			Points: points, BalanceAfter: a.Balance, OrderID: orderID, Reason: reason, CreatedAt: now,
		}
		return tx.Append(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("release points for %s: %w", orderID, err)
	}
	if entry.Key == "" {
		return 0, nil
	}
	s.moved(uid, entry)
	return entry.Points, nil
}

// Accrue credits the points earned on a paid order, at the tier the customer
// holds now. A second call for the same order returns the first result.
func (s *Service) Accrue(ctx context.Context, uid, email, orderID string, spendCents int64) (int64, error) {
	now := s.Now()
	var (
		entry   store.LedgerEntry
		already int64
	)
	_, err := s.store.ApplyLedger(ctx, uid, func(tx store.LedgerTx) error {
		if prev, ok, err := tx.Entry(earnKey(orderID)); err != nil {
			return err
		} else if ok {
			already = prev.Points
			return nil
		}
		a := tx.Account()
		points := s.cfg.EarnPoints(spendCents, s.cfg.TierFor(a.Lifetime))
		points = ClampAdjustment(a.Balance, points, s.cfg.MaxBalance)
		if points <= 0 {
			return nil
		}
		a.Balance += points
		a.Lifetime += points
		s.touch(a, email, now)
		entry = store.LedgerEntry{
			ID: uuid.NewString(), Key: earnKey(orderID), Kind: store.KindEarn,
			Points: points, BalanceAfter: a.Balance, OrderID: orderID, CreatedAt: now,
		}
		return tx.Append(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("accrue points for %s: %w", orderID, err)
	}
	if entry.Key == "" {
		return already, nil
	}
	s.moved(uid, entry)
	return entry.Points, nil
}

// Reverse takes back the points an order earned, as far as the balance
// allows. Lifetime points are kept.
func (s *Service) Reverse(ctx context.Context, uid, orderID string) (int64, error) {
	now := s.Now()
	var entry store.LedgerEntry
	_, err := s.store.ApplyLedger(ctx, uid, func(tx store.LedgerTx) error {
		earned, ok, err := tx.Entry(earnKey(orderID))
		if err != nil || !ok {
			return err
		}
		if _, done, err := tx.Entry(reverseKey(orderID)); err != nil || done {
			return err
		}
		a := tx.Account()
		debit := min(earned.Points, a.Balance)
		a.Balance -= debit
		s.touch(a, "", now)
		entry = store.LedgerEntry{
			ID: uuid.NewString(), Key: reverseKey(orderID), Kind: store.KindReverseEarn,
			Points: -debit, BalanceAfter: a.Balance, OrderID: orderID, Reason: "refund", CreatedAt: now,
		}
		return tx.Append(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("reverse points for %s: %w", orderID, err)
	}
	if entry.Key == "" {
		return 0, nil
	}
	s.moved(uid, entry)
	return -entry.Points, nil
}

// ---------------------------------------------------------------------------
// Administrative adjustment
// ---------------------------------------------------------------------------

// Adjust changes a balance by delta, clamped to [0, max_balance], and always
// writes an audit record.
func (s *Service) Adjust(ctx context.Context, actorUID, targetUID string, delta int64, reason string) (AdjustResult, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case targetUID == "":
		return AdjustResult{}, fmt.Errorf("%w: target uid is required", ErrInvalidAdjustment)
	case reason == "":
		return AdjustResult{}, fmt.Errorf("%w: reason is required", ErrInvalidAdjustment)
	case delta == 0:
		return AdjustResult{}, fmt.Errorf("%w: delta must be non-zero", ErrInvalidAdjustment)
	case delta > s.cfg.MaxBalance || -delta > s.cfg.MaxBalance:
		return AdjustResult{}, fmt.Errorf("%w: |delta| exceeds %d", ErrInvalidAdjustment, s.cfg.MaxBalance)
	}

	now := s.Now()
	var (
		entry   store.LedgerEntry
		applied int64
	)
	acct, err := s.store.ApplyLedger(ctx, targetUID, func(tx store.LedgerTx) error {
		a := tx.Account()
		before := a.Balance
		applied = ClampAdjustment(before, delta, s.cfg.MaxBalance)
		a.Balance += applied
		if applied > 0 {
			a.Lifetime += applied
		}
		s.touch(a, "", now)
		if applied != 0 {
			entry = store.LedgerEntry{
				ID: uuid.NewString(), Key: "adjust:" + uuid.NewString(), Kind: store.KindAdjust,
				Points: applied, BalanceAfter: a.Balance, Reason: reason, ActorUID: actorUID, CreatedAt: now,
			}
			if err := tx.Append(entry); err != nil {
				return err
			}
		}
		tx.Audit(store.AuditEntry{
			ID: uuid.NewString(), ActorUID: actorUID, TargetUID: targetUID, Action: "points_adjust",
			Requested: delta, Applied: applied, BalanceBefore: before, BalanceAfter: a.Balance,
			Reason: reason, CreatedAt: now,
		})
		return nil
	})
	if err != nil {
		return AdjustResult{}, fmt.Errorf("adjust points for %s: %w", targetUID, err)
	}
	s.logger.Info("points adjusted",
		"actor_uid", actorUID, "target_uid", targetUID, "requested", delta, "applied", applied, "balance_after", acct.Balance)
	if entry.Key != "" {
		s.moved(targetUID, entry)
	}
	return AdjustResult{Account: acct, Requested: delta, Applied: applied}, nil
}

// ---------------------------------------------------------------------------
// Offers and claim codes
// ---------------------------------------------------------------------------

// AvailableOffers lists offers open now whose tier the customer has reached.
func (s *Service) AvailableOffers(ctx context.Context, uid string) ([]store.Offer, error) {
	a, err := s.Account(ctx, uid)
	if err != nil {
		return nil, err
	}
	offers, err := s.store.ListOffers(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := make([]store.Offer, 0, len(offers))
	for _, o := range offers {
		if o.OpenAt(now) && s.cfg.Reached(o.MinTier, a.Lifetime) {
			out = append(out, o)
		}
	}
	return out, nil
}

// ClaimOffer spends points on an offer and returns the new claim code.
func (s *Service) ClaimOffer(ctx context.Context, uid, email, offerID string) (store.Claim, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return store.Claim{}, err
	}
	now := s.Now()
	if !offer.OpenAt(now) {
		return store.Claim{}, ErrOfferUnavailable
	}
	code, err := newCode()
	if err != nil {
		return store.Claim{}, err
	}
	claim := store.Claim{
		ID: uuid.NewString(), Code: code, UID: uid, OfferID: offer.ID, Title: offer.Title,
		PointsCost: offer.PointsCost, DiscountCents: offer.DiscountCents, CreatedAt: now,
	}

	var entry store.LedgerEntry
	_, err = s.store.ApplyLedger(ctx, uid, func(tx store.LedgerTx) error {
		a := tx.Account()
		if !s.cfg.Reached(offer.MinTier, a.Lifetime) {
			return fmt.Errorf("%w: requires %s", ErrTierTooLow, offer.MinTier)
		}
		if a.Balance < offer.PointsCost {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientPoints, a.Balance, offer.PointsCost)
		}
		a.Balance -= offer.PointsCost
		a.Redeemed += offer.PointsCost
		s.touch(a, email, now)
		entry = store.LedgerEntry{
			ID: uuid.NewString(), Key: "offer_claim:" + claim.ID, Kind: store.KindOfferClaim,
			Points: -offer.PointsCost, BalanceAfter: a.Balance, Code: code, Reason: offer.Title, CreatedAt: now,
		}
		if err := tx.Append(entry); err != nil {
			return err
		}
		tx.CreateClaim(claim)
		return nil
	})
	if err != nil {
		return store.Claim{}, fmt.Errorf("claim offer %s: %w", offerID, err)
	}
	s.moved(uid, entry)
	return claim, nil
}

// Claims lists a customer's claim codes, newest first.
func (s *Service) Claims(ctx context.Context, uid string) ([]store.Claim, error) {
	return s.store.ListClaims(ctx, uid)
}

// LookupCode returns an unused claim owned by uid without marking it.
func (s *Service) LookupCode(ctx context.Context, uid, code string) (store.Claim, error) {
	c, err := s.store.GetClaimByCode(ctx, normalizeCode(code))
	if err != nil {
		return store.Claim{}, err
	}
	if c.UID != uid {
		return store.Claim{}, fmt.Errorf("claim %s: %w", code, store.ErrNotFound)
	}
	if c.Used {
		return store.Claim{}, ErrCodeUsed
	}
	return c, nil
}

// RedeemCode marks a claim used by orderID. Redeeming again for the same
// order is a no-op.
func (s *Service) RedeemCode(ctx context.Context, uid, code, orderID string) (store.Claim, error) {
	now := s.Now()
	return s.store.UpdateClaim(ctx, normalizeCode(code), func(c *store.Claim) error {
		if c.UID != uid {
			return fmt.Errorf("claim %s: %w", code, store.ErrNotFound)
		}
		if c.Used {
			if c.OrderID == orderID {
				return nil
			}
			return ErrCodeUsed
		}
		c.Used = true
		c.OrderID = orderID
		c.UsedAt = &now
		return nil
	})
}

var errUnchanged = errors.New("unchanged")

// ReleaseCode makes a claim usable again if orderID used it.
func (s *Service) ReleaseCode(ctx context.Context, code, orderID string) error {
	_, err := s.store.UpdateClaim(ctx, normalizeCode(code), func(c *store.Claim) error {
		if !c.Used || c.OrderID != orderID {
			return errUnchanged
		}
		c.Used = false
		c.OrderID = ""
		c.UsedAt = nil
		return nil
	})
	if errors.Is(err, errUnchanged) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Codes skip 0/O and 1/I.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func newCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return "BRO-" + string(b), nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
