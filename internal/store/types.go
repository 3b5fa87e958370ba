package store

import (
	"slices"
	"time"
)

// MenuItem is a dish on the menu.
type MenuItem struct {
	ID          string    `json:"id" yaml:"id" firestore:"id"`
	Name        string    `json:"name" yaml:"name" firestore:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty" firestore:"description"`
	Category    string    `json:"category" yaml:"category" firestore:"category"`
	PriceCents  int64     `json:"price_cents" yaml:"price_cents" firestore:"price_cents"`
	ImageURL    string    `json:"image_url,omitempty" yaml:"image_url,omitempty" firestore:"image_url"`
	Available   bool      `json:"available" yaml:"available" firestore:"available"`
	DropOnly    bool      `json:"drop_only" yaml:"drop_only" firestore:"drop_only"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty" firestore:"tags"`
	SortOrder   int       `json:"sort_order" yaml:"sort_order" firestore:"sort_order"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at" firestore:"updated_at"`
}

// Drop is a limited-quantity, time-boxed release of menu items.
type Drop struct {
	ID          string    `json:"id" yaml:"id" firestore:"id"`
	Title       string    `json:"title" yaml:"title" firestore:"title"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty" firestore:"description"`
	ItemIDs     []string  `json:"item_ids" yaml:"item_ids" firestore:"item_ids"`
	Total       int       `json:"total" yaml:"total" firestore:"total"`
	Sold        int       `json:"sold" yaml:"sold" firestore:"sold"`
	StartsAt    time.Time `json:"starts_at" yaml:"starts_at" firestore:"starts_at"`
	EndsAt      time.Time `json:"ends_at" yaml:"ends_at" firestore:"ends_at"`
	Active      bool      `json:"active" yaml:"active" firestore:"active"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at" firestore:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at" firestore:"updated_at"`
}

// Remaining returns the units still available.
func (d Drop) Remaining() int {
	if d.Sold >= d.Total {
		return 0
	}
	return d.Total - d.Sold
}

// Live reports whether the drop can be ordered from at now.
func (d Drop) Live(now time.Time) bool {
	return d.Active && !now.Before(d.StartsAt) && now.Before(d.EndsAt) && d.Remaining() > 0
}

// Includes reports whether itemID is part of the drop.
func (d Drop) Includes(itemID string) bool {
	return slices.Contains(d.ItemIDs, itemID)
}

// Offer is a reward that can be bought with points.
type Offer struct {
	ID            string     `json:"id" yaml:"id" firestore:"id"`
	Title         string     `json:"title" yaml:"title" firestore:"title"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty" firestore:"description"`
	PointsCost    int64      `json:"points_cost" yaml:"points_cost" firestore:"points_cost"`
	DiscountCents int64      `json:"discount_cents" yaml:"discount_cents" firestore:"discount_cents"`
	MinTier       string     `json:"min_tier,omitempty" yaml:"min_tier,omitempty" firestore:"min_tier"`
	Active        bool       `json:"active" yaml:"active" firestore:"active"`
	StartsAt      time.Time  `json:"starts_at" yaml:"starts_at" firestore:"starts_at"`
	EndsAt        *time.Time `json:"ends_at,omitempty" yaml:"ends_at,omitempty" firestore:"ends_at"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at" firestore:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at" firestore:"updated_at"`
}

// OpenAt reports whether the offer is active and inside its window at now.
func (o Offer) OpenAt(now time.Time) bool {
	if !o.Active || now.Before(o.StartsAt) {
		return false
	}
	return o.EndsAt == nil || now.Before(*o.EndsAt)
}

// Claim is an offer a customer has bought; its code discounts one order.
type Claim struct {
	ID            string     `json:"id" yaml:"id" firestore:"id"`
	Code          string     `json:"code" yaml:"code" firestore:"code"`
	UID           string     `json:"uid" yaml:"uid" firestore:"uid"`
	OfferID       string     `json:"offer_id" yaml:"offer_id" firestore:"offer_id"`
	Title         string     `json:"title" yaml:"title" firestore:"title"`
	PointsCost    int64      `json:"points_cost" yaml:"points_cost" firestore:"points_cost"`
	DiscountCents int64      `json:"discount_cents" yaml:"discount_cents" firestore:"discount_cents"`
	Used          bool       `json:"used" yaml:"used" firestore:"used"`
	OrderID       string     `json:"order_id,omitempty" yaml:"order_id,omitempty" firestore:"order_id"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at" firestore:"created_at"`
	UsedAt        *time.Time `json:"used_at,omitempty" yaml:"used_at,omitempty" firestore:"used_at"`
}

// OrderStatus is a step of the order lifecycle.
type OrderStatus string

const (
	StatusPendingPayment OrderStatus = "pending_payment"
	StatusPaid           OrderStatus = "paid"
	StatusPreparing      OrderStatus = "preparing"
	StatusReady          OrderStatus = "ready"
	StatusCompleted      OrderStatus = "completed"
	StatusCancelled      OrderStatus = "cancelled"
)

// OrderLine is one priced cart line.
type OrderLine struct {
	ItemID         string `json:"item_id" yaml:"item_id" firestore:"item_id"`
	DropID         string `json:"drop_id,omitempty" yaml:"drop_id,omitempty" firestore:"drop_id"`
	Name           string `json:"name" yaml:"name" firestore:"name"`
	Quantity       int    `json:"quantity" yaml:"quantity" firestore:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents" yaml:"unit_price_cents" firestore:"unit_price_cents"`
	LineTotalCents int64  `json:"line_total_cents" yaml:"line_total_cents" firestore:"line_total_cents"`
	Notes          string `json:"notes,omitempty" yaml:"notes,omitempty" firestore:"notes"`
}

// Totals are the server-computed money and points figures of an order.
type Totals struct {
	SubtotalCents       int64 `json:"subtotal_cents" yaml:"subtotal_cents" firestore:"subtotal_cents"`
	CodeDiscountCents   int64 `json:"code_discount_cents" yaml:"code_discount_cents" firestore:"code_discount_cents"`
	PointsApplied       int64 `json:"points_applied" yaml:"points_applied" firestore:"points_applied"`
	PointsDiscountCents int64 `json:"points_discount_cents" yaml:"points_discount_cents" firestore:"points_discount_cents"`
	DiscountCents       int64 `json:"discount_cents" yaml:"discount_cents" firestore:"discount_cents"`
	TaxableCents        int64 `json:"taxable_cents" yaml:"taxable_cents" firestore:"taxable_cents"`
	TaxCents            int64 `json:"tax_cents" yaml:"tax_cents" firestore:"tax_cents"`
	TipCents            int64 `json:"tip_cents" yaml:"tip_cents" firestore:"tip_cents"`
	TotalCents          int64 `json:"total_cents" yaml:"total_cents" firestore:"total_cents"`
	PointsToEarn        int64 `json:"points_to_earn" yaml:"points_to_earn" firestore:"points_to_earn"`
}

// StatusChange records one transition in an order's history.
type StatusChange struct {
	From   OrderStatus `json:"from" yaml:"from" firestore:"from"`
	To     OrderStatus `json:"to" yaml:"to" firestore:"to"`
	Actor  string      `json:"actor" yaml:"actor" firestore:"actor"`
	Reason string      `json:"reason,omitempty" yaml:"reason,omitempty" firestore:"reason"`
	At     time.Time   `json:"at" yaml:"at" firestore:"at"`
}

// Order is a placed order.
type Order struct {
	ID              string         `json:"id" yaml:"id" firestore:"id"`
	UID             string         `json:"uid,omitempty" yaml:"uid,omitempty" firestore:"uid"`
	Email           string         `json:"email,omitempty" yaml:"email,omitempty" firestore:"email"`
	PickupName      string         `json:"pickup_name" yaml:"pickup_name" firestore:"pickup_name"`
	Phone           string         `json:"phone,omitempty" yaml:"phone,omitempty" firestore:"phone"`
	Lines           []OrderLine    `json:"lines" yaml:"lines" firestore:"lines"`
	Totals          Totals         `json:"totals" yaml:"totals" firestore:"totals"`
	PaymentMethod   string         `json:"payment_method" yaml:"payment_method" firestore:"payment_method"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty" yaml:"payment_intent_id,omitempty" firestore:"payment_intent_id"`
	Status          OrderStatus    `json:"status" yaml:"status" firestore:"status"`
	History         []StatusChange `json:"history" yaml:"history" firestore:"history"`
	RewardCode      string         `json:"reward_code,omitempty" yaml:"reward_code,omitempty" firestore:"reward_code"`
	PointsRedeemed  int64          `json:"points_redeemed" yaml:"points_redeemed" firestore:"points_redeemed"`
	PointsEarned    int64          `json:"points_earned" yaml:"points_earned" firestore:"points_earned"`
	Refunded        bool           `json:"refunded" yaml:"refunded" firestore:"refunded"`
	CancelReason    string         `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty" firestore:"cancel_reason"`
	CreatedAt       time.Time      `json:"created_at" yaml:"created_at" firestore:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" yaml:"updated_at" firestore:"updated_at"`
	PaidAt          *time.Time     `json:"paid_at,omitempty" yaml:"paid_at,omitempty" firestore:"paid_at"`
}

// Account is a customer's points balance.
type Account struct {
	UID       string    `json:"uid" yaml:"uid" firestore:"uid"`
	Email     string    `json:"email,omitempty" yaml:"email,omitempty" firestore:"email"`
	Balance   int64     `json:"balance" yaml:"balance" firestore:"balance"`
	Lifetime  int64     `json:"lifetime" yaml:"lifetime" firestore:"lifetime"`
	Redeemed  int64     `json:"redeemed" yaml:"redeemed" firestore:"redeemed"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at" firestore:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at" firestore:"updated_at"`
}

// LedgerKind classifies a points movement.
type LedgerKind string

const (
	KindEarn        LedgerKind = "earn"
	KindRedeem      LedgerKind = "redeem"
	KindRelease     LedgerKind = "release"
	KindReverseEarn LedgerKind = "reverse_earn"
	KindAdjust      LedgerKind = "adjust"
	KindOfferClaim  LedgerKind = "offer_claim"
)

// LedgerEntry is one immutable points movement. Key is unique per account
// and makes each movement happen at most once.
type LedgerEntry struct {
	ID           string     `json:"id" yaml:"id" firestore:"id"`
	UID          string     `json:"uid" yaml:"uid" firestore:"uid"`
	Key          string     `json:"key" yaml:"key" firestore:"key"`
	Kind         LedgerKind `json:"kind" yaml:"kind" firestore:"kind"`
	Points       int64      `json:"points" yaml:"points" firestore:"points"`
	BalanceAfter int64      `json:"balance_after" yaml:"balance_after" firestore:"balance_after"`
	OrderID      string     `json:"order_id,omitempty" yaml:"order_id,omitempty" firestore:"order_id"`
	Reason       string     `json:"reason,omitempty" yaml:"reason,omitempty" firestore:"reason"`
	ActorUID     string     `json:"actor_uid,omitempty" yaml:"actor_uid,omitempty" firestore:"actor_uid"`
	Code         string     `json:"code,omitempty" yaml:"code,omitempty" firestore:"code"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at" firestore:"created_at"`
}

// AuditEntry records an administrative points adjustment.
type AuditEntry struct {
	ID            string    `json:"id" yaml:"id" firestore:"id"`
	ActorUID      string    `json:"actor_uid" yaml:"actor_uid" firestore:"actor_uid"`
	TargetUID     string    `json:"target_uid" yaml:"target_uid" firestore:"target_uid"`
	Action        string    `json:"action" yaml:"action" firestore:"action"`
	Requested     int64     `json:"requested" yaml:"requested" firestore:"requested"`
	Applied       int64     `json:"applied" yaml:"applied" firestore:"applied"`
	BalanceBefore int64     `json:"balance_before" yaml:"balance_before" firestore:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" yaml:"balance_after" firestore:"balance_after"`
	Reason        string    `json:"reason" yaml:"reason" firestore:"reason"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at" firestore:"created_at"`
}

// OrderFilter narrows ListOrders. Zero fields match everything.
type OrderFilter struct {
	Status        OrderStatus
	UID           string
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether o passes the filter (ignoring Limit).
func (f OrderFilter) Matches(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.UID != "" && o.UID != f.UID {
		return false
	}
	if !f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	TargetUID string
	Limit     int
}
