// Package store defines the persistence interface for menu, orders, and the
// rewards ledger, with memory, Postgres, and Firestore drivers.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrSoldOut        = errors.New("drop sold out")
	ErrDropClosed     = errors.New("drop is not live")
	ErrTotalBelowSold = errors.New("drop total is below units sold")
	ErrDuplicateEntry = errors.New("ledger entry already exists")
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// LedgerTx is the view of one account inside ApplyLedger. Writes are
// buffered and committed together when the callback returns nil.
type LedgerTx interface {
	// Account returns the account being mutated. A new account has only UID set.
	Account() *Account
	// Entry looks up an existing entry by idempotency key, including entries
	// appended earlier in the same transaction.
	Entry(key string) (LedgerEntry, bool, error)
	// Append buffers a new entry. It fails with ErrDuplicateEntry if the key exists.
	Append(e LedgerEntry) error
	// Audit buffers an audit record.
	Audit(a AuditEntry)
	// CreateClaim buffers a new reward claim, committed with the entries.
	CreateClaim(c Claim)
}

// Store is implemented by each storage driver.
type Store interface {
	ListItems(ctx context.Context) ([]MenuItem, error)
	GetItem(ctx context.Context, id string) (MenuItem, error)
	PutItem(ctx context.Context, item MenuItem) error
	DeleteItem(ctx context.Context, id string) error

	ListDrops(ctx context.Context) ([]Drop, error)
	GetDrop(ctx context.Context, id string) (Drop, error)
	// PutDrop keeps the stored Sold counter and fails with ErrTotalBelowSold
	// when the new Total is lower than it.
	PutDrop(ctx context.Context, d Drop) error
	DeleteDrop(ctx context.Context, id string) error
	// AdjustDropSold adds delta to Sold atomically. A positive delta that
	// would exceed Total fails with ErrSoldOut; a negative one stops at 0.
	AdjustDropSold(ctx context.Context, id string, delta int) (Drop, error)

	ListOffers(ctx context.Context) ([]Offer, error)
	GetOffer(ctx context.Context, id string) (Offer, error)
	PutOffer(ctx context.Context, o Offer) error
	DeleteOffer(ctx context.Context, id string) error

	GetClaimByCode(ctx context.Context, code string) (Claim, error)
	ListClaims(ctx context.Context, uid string) ([]Claim, error)
	// UpdateClaim applies fn to the claim atomically; nothing is written if fn fails.
	UpdateClaim(ctx context.Context, code string, fn func(*Claim) error) (Claim, error)

	CreateOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	// UpdateOrder applies fn to the order atomically; nothing is written if fn fails.
	UpdateOrder(ctx context.Context, id string, fn func(*Order) error) (Order, error)
	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]Order, error)
	FindOrderByPaymentIntent(ctx context.Context, intentID string) (Order, error)

	// GetAccount returns ErrNotFound for a customer with no ledger activity.
	GetAccount(ctx context.Context, uid string) (Account, error)
	// ApplyLedger runs fn with exclusive access to the account and commits
	// its buffered writes atomically. Callers own the account timestamps.
	// It returns the committed account.
	ApplyLedger(ctx context.Context, uid string, fn func(tx LedgerTx) error) (Account, error)
	// ListEntries returns ledger entries, newest first.
	ListEntries(ctx context.Context, uid string, limit int) ([]LedgerEntry, error)
	// ListAudit returns audit records, newest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	Close() error
}

func limitOrDefault(n int) int {
	if n <= 0 || n > 1000 {
		return DefaultListLimit
	}
	return n
}

// ledgerBuffer holds the writes of one ApplyLedger call. Drivers embed it
// and supply the lookup of committed entries.
type ledgerBuffer struct {
	account *Account
	entries []LedgerEntry
	audits  []AuditEntry
	claims  []Claim
	lookup  func(key string) (LedgerEntry, bool, error)
}

func (b *ledgerBuffer) Account() *Account { return b.account }

func (b *ledgerBuffer) Entry(key string) (LedgerEntry, bool, error) {
	for _, e := range b.entries {
		if e.Key == key {
			return e, true, nil
		}
	}
	return b.lookup(key)
}

func (b *ledgerBuffer) Append(e LedgerEntry) error {
	_, exists, err := b.Entry(e.Key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateEntry
	}
	e.UID = b.account.UID
	b.entries = append(b.entries, e)
	return nil
}

func (b *ledgerBuffer) Audit(a AuditEntry) { b.audits = append(b.audits, a) }

func (b *ledgerBuffer) CreateClaim(c Claim) { b.claims = append(b.claims, c) }

// checkAccount guards the balance invariant at commit time in every driver.
func checkAccount(a *Account) error {
	if a.Balance < 0 || a.Lifetime < 0 || a.Redeemed < 0 {
		return errors.New("ledger commit would leave a negative balance")
	}
	return nil
}
