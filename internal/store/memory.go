package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	pkgstore "github.com/broskis-kitchen/broskis/pkg/store"
)

// MemoryStore holds all state in memory. It backs development, tests, and
// the ops state endpoint.
type MemoryStore struct {
	Items    *pkgstore.Collection[MenuItem]
	Drops    *pkgstore.Collection[Drop]
	Offers   *pkgstore.Collection[Offer]
	Claims   *pkgstore.Collection[Claim]
	Orders   *pkgstore.Collection[Order]
	Accounts *pkgstore.Collection[Account]
	Entries  *pkgstore.Collection[LedgerEntry]
	Audit    *pkgstore.Collection[AuditEntry]

	// ledgerMu serializes ApplyLedger so each callback sees a stable account.
	ledgerMu sync.Mutex
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		Items:    pkgstore.New[MenuItem](),
		Drops:    pkgstore.New[Drop](),
		Offers:   pkgstore.New[Offer](),
		Claims:   pkgstore.New[Claim](),
		Orders:   pkgstore.New[Order](),
		Accounts: pkgstore.New[Account](),
		Entries:  pkgstore.New[LedgerEntry](),
		Audit:    pkgstore.New[AuditEntry](),
	}
}

var _ Store = (*MemoryStore)(nil)

func entryKey(uid, key string) string { return uid + "|" + key }

func memErr(err error) error {
	switch {
	case errors.Is(err, pkgstore.ErrMissing):
		return ErrNotFound
	case errors.Is(err, pkgstore.ErrExists):
		return ErrConflict
	}
	return err
}

// ---------------------------------------------------------------------------
// Menu items
// ---------------------------------------------------------------------------

func (s *MemoryStore) ListItems(ctx context.Context) ([]MenuItem, error) {
	items := s.Items.List()
	for i := range items {
		items[i] = cloneItem(items[i])
	}
	return items, nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (MenuItem, error) {
	item, ok := s.Items.Get(id)
	if !ok {
		return MenuItem{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) PutItem(ctx context.Context, item MenuItem) error {
	s.Items.Set(item.ID, cloneItem(item))
	return nil
}

func (s *MemoryStore) DeleteItem(ctx context.Context, id string) error {
	if !s.Items.Delete(id) {
		return fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Drops
// ---------------------------------------------------------------------------

func (s *MemoryStore) ListDrops(ctx context.Context) ([]Drop, error) {
	drops := s.Drops.List()
	sort.SliceStable(drops, func(i, j int) bool { return drops[i].StartsAt.Before(drops[j].StartsAt) })
	for i := range drops {
		drops[i] = cloneDrop(drops[i])
	}
	return drops, nil
}

func (s *MemoryStore) GetDrop(ctx context.Context, id string) (Drop, error) {
	d, ok := s.Drops.Get(id)
	if !ok {
		return Drop{}, fmt.Errorf("drop %s: %w", id, ErrNotFound)
	}
	return cloneDrop(d), nil
}

// PutDrop keeps the stored sold counter on update.
func (s *MemoryStore) PutDrop(ctx context.Context, d Drop) error {
	_, err := s.Drops.Update(d.ID, func(cur *Drop) error {
		sold := cur.Sold
		if d.Total < sold {
			return fmt.Errorf("drop %s: total %d, sold %d: %w", d.ID, d.Total, sold, ErrTotalBelowSold)
		}
		*cur = cloneDrop(d)
		cur.Sold = sold
		return nil
	})
	if errors.Is(err, pkgstore.ErrMissing) {
		if err := s.Drops.Insert(d.ID, cloneDrop(d)); err != nil {
			return fmt.Errorf("drop %s: %w", d.ID, memErr(err))
		}
		return nil
	}
	return err
}

func (s *MemoryStore) DeleteDrop(ctx context.Context, id string) error {
	if !s.Drops.Delete(id) {
		return fmt.Errorf("drop %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MemoryStore) AdjustDropSold(ctx context.Context, id string, delta int) (Drop, error) {
	d, err := s.Drops.Update(id, func(d *Drop) error {
		next := d.Sold + delta
		if delta > 0 && next > d.Total {
			return ErrSoldOut
		}
		if next < 0 {
			next = 0
		}
		d.Sold = next
		return nil
	})
	if err != nil {
		return Drop{}, fmt.Errorf("drop %s: %w", id, memErr(err))
	}
	return cloneDrop(d), nil
}

// ---------------------------------------------------------------------------
// Offers and claims
// ---------------------------------------------------------------------------

func (s *MemoryStore) ListOffers(ctx context.Context) ([]Offer, error) {
	return s.Offers.List(), nil
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (Offer, error) {
	o, ok := s.Offers.Get(id)
	if !ok {
		return Offer{}, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *MemoryStore) PutOffer(ctx context.Context, o Offer) error {
	s.Offers.Set(o.ID, o)
	return nil
}

func (s *MemoryStore) DeleteOffer(ctx context.Context, id string) error {
	if !s.Offers.Delete(id) {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MemoryStore) GetClaimByCode(ctx context.Context, code string) (Claim, error) {
	c, ok := s.Claims.Get(code)
	if !ok {
		return Claim{}, fmt.Errorf("claim %s: %w", code, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) ListClaims(ctx context.Context, uid string) ([]Claim, error) {
	claims := s.Claims.Filter(func(_ string, c Claim) bool { return c.UID == uid })
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].CreatedAt.After(claims[j].CreatedAt) })
	return claims, nil
}

func (s *MemoryStore) UpdateClaim(ctx context.Context, code string, fn func(*Claim) error) (Claim, error) {
	c, err := s.Claims.Update(code, fn)
	if err != nil {
		return Claim{}, fmt.Errorf("claim %s: %w", code, memErr(err))
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateOrder(ctx context.Context, o Order) error {
	if err := s.Orders.Insert(o.ID, cloneOrder(o)); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, memErr(err))
	}
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (Order, error) {
	o, ok := s.Orders.Get(id)
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, id string, fn func(*Order) error) (Order, error) {
	o, err := s.Orders.Update(id, func(o *Order) error {
		work := cloneOrder(*o)
		if err := fn(&work); err != nil {
			return err
		}
		*o = work
		return nil
	})
	if err != nil {
		return Order{}, fmt.Errorf("order %s: %w", id, memErr(err))
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	orders := s.Orders.Filter(func(_ string, o Order) bool { return f.Matches(o) })
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	if n := limitOrDefault(f.Limit); len(orders) > n {
		orders = orders[:n]
	}
	for i := range orders {
		orders[i] = cloneOrder(orders[i])
	}
	return orders, nil
}

func (s *MemoryStore) FindOrderByPaymentIntent(ctx context.Context, intentID string) (Order, error) {
	if intentID == "" {
		return Order{}, ErrNotFound
	}
	o, ok := s.Orders.Find(func(_ string, o Order) bool { return o.PaymentIntentID == intentID })
	if !ok {
		return Order{}, fmt.Errorf("payment intent %s: %w", intentID, ErrNotFound)
	}
	return cloneOrder(o), nil
}

// ---------------------------------------------------------------------------
// Rewards ledger
// ---------------------------------------------------------------------------

func (s *MemoryStore) GetAccount(ctx context.Context, uid string) (Account, error) {
	a, ok := s.Accounts.Get(uid)
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", uid, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) ApplyLedger(ctx context.Context, uid string, fn func(tx LedgerTx) error) (Account, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	acct, existed := s.Accounts.Get(uid)
	if !existed {
		acct = Account{UID: uid}
	}
	buf := &ledgerBuffer{
		account: &acct,
		lookup: func(key string) (LedgerEntry, bool, error) {
			e, ok := s.Entries.Get(entryKey(uid, key))
			return e, ok, nil
		},
	}
	if err := fn(buf); err != nil {
		return Account{}, err
	}
	if len(buf.entries) == 0 && len(buf.audits) == 0 && len(buf.claims) == 0 {
		return acct, nil
	}
	if err := checkAccount(&acct); err != nil {
		return Account{}, err
	}
	for _, c := range buf.claims {
		if _, taken := s.Claims.Get(c.Code); taken {
			return Account{}, fmt.Errorf("claim %s: %w", c.Code, ErrConflict)
		}
	}

	s.Accounts.Set(uid, acct)
	for _, e := range buf.entries {
		s.Entries.Set(entryKey(uid, e.Key), e)
	}
	for _, a := range buf.audits {
		s.Audit.Set(a.ID, a)
	}
	for _, c := range buf.claims {
		s.Claims.Set(c.Code, c)
	}
	return acct, nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, uid string, limit int) ([]LedgerEntry, error) {
	entries := s.Entries.Filter(func(_ string, e LedgerEntry) bool { return e.UID == uid })
	// Insertion order breaks ties between entries of the same instant.
	slices.Reverse(entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if n := limitOrDefault(limit); len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	audits := s.Audit.Filter(func(_ string, a AuditEntry) bool {
		return f.TargetUID == "" || a.TargetUID == f.TargetUID
	})
	slices.Reverse(audits)
	sort.SliceStable(audits, func(i, j int) bool { return audits[i].CreatedAt.After(audits[j].CreatedAt) })
	if n := limitOrDefault(f.Limit); len(audits) > n {
		audits = audits[:n]
	}
	return audits, nil
}

func (s *MemoryStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Snapshot / restore
// ---------------------------------------------------------------------------

type memorySnapshot struct {
	Items    map[string]MenuItem    `json:"items"`
	Drops    map[string]Drop        `json:"drops"`
	Offers   map[string]Offer       `json:"offers"`
	Claims   map[string]Claim       `json:"claims"`
	Orders   map[string]Order       `json:"orders"`
	Accounts map[string]Account     `json:"accounts"`
	Entries  map[string]LedgerEntry `json:"entries"`
	Audit    map[string]AuditEntry  `json:"audit"`
}

// Snapshot returns a JSON-serializable copy of the whole store.
func (s *MemoryStore) Snapshot() any {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	return memorySnapshot{
		Items:    s.Items.Snapshot(),
		Drops:    s.Drops.Snapshot(),
		Offers:   s.Offers.Snapshot(),
		Claims:   s.Claims.Snapshot(),
		Orders:   s.Orders.Snapshot(),
		Accounts: s.Accounts.Snapshot(),
		Entries:  s.Entries.Snapshot(),
		Audit:    s.Audit.Snapshot(),
	}
}

// LoadState replaces the store contents with a snapshot produced by Snapshot.
func (s *MemoryStore) LoadState(data []byte) error {
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	s.Items.LoadSnapshot(snap.Items)
	s.Drops.LoadSnapshot(snap.Drops)
	s.Offers.LoadSnapshot(snap.Offers)
	s.Claims.LoadSnapshot(snap.Claims)
	s.Orders.LoadSnapshot(snap.Orders)
	s.Accounts.LoadSnapshot(snap.Accounts)
	s.Entries.LoadSnapshot(snap.Entries)
	s.Audit.LoadSnapshot(snap.Audit)
	return nil
}

// Reset clears every collection.
func (s *MemoryStore) Reset() {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	s.Items.Reset()
	s.Drops.Reset()
	s.Offers.Reset()
	s.Claims.Reset()
	s.Orders.Reset()
	s.Accounts.Reset()
	s.Entries.Reset()
	s.Audit.Reset()
}

// Collections store values, but slices inside them share backing arrays.
// These copies keep callers from mutating stored state through them.

func cloneItem(i MenuItem) MenuItem {
	i.Tags = slices.Clone(i.Tags)
	return i
}

func cloneDrop(d Drop) Drop {
	d.ItemIDs = slices.Clone(d.ItemIDs)
	return d
}

func cloneOrder(o Order) Order {
	o.Lines = slices.Clone(o.Lines)
	o.History = slices.Clone(o.History)
	return o
}
