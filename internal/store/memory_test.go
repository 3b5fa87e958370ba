package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func TestMemoryItemsCRUD(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.PutItem(ctx, MenuItem{ID: "fries", Name: "Fries", PriceCents: 500, Tags: []string{"side"}}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetItem(ctx, "fries")
	if err != nil {
		t.Fatal(err)
	}
	got.Tags[0] = "mutated"
	again, _ := s.GetItem(ctx, "fries")
	if again.Tags[0] != "side" {
		t.Errorf("stored tags changed through a returned copy: %v", again.Tags)
	}

	if _, err := s.GetItem(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItem missing err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteItem(ctx, "fries"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteItem(ctx, "fries"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryAdjustDropSold(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.PutDrop(ctx, Drop{ID: "d1", Total: 3})

	d, err := s.AdjustDropSold(ctx, "d1", 2)
	if err != nil || d.Sold != 2 {
		t.Fatalf("reserve 2: sold=%d err=%v", d.Sold, err)
	}
	if _, err := s.AdjustDropSold(ctx, "d1", 2); !errors.Is(err, ErrSoldOut) {
		t.Fatalf("over-reserve err = %v, want ErrSoldOut", err)
	}
	d, _ = s.GetDrop(ctx, "d1")
	if d.Sold != 2 {
		t.Errorf("failed reservation changed sold to %d", d.Sold)
	}
	d, _ = s.AdjustDropSold(ctx, "d1", -5)
	if d.Sold != 0 {
		t.Errorf("release below zero: sold = %d, want 0", d.Sold)
	}
	if _, err := s.AdjustDropSold(ctx, "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing drop err = %v", err)
	}
}

func TestMemoryPutDropKeepsSold(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.PutDrop(ctx, Drop{ID: "d1", Total: 10})
	s.AdjustDropSold(ctx, "d1", 4)

	s.PutDrop(ctx, Drop{ID: "d1", Title: "Renamed", Total: 12})
	d, _ := s.GetDrop(ctx, "d1")
	if d.Sold != 4 || d.Title != "Renamed" || d.Total != 12 {
		t.Errorf("drop after update = %+v", d)
	}
}

func TestMemoryPutDropRejectsTotalBelowSold(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.PutDrop(ctx, Drop{ID: "d1", Title: "Friday", Total: 5})
	s.AdjustDropSold(ctx, "d1", 4)

	if err := s.PutDrop(ctx, Drop{ID: "d1", Title: "Shrunk", Total: 3}); !errors.Is(err, ErrTotalBelowSold) {
		t.Fatalf("err = %v, want ErrTotalBelowSold", err)
	}
	d, _ := s.GetDrop(ctx, "d1")
	if d.Total != 5 || d.Sold != 4 || d.Title != "Friday" {
		t.Errorf("drop after rejected update = %+v", d)
	}
}

func TestMemoryListsReturnCopies(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.PutItem(ctx, MenuItem{ID: "fries", Name: "Fries", Tags: []string{"side"}})
	s.PutDrop(ctx, Drop{ID: "d1", Total: 1, ItemIDs: []string{"fries"}})

	items, _ := s.ListItems(ctx)
	items[0].Tags[0] = "mutated"
	drops, _ := s.ListDrops(ctx)
	drops[0].ItemIDs[0] = "mutated"

	if it, _ := s.GetItem(ctx, "fries"); it.Tags[0] != "side" {
		t.Errorf("stored tags = %v", it.Tags)
	}
	if d, _ := s.GetDrop(ctx, "d1"); d.ItemIDs[0] != "fries" {
		t.Errorf("stored item ids = %v", d.ItemIDs)
	}
}

func TestMemoryConcurrentDropReservations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.PutDrop(ctx, Drop{ID: "d1", Total: 10})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AdjustDropSold(ctx, "d1", 1); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if success != 10 {
		t.Errorf("successful reservations = %d, want 10", success)
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func TestMemoryOrders(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for i, id := range []string{"o1", "o2", "o3"} {
		o := Order{ID: id, UID: "u1", Status: StatusPendingPayment, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
		if id == "o2" {
			o.UID = "u2"
			o.PaymentIntentID = "pi_2"
		}
		if err := s.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CreateOrder(ctx, Order{ID: "o1"}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}

	list, _ := s.ListOrders(ctx, OrderFilter{UID: "u1"})
	if len(list) != 2 || list[0].ID != "o3" || list[1].ID != "o1" {
		t.Errorf("ListOrders u1 = %v", ids(list))
	}
	list, _ = s.ListOrders(ctx, OrderFilter{Limit: 1})
	if len(list) != 1 || list[0].ID != "o3" {
		t.Errorf("ListOrders limit 1 = %v", ids(list))
	}

	found, err := s.FindOrderByPaymentIntent(ctx, "pi_2")
	if err != nil || found.ID != "o2" {
		t.Errorf("FindOrderByPaymentIntent = %v, %v", found.ID, err)
	}

	boom := errors.New("boom")
	_, err = s.UpdateOrder(ctx, "o1", func(o *Order) error {
		o.Status = StatusPaid
		o.History = append(o.History, StatusChange{To: StatusPaid})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateOrder err = %v", err)
	}
	o, _ := s.GetOrder(ctx, "o1")
	if o.Status != StatusPendingPayment || len(o.History) != 0 {
		t.Errorf("failed update was written: %+v", o)
	}

	o, err = s.UpdateOrder(ctx, "o1", func(o *Order) error {
		o.Status = StatusPaid
		return nil
	})
	if err != nil || o.Status != StatusPaid {
		t.Errorf("UpdateOrder = %v, %v", o.Status, err)
	}
	list, _ = s.ListOrders(ctx, OrderFilter{Status: StatusPaid})
	if len(list) != 1 {
		t.Errorf("paid orders = %d", len(list))
	}
}

func ids(orders []Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func credit(points int64, key string) func(LedgerTx) error {
	return func(tx LedgerTx) error {
		a := tx.Account()
		a.Balance += points
		return tx.Append(LedgerEntry{ID: key, Key: key, Kind: KindAdjust, Points: points, BalanceAfter: a.Balance})
	}
}

func TestMemoryApplyLedgerCommits(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if _, err := s.GetAccount(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh account err = %v", err)
	}
	a, err := s.ApplyLedger(ctx, "u1", credit(100, "k1"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Balance != 100 || a.UID != "u1" {
		t.Errorf("account = %+v", a)
	}
	stored, _ := s.GetAccount(ctx, "u1")
	if stored.Balance != 100 {
		t.Errorf("stored balance = %d", stored.Balance)
	}
	entries, _ := s.ListEntries(ctx, "u1", 0)
	if len(entries) != 1 || entries[0].UID != "u1" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMemoryApplyLedgerDuplicateKey(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.ApplyLedger(ctx, "u1", credit(100, "k1"))

	_, err := s.ApplyLedger(ctx, "u1", credit(100, "k1"))
	if !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}
	a, _ := s.GetAccount(ctx, "u1")
	if a.Balance != 100 {
		t.Errorf("balance after duplicate = %d, want 100", a.Balance)
	}

	// The same key on another account is independent.
	if _, err := s.ApplyLedger(ctx, "u2", credit(5, "k1")); err != nil {
		t.Errorf("other account: %v", err)
	}
}

func TestMemoryApplyLedgerRejectsNegativeBalance(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.ApplyLedger(ctx, "u1", credit(50, "k1"))

	if _, err := s.ApplyLedger(ctx, "u1", credit(-80, "k2")); err == nil {
		t.Fatal("expected commit to fail")
	}
	a, _ := s.GetAccount(ctx, "u1")
	if a.Balance != 50 {
		t.Errorf("balance = %d, want 50", a.Balance)
	}
	if _, ok := s.Entries.Get(entryKey("u1", "k2")); ok {
		t.Error("entry of failed commit was stored")
	}
}

func TestMemoryApplyLedgerCallbackErrorWritesNothing(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.ApplyLedger(ctx, "u1", func(tx LedgerTx) error {
		tx.Account().Balance = 500
		tx.Append(LedgerEntry{Key: "k", Points: 500})
		tx.CreateClaim(Claim{Code: "BRO-1"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if s.Accounts.Count() != 0 || s.Entries.Count() != 0 || s.Claims.Count() != 0 {
		t.Error("failed callback left writes behind")
	}
}

func TestMemoryApplyLedgerClaimsAndAudit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.ApplyLedger(ctx, "u1", func(tx LedgerTx) error {
		tx.Account().Balance = 10
		tx.CreateClaim(Claim{ID: "c1", Code: "BRO-AAAA", UID: "u1", CreatedAt: t0})
		tx.Audit(AuditEntry{ID: "a1", TargetUID: "u1", CreatedAt: t0})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.GetClaimByCode(ctx, "BRO-AAAA")
	if err != nil || c.UID != "u1" {
		t.Errorf("claim = %+v, %v", c, err)
	}
	audit, _ := s.ListAudit(ctx, AuditFilter{TargetUID: "u1"})
	if len(audit) != 1 {
		t.Errorf("audit = %+v", audit)
	}
	audit, _ = s.ListAudit(ctx, AuditFilter{TargetUID: "other"})
	if len(audit) != 0 {
		t.Errorf("audit for other = %+v", audit)
	}

	_, err = s.ApplyLedger(ctx, "u2", func(tx LedgerTx) error {
		tx.CreateClaim(Claim{ID: "c2", Code: "BRO-AAAA", UID: "u2"})
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate code err = %v, want ErrConflict", err)
	}
}

func TestMemoryApplyLedgerSerializes(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.ApplyLedger(ctx, "u1", credit(100, "seed"))

	// 20 concurrent debits of 10 against a balance of 100: exactly 10 succeed.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.ApplyLedger(ctx, "u1", func(tx LedgerTx) error {
				a := tx.Account()
				if a.Balance < 10 {
					return errors.New("insufficient")
				}
				a.Balance -= 10
				return tx.Append(LedgerEntry{Key: "debit-" + string(rune('a'+i)), Points: -10, BalanceAfter: a.Balance})
			})
		}(i)
	}
	wg.Wait()

	a, _ := s.GetAccount(ctx, "u1")
	if a.Balance != 0 {
		t.Errorf("balance = %d, want 0", a.Balance)
	}
	entries, _ := s.ListEntries(ctx, "u1", 0)
	if len(entries) != 11 {
		t.Errorf("entries = %d, want 11", len(entries))
	}
}

func TestMemoryListEntriesNewestFirst(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i, key := range []string{"a", "b", "c"} {
		at := t0.Add(time.Duration(i) * time.Second)
		s.ApplyLedger(ctx, "u1", func(tx LedgerTx) error {
			return tx.Append(LedgerEntry{Key: key, CreatedAt: at})
		})
	}
	entries, _ := s.ListEntries(ctx, "u1", 2)
	if len(entries) != 2 || entries[0].Key != "c" || entries[1].Key != "b" {
		t.Errorf("entries = %+v", entries)
	}
}

// ---------------------------------------------------------------------------
// Snapshot / seed
// ---------------------------------------------------------------------------

func TestMemorySnapshotRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if err := ApplySeed(ctx, s, DefaultSeed(t0), t0); err != nil {
		t.Fatal(err)
	}
	s.ApplyLedger(ctx, "u1", credit(42, "k1"))

	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		t.Fatal(err)
	}

	restored := NewMemory()
	if err := restored.LoadState(data); err != nil {
		t.Fatal(err)
	}
	items, _ := restored.ListItems(ctx)
	if len(items) != 5 {
		t.Errorf("restored items = %d", len(items))
	}
	a, _ := restored.GetAccount(ctx, "u1")
	if a.Balance != 42 {
		t.Errorf("restored balance = %d", a.Balance)
	}
	if _, err := restored.ApplyLedger(ctx, "u1", credit(1, "k1")); !errors.Is(err, ErrDuplicateEntry) {
		t.Errorf("restored entry keys not enforced: %v", err)
	}

	if err := restored.LoadState([]byte("{nope")); err == nil {
		t.Error("expected error for bad snapshot")
	}
}

func TestDefaultSeedDropsAreLive(t *testing.T) {
	seed := DefaultSeed(t0)
	if len(seed.Drops) == 0 {
		t.Fatal("no drops in default seed")
	}
	for _, d := range seed.Drops {
		if !d.Live(t0) {
			t.Errorf("drop %s not live at seed time", d.ID)
		}
	}
}
