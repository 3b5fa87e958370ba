package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/broskis-kitchen/broskis/internal/store"
)

var now = time.Date(2026, 6, 5, 19, 0, 0, 0, time.UTC)

func newCatalog(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	for _, it := range []store.MenuItem{
		{ID: "burger", Name: "Smash Burger", Category: "burgers", PriceCents: 1299, Available: true, SortOrder: 2},
		{ID: "double", Name: "Double Smash", Category: "burgers", PriceCents: 1599, Available: true, SortOrder: 1},
		{ID: "fries", Name: "Fries", Category: "sides", PriceCents: 499, Available: true},
		{ID: "soldout", Name: "Gone", Category: "sides", PriceCents: 100, Available: false},
		{ID: "wagyu", Name: "Wagyu", Category: "burgers", PriceCents: 2499, Available: true, DropOnly: true, SortOrder: 3},
	} {
		st.PutItem(ctx, it)
	}
	st.PutDrop(ctx, store.Drop{ID: "live", Title: "Live Drop", ItemIDs: []string{"wagyu"}, Total: 5,
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Active: true})
	st.PutDrop(ctx, store.Drop{ID: "later", Title: "Later Drop", ItemIDs: []string{"wagyu"}, Total: 5,
		StartsAt: now.Add(time.Hour), EndsAt: now.Add(2 * time.Hour), Active: true})

	svc := NewService(st, Config{MaxQuantity: 10}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Now = func() time.Time { return now }
	return svc, st
}

// ---------------------------------------------------------------------------
// Menu
// ---------------------------------------------------------------------------

func TestMenuOrderingAndDrops(t *testing.T) {
	svc, _ := newCatalog(t)
	m, err := svc.Menu(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"double", "burger", "wagyu", "fries"}
	if len(m.Items) != len(want) {
		t.Fatalf("items = %d, want %d", len(m.Items), len(want))
	}
	for i, id := range want {
		if m.Items[i].ID != id {
			t.Errorf("item %d = %s, want %s", i, m.Items[i].ID, id)
		}
	}
	if len(m.Categories) != 2 || m.Categories[0] != "burgers" || m.Categories[1] != "sides" {
		t.Errorf("categories = %v", m.Categories)
	}
	if len(m.Drops) != 1 || m.Drops[0].ID != "live" || m.Drops[0].Remaining != 5 {
		t.Errorf("drops = %+v", m.Drops)
	}
}

func TestMenuIsCachedUntilAdminWrite(t *testing.T) {
	svc, st := newCatalog(t)
	ctx := context.Background()
	svc.Menu(ctx)

	// A write that bypasses the service is not visible until invalidation.
	st.PutItem(ctx, store.MenuItem{ID: "shake", Name: "Shake", Category: "drinks", PriceCents: 599, Available: true})
	m, _ := svc.Menu(ctx)
	if len(m.Items) != 4 {
		t.Errorf("cached menu items = %d, want 4", len(m.Items))
	}

	if _, err := svc.PutItem(ctx, store.MenuItem{Name: "Cola", Category: "Drinks", PriceCents: 299, Available: true}); err != nil {
		t.Fatal(err)
	}
	m, _ = svc.Menu(ctx)
	if len(m.Items) != 6 {
		t.Errorf("menu items after admin write = %d, want 6", len(m.Items))
	}
}

func TestMenuCacheExpires(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, Config{CacheTTL: 20 * time.Millisecond}, nil)
	ctx := context.Background()
	svc.Menu(ctx)
	st.PutItem(ctx, store.MenuItem{ID: "x", Name: "X", Category: "c", Available: true})
	time.Sleep(60 * time.Millisecond)
	m, _ := svc.Menu(ctx)
	if len(m.Items) != 1 {
		t.Errorf("items after ttl = %d, want 1", len(m.Items))
	}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolvePricesFromCatalog(t *testing.T) {
	svc, _ := newCatalog(t)
	lines, err := svc.Resolve(context.Background(), []CartLine{
		{ItemID: "burger", Quantity: 2, Notes: "  no onions "},
		{ItemID: "wagyu", DropID: "live", Quantity: 1},
	}, now)
	if err != nil {
		t.Fatal(err)
	}
	if lines[0].LineTotalCents != 2598 || lines[0].Notes != "no onions" || lines[0].Name != "Smash Burger" {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1].UnitPriceCents != 2499 || lines[1].DropID != "live" {
		t.Errorf("line 1 = %+v", lines[1])
	}
}

func TestResolveRejects(t *testing.T) {
	svc, _ := newCatalog(t)
	tests := []struct {
		name string
		line CartLine
		want error
	}{
		{"zero quantity", CartLine{ItemID: "burger", Quantity: 0}, ErrInvalidLine},
		{"too many", CartLine{ItemID: "burger", Quantity: 11}, ErrInvalidLine},
		{"unknown item", CartLine{ItemID: "pizza", Quantity: 1}, ErrItemUnavailable},
		{"unavailable", CartLine{ItemID: "soldout", Quantity: 1}, ErrItemUnavailable},
		{"drop only", CartLine{ItemID: "wagyu", Quantity: 1}, ErrItemUnavailable},
		{"not in drop", CartLine{ItemID: "fries", DropID: "live", Quantity: 1}, ErrInvalidLine},
		{"drop not started", CartLine{ItemID: "wagyu", DropID: "later", Quantity: 1}, store.ErrDropClosed},
		{"unknown drop", CartLine{ItemID: "wagyu", DropID: "ghost", Quantity: 1}, store.ErrDropClosed},
		{"more than remaining", CartLine{ItemID: "wagyu", DropID: "live", Quantity: 6}, store.ErrSoldOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Resolve(context.Background(), []CartLine{tt.line}, now)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestResolveCountsDropAcrossLines(t *testing.T) {
	svc, _ := newCatalog(t)
	_, err := svc.Resolve(context.Background(), []CartLine{
		{ItemID: "wagyu", DropID: "live", Quantity: 3},
		{ItemID: "wagyu", DropID: "live", Quantity: 3, Notes: "extra truffle"},
	}, now)
	if !errors.Is(err, store.ErrSoldOut) {
		t.Errorf("err = %v, want ErrSoldOut", err)
	}
}

// ---------------------------------------------------------------------------
// Drop inventory
// ---------------------------------------------------------------------------

func TestReserveDropsUndoesOnFailure(t *testing.T) {
	svc, st := newCatalog(t)
	ctx := context.Background()
	st.PutDrop(ctx, store.Drop{ID: "tiny", Title: "Tiny", ItemIDs: []string{"fries"}, Total: 1,
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Active: true})

	lines := []store.OrderLine{
		{ItemID: "wagyu", DropID: "live", Quantity: 2},
		{ItemID: "fries", DropID: "tiny", Quantity: 2},
	}
	if err := svc.ReserveDrops(ctx, lines); !errors.Is(err, store.ErrSoldOut) {
		t.Fatalf("err = %v, want ErrSoldOut", err)
	}
	d, _ := st.GetDrop(ctx, "live")
	if d.Sold != 0 {
		t.Errorf("live sold = %d after failed reservation", d.Sold)
	}
}

func TestReserveAndReleaseDrops(t *testing.T) {
	svc, st := newCatalog(t)
	ctx := context.Background()
	lines := []store.OrderLine{
		{ItemID: "wagyu", DropID: "live", Quantity: 2},
		{ItemID: "wagyu", DropID: "live", Quantity: 1},
		{ItemID: "burger", Quantity: 4},
	}
	if err := svc.ReserveDrops(ctx, lines); err != nil {
		t.Fatal(err)
	}
	d, _ := st.GetDrop(ctx, "live")
	if d.Sold != 3 {
		t.Errorf("sold = %d, want 3", d.Sold)
	}
	if err := svc.ReleaseDrops(ctx, lines); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReleaseDrops(ctx, lines); err != nil {
		t.Fatal(err)
	}
	d, _ = st.GetDrop(ctx, "live")
	if d.Sold != 0 {
		t.Errorf("sold after double release = %d, want 0", d.Sold)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestPutItemValidation(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()
	for _, it := range []store.MenuItem{
		{Category: "x", PriceCents: 1},
		{Name: "x", PriceCents: 1},
		{Name: "x", Category: "x", PriceCents: -1},
	} {
		if _, err := svc.PutItem(ctx, it); !errors.Is(err, ErrInvalidItem) {
			t.Errorf("PutItem(%+v) err = %v", it, err)
		}
	}
	it, err := svc.PutItem(ctx, store.MenuItem{Name: "Chili Cheese Fries!", Category: "Sides", PriceCents: 899})
	if err != nil {
		t.Fatal(err)
	}
	if it.ID != "chili-cheese-fries" || it.Category != "sides" || !it.UpdatedAt.Equal(now) {
		t.Errorf("item = %+v", it)
	}
}

func TestPutDropValidation(t *testing.T) {
	svc, st := newCatalog(t)
	ctx := context.Background()
	base := store.Drop{Title: "New", ItemIDs: []string{"wagyu"}, Total: 10, StartsAt: now, EndsAt: now.Add(time.Hour)}

	bad := base
	bad.EndsAt = now
	if _, err := svc.PutDrop(ctx, bad); !errors.Is(err, ErrInvalidDrop) {
		t.Errorf("window err = %v", err)
	}
	bad = base
	bad.ItemIDs = []string{"pizza"}
	if _, err := svc.PutDrop(ctx, bad); !errors.Is(err, ErrInvalidDrop) {
		t.Errorf("unknown item err = %v", err)
	}

	st.AdjustDropSold(ctx, "live", 4)
	shrink := base
	shrink.ID = "live"
	shrink.Total = 3
	if _, err := svc.PutDrop(ctx, shrink); !errors.Is(err, ErrInvalidDrop) {
		t.Errorf("shrink below sold err = %v", err)
	}
	shrink.Total = 4
	d, err := svc.PutDrop(ctx, shrink)
	if err != nil {
		t.Fatal(err)
	}
	if d.Sold != 4 || d.Remaining() != 0 {
		t.Errorf("drop = %+v", d)
	}

	created, err := svc.PutDrop(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Sold != 0 {
		t.Errorf("created = %+v", created)
	}
}

// reservingStore sells units of a drop right after PutDrop reads it.
type reservingStore struct {
	*store.MemoryStore
	dropID string
	qty    int
	done   bool
}

func (r *reservingStore) GetDrop(ctx context.Context, id string) (store.Drop, error) {
	d, err := r.MemoryStore.GetDrop(ctx, id)
	if err == nil && id == r.dropID && !r.done {
		r.done = true
		_, err = r.MemoryStore.AdjustDropSold(ctx, id, r.qty)
	}
	return d, err
}

func TestPutDropShrinkRacesReservation(t *testing.T) {
	_, mem := newCatalog(t)
	ctx := context.Background()
	mem.AdjustDropSold(ctx, "live", 1)

	st := &reservingStore{MemoryStore: mem, dropID: "live", qty: 3}
	svc := NewService(st, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.Now = func() time.Time { return now }

	_, err := svc.PutDrop(ctx, store.Drop{ID: "live", Title: "Live Drop", ItemIDs: []string{"wagyu"}, Total: 2,
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Active: true})
	if !errors.Is(err, ErrInvalidDrop) {
		t.Errorf("err = %v, want ErrInvalidDrop", err)
	}
	d, _ := mem.GetDrop(ctx, "live")
	if d.Sold != 4 || d.Total != 5 {
		t.Errorf("drop = total %d sold %d, want the previous total kept", d.Total, d.Sold)
	}
}

func TestMenuDropsReflectReservations(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()
	if _, err := svc.Menu(ctx); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReserveDrops(ctx, []store.OrderLine{{ItemID: "wagyu", DropID: "live", Quantity: 2}}); err != nil {
		t.Fatal(err)
	}
	m, _ := svc.Menu(ctx)
	if len(m.Drops) != 1 || m.Drops[0].Remaining != 3 {
		t.Errorf("drops after reservation = %+v", m.Drops)
	}
}

func TestPutItemIDFallback(t *testing.T) {
	svc, st := newCatalog(t)
	ctx := context.Background()
	it, err := svc.PutItem(ctx, store.MenuItem{Name: "¡¿!", Category: "specials", PriceCents: 100})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(it.ID, "item_") || len(it.ID) != len("item_")+8 {
		t.Errorf("id = %q", it.ID)
	}
	if _, err := st.GetItem(ctx, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("item stored under an empty id: %v", err)
	}
}

func TestDropsListing(t *testing.T) {
	svc, _ := newCatalog(t)
	ctx := context.Background()
	public, _ := svc.Drops(ctx, false)
	if len(public) != 2 {
		t.Errorf("public drops = %d, want 2", len(public))
	}
	d, err := svc.Drop(ctx, "later")
	if err != nil || d.Live {
		t.Errorf("later drop = %+v, %v", d, err)
	}
	if err := svc.DeleteDrop(ctx, "later"); err != nil {
		t.Fatal(err)
	}
	all, _ := svc.Drops(ctx, true)
	if len(all) != 1 {
		t.Errorf("all drops = %d", len(all))
	}
}
