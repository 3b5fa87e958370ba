// Package catalog serves the menu and limited drops, prices cart lines, and
// reserves drop inventory.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/broskis-kitchen/broskis/internal/store"
)

var (
	ErrInvalidLine     = errors.New("invalid cart line")
	ErrItemUnavailable = errors.New("item unavailable")
	ErrInvalidItem     = errors.New("invalid menu item")
	ErrInvalidDrop     = errors.New("invalid drop")
)

const maxNotesLen = 200

// Config tunes the catalog.
type Config struct {
	MaxQuantity int
	CacheTTL    time.Duration
	CacheSize   int
}

// CartLine is a line as submitted by the client. Prices are never taken
// from the client.
type CartLine struct {
	ItemID   string `json:"item_id"`
	DropID   string `json:"drop_id,omitempty"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

// DropView is a drop with its remaining count.
type DropView struct {
	store.Drop
	Remaining int  `json:"remaining"`
	Live      bool `json:"live"`
}

// Menu is the public menu.
type Menu struct {
	Items       []store.MenuItem `json:"items"`
	Categories  []string         `json:"categories"`
	Drops       []DropView       `json:"drops"`
	GeneratedAt time.Time        `json:"generated_at"`
}

const menuKey = "menu"

// Service is the catalog. Menu and item reads are cached; drop inventory is
// always read from the store.
type Service struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	menu   *expirable.LRU[string, Menu]
	items  *expirable.LRU[string, store.MenuItem]

	// Now returns the current time. Defaults to time.Now in UTC.
	Now func() time.Time
}

// NewService creates a catalog over s.
func NewService(s store.Store, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = 20
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		cfg:    cfg,
		logger: logger,
		menu:   expirable.NewLRU[string, Menu](1, nil, cfg.CacheTTL),
		items:  expirable.NewLRU[string, store.MenuItem](cfg.CacheSize, nil, cfg.CacheTTL),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Invalidate drops every cached entry.
func (s *Service) Invalidate() {
	s.menu.Purge()
	s.items.Purge()
}

func view(d store.Drop, now time.Time) DropView {
	return DropView{Drop: d, Remaining: d.Remaining(), Live: d.Live(now)}
}

// Menu returns the available items, ordered by category, sort order, and
// name, with the drops that are live now. Only the item section is cached.
func (s *Service) Menu(ctx context.Context) (Menu, error) {
	m, ok := s.menu.Get(menuKey)
	if !ok {
		items, err := s.store.ListItems(ctx)
		if err != nil {
			return Menu{}, fmt.Errorf("list items: %w", err)
		}
		m = menuItems(items)
		s.menu.Add(menuKey, m)
	}
	drops, err := s.store.ListDrops(ctx)
	if err != nil {
		return Menu{}, fmt.Errorf("list drops: %w", err)
	}
	now := s.Now()
	m.GeneratedAt = now
	m.Drops = make([]DropView, 0)
	for _, d := range drops {
		if d.Live(now) {
			m.Drops = append(m.Drops, view(d, now))
		}
	}
	return m, nil
}

func menuItems(items []store.MenuItem) Menu {
	m := Menu{Items: make([]store.MenuItem, 0, len(items))}
	for _, it := range items {
		if it.Available {
			m.Items = append(m.Items, it)
		}
	}
	slices.SortFunc(m.Items, func(a, b store.MenuItem) int {
		return cmp.Or(
			cmp.Compare(a.Category, b.Category),
			cmp.Compare(a.SortOrder, b.SortOrder),
			cmp.Compare(a.Name, b.Name),
		)
	})
	for _, it := range m.Items {
		if len(m.Categories) == 0 || m.Categories[len(m.Categories)-1] != it.Category {
			m.Categories = append(m.Categories, it.Category)
		}
	}
	return m
}

// Item returns one menu item.
func (s *Service) Item(ctx context.Context, id string) (store.MenuItem, error) {
	if it, ok := s.items.Get(id); ok {
		return it, nil
	}
	it, err := s.store.GetItem(ctx, id)
	if err != nil {
		return store.MenuItem{}, err
	}
	s.items.Add(id, it)
	return it, nil
}

// Drops returns active drops that have not ended. With all set it returns
// every drop.
func (s *Service) Drops(ctx context.Context, all bool) ([]DropView, error) {
	drops, err := s.store.ListDrops(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := make([]DropView, 0, len(drops))
	for _, d := range drops {
		if all || (d.Active && now.Before(d.EndsAt)) {
			out = append(out, view(d, now))
		}
	}
	return out, nil
}

// Drop returns one drop.
func (s *Service) Drop(ctx context.Context, id string) (DropView, error) {
	d, err := s.store.GetDrop(ctx, id)
	if err != nil {
		return DropView{}, err
	}
	return view(d, s.Now()), nil
}

// ---------------------------------------------------------------------------
// Cart resolution and drop inventory
// ---------------------------------------------------------------------------

// Resolve prices cart lines from the catalog and checks each one can be
// ordered at now.
func (s *Service) Resolve(ctx context.Context, lines []CartLine, now time.Time) ([]store.OrderLine, error) {
	out := make([]store.OrderLine, 0, len(lines))
	drops := map[string]store.Drop{}
	wanted := map[string]int{}
	for i, l := range lines {
		if l.Quantity < 1 || l.Quantity > s.cfg.MaxQuantity {
			return nil, fmt.Errorf("%w: line %d quantity must be 1-%d", ErrInvalidLine, i+1, s.cfg.MaxQuantity)
		}
		notes := strings.TrimSpace(l.Notes)
		if len(notes) > maxNotesLen {
			return nil, fmt.Errorf("%w: line %d notes exceed %d characters", ErrInvalidLine, i+1, maxNotesLen)
		}
		item, err := s.Item(ctx, l.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q is not on the menu", ErrItemUnavailable, l.ItemID)
		}
		if err != nil {
			return nil, err
		}
		if !item.Available {
			return nil, fmt.Errorf("%w: %s", ErrItemUnavailable, item.Name)
		}

		if l.DropID == "" {
			if item.DropOnly {
				return nil, fmt.Errorf("%w: %s is only sold through a drop", ErrItemUnavailable, item.Name)
			}
		} else {
			d, ok := drops[l.DropID]
			if !ok {
				d, err = s.store.GetDrop(ctx, l.DropID)
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("%w: %q", store.ErrDropClosed, l.DropID)
				}
				if err != nil {
					return nil, err
				}
				drops[l.DropID] = d
			}
			if !d.Includes(item.ID) {
				return nil, fmt.Errorf("%w: %s is not part of %s", ErrInvalidLine, item.Name, d.Title)
			}
			if !d.Live(now) {
				if d.Remaining() == 0 {
					return nil, fmt.Errorf("%w: %s", store.ErrSoldOut, d.Title)
				}
				return nil, fmt.Errorf("%w: %s", store.ErrDropClosed, d.Title)
			}
			wanted[d.ID] += l.Quantity
			if wanted[d.ID] > d.Remaining() {
				return nil, fmt.Errorf("%w: %s has %d left", store.ErrSoldOut, d.Title, d.Remaining())
			}
		}

		out = append(out, store.OrderLine{
			ItemID:         item.ID,
			DropID:         l.DropID,
			Name:           item.Name,
			Quantity:       l.Quantity,
			UnitPriceCents: item.PriceCents,
			LineTotalCents: item.PriceCents * int64(l.Quantity),
			Notes:          notes,
		})
	}
	return out, nil
}

type dropQty struct {
	id  string
	qty int
}

func dropTotals(lines []store.OrderLine) []dropQty {
	var out []dropQty
	idx := map[string]int{}
	for _, l := range lines {
		if l.DropID == "" {
			continue
		}
		if i, ok := idx[l.DropID]; ok {
			out[i].qty += l.Quantity
			continue
		}
		idx[l.DropID] = len(out)
		out = append(out, dropQty{l.DropID, l.Quantity})
	}
	return out
}

// ReserveDrops claims drop units for lines. On failure nothing stays reserved.
func (s *Service) ReserveDrops(ctx context.Context, lines []store.OrderLine) error {
	totals := dropTotals(lines)
	for i, t := range totals {
		if _, err := s.store.AdjustDropSold(ctx, t.id, t.qty); err != nil {
			if rerr := s.releaseTotals(ctx, totals[:i]); rerr != nil {
				s.logger.Error("undo drop reservation failed", "error", rerr)
			}
			return err
		}
	}
	return nil
}

// ReleaseDrops returns drop units claimed for lines.
func (s *Service) ReleaseDrops(ctx context.Context, lines []store.OrderLine) error {
	return s.releaseTotals(ctx, dropTotals(lines))
}

func (s *Service) releaseTotals(ctx context.Context, totals []dropQty) error {
	var errs []error
	for _, t := range totals {
		_, err := s.store.AdjustDropSold(ctx, t.id, -t.qty)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Admin writes
// ---------------------------------------------------------------------------

// PutItem creates or replaces a menu item.
func (s *Service) PutItem(ctx context.Context, item store.MenuItem) (store.MenuItem, error) {
	item.Name = strings.TrimSpace(item.Name)
	item.Category = strings.ToLower(strings.TrimSpace(item.Category))
	switch {
	case item.Name == "":
		return store.MenuItem{}, fmt.Errorf("%w: name is required", ErrInvalidItem)
	case item.Category == "":
		return store.MenuItem{}, fmt.Errorf("%w: category is required", ErrInvalidItem)
	case item.PriceCents < 0:
		return store.MenuItem{}, fmt.Errorf("%w: price must not be negative", ErrInvalidItem)
	}
	if item.ID == "" {
		item.ID = slug(item.Name)
	}
	if item.ID == "" {
		item.ID = "item_" + uuid.NewString()[:8]
	}
	item.UpdatedAt = s.Now()
	if err := s.store.PutItem(ctx, item); err != nil {
		return store.MenuItem{}, err
	}
	s.Invalidate()
	s.logger.Info("menu item saved", "item_id", item.ID, "price_cents", item.PriceCents, "available", item.Available)
	return item, nil
}

// DeleteItem removes a menu item.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.Invalidate()
	s.logger.Info("menu item deleted", "item_id", id)
	return nil
}

// PutDrop creates or replaces a drop. The sold counter is kept.
func (s *Service) PutDrop(ctx context.Context, d store.Drop) (store.Drop, error) {
	d.Title = strings.TrimSpace(d.Title)
	switch {
	case d.Title == "":
		return store.Drop{}, fmt.Errorf("%w: title is required", ErrInvalidDrop)
	case d.Total < 0:
		return store.Drop{}, fmt.Errorf("%w: total must not be negative", ErrInvalidDrop)
	case !d.EndsAt.After(d.StartsAt):
		return store.Drop{}, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidDrop)
	case len(d.ItemIDs) == 0:
		return store.Drop{}, fmt.Errorf("%w: at least one item is required", ErrInvalidDrop)
	}
	for _, id := range d.ItemIDs {
		if _, err := s.store.GetItem(ctx, id); err != nil {
			return store.Drop{}, fmt.Errorf("%w: unknown item %q", ErrInvalidDrop, id)
		}
	}

	now := s.Now()
	d.Sold = 0
	d.CreatedAt = now
	if d.ID == "" {
		d.ID = "drop_" + uuid.NewString()[:8]
	} else if cur, err := s.store.GetDrop(ctx, d.ID); err == nil {
		if d.Total < cur.Sold {
			return store.Drop{}, fmt.Errorf("%w: total %d is below the %d already sold", ErrInvalidDrop, d.Total, cur.Sold)
		}
		d.Sold = cur.Sold
		d.CreatedAt = cur.CreatedAt
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Drop{}, err
	}
	d.UpdatedAt = now
	if err := s.store.PutDrop(ctx, d); err != nil {
		if errors.Is(err, store.ErrTotalBelowSold) {
			return store.Drop{}, fmt.Errorf("%w: %v", ErrInvalidDrop, err)
		}
		return store.Drop{}, err
	}
	// Sold may have moved since the read above.
	if saved, err := s.store.GetDrop(ctx, d.ID); err == nil {
		d = saved
	}
	s.Invalidate()
	s.logger.Info("drop saved", "drop_id", d.ID, "total", d.Total, "active", d.Active)
	return d, nil
}

// DeleteDrop removes a drop.
func (s *Service) DeleteDrop(ctx context.Context, id string) error {
	if err := s.store.DeleteDrop(ctx, id); err != nil {
		return err
	}
	s.Invalidate()
	s.logger.Info("drop deleted", "drop_id", id)
	return nil
}

func slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
