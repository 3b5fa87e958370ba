package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed is a batch of catalog and rewards data loaded by `broskis seed`.
type Seed struct {
	Items  []MenuItem `yaml:"items"`
	Drops  []Drop     `yaml:"drops"`
	Offers []Offer    `yaml:"offers"`
}

// LoadSeedFile reads a YAML seed file.
func LoadSeedFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed file: %w", err)
	}
	return s, nil
}

// ApplySeed writes every item, drop, and offer in seed. Existing records with
// the same ID are replaced.
func ApplySeed(ctx context.Context, s Store, seed Seed, now time.Time) error {
	for _, item := range seed.Items {
		if item.UpdatedAt.IsZero() {
			item.UpdatedAt = now
		}
		if err := s.PutItem(ctx, item); err != nil {
			return fmt.Errorf("seed item %s: %w", item.ID, err)
		}
	}
	for _, d := range seed.Drops {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		if err := s.PutDrop(ctx, d); err != nil {
			return fmt.Errorf("seed drop %s: %w", d.ID, err)
		}
	}
	for _, o := range seed.Offers {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		o.UpdatedAt = now
		if err := s.PutOffer(ctx, o); err != nil {
			return fmt.Errorf("seed offer %s: %w", o.ID, err)
		}
	}
	return nil
}

// DefaultSeed is the starter menu used by the memory driver in development.
func DefaultSeed(now time.Time) Seed {
	day := now.Truncate(24 * time.Hour)
	return Seed{
		Items: []MenuItem{
			{ID: "smash-burger", Name: "Broski Smash Burger", Category: "burgers", PriceCents: 1299,
				Description: "Double smashed patty, american cheese, broski sauce", Available: true, SortOrder: 1,
				Tags: []string{"signature"}},
			{ID: "spicy-chicken", Name: "Nashville Hot Chicken Sandwich", Category: "sandwiches", PriceCents: 1399,
				Description: "Fried thigh, hot oil, pickles, slaw", Available: true, SortOrder: 1,
				Tags: []string{"spicy"}},
			{ID: "loaded-fries", Name: "Loaded Fries", Category: "sides", PriceCents: 799,
				Description: "Cheese sauce, bacon, scallions", Available: true, SortOrder: 1},
			{ID: "lemonade", Name: "House Lemonade", Category: "drinks", PriceCents: 399,
				Available: true, SortOrder: 1},
			{ID: "wagyu-drop", Name: "Wagyu Truffle Burger", Category: "burgers", PriceCents: 2499,
				Description: "Weekend drop only", Available: true, DropOnly: true, SortOrder: 2,
				Tags: []string{"limited"}},
		},
		Drops: []Drop{
			{ID: "weekend-wagyu", Title: "Weekend Wagyu Drop", ItemIDs: []string{"wagyu-drop"},
				Total: 50, StartsAt: day, EndsAt: day.Add(7 * 24 * time.Hour), Active: true},
		},
		Offers: []Offer{
			{ID: "free-fries", Title: "Free Loaded Fries", PointsCost: 300, DiscountCents: 799,
				Active: true, StartsAt: day},
			{ID: "ten-off", Title: "$10 Off Your Order", PointsCost: 900, DiscountCents: 1000,
				MinTier: "silver", Active: true, StartsAt: day},
		},
	}
}
