package rewards

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/broskis-kitchen/broskis/internal/store"
)

// ListOffers returns every offer, for the back office.
func (s *Service) ListOffers(ctx context.Context) ([]store.Offer, error) {
	return s.store.ListOffers(ctx)
}

// PutOffer creates or replaces an offer.
func (s *Service) PutOffer(ctx context.Context, o store.Offer) (store.Offer, error) {
	o.Title = strings.TrimSpace(o.Title)
	switch {
	case o.Title == "":
		return store.Offer{}, fmt.Errorf("%w: title is required", ErrInvalidOffer)
	case o.PointsCost <= 0:
		return store.Offer{}, fmt.Errorf("%w: points_cost must be positive", ErrInvalidOffer)
	case o.DiscountCents <= 0:
		return store.Offer{}, fmt.Errorf("%w: discount_cents must be positive", ErrInvalidOffer)
	case o.EndsAt != nil && !o.EndsAt.After(o.StartsAt):
		return store.Offer{}, fmt.Errorf("%w: ends_at must be after starts_at", ErrInvalidOffer)
	}
	if o.MinTier != "" {
		if _, ok := s.cfg.TierByName(o.MinTier); !ok {
			return store.Offer{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidOffer, o.MinTier)
		}
	}

	now := s.Now()
	o.CreatedAt = now
	if o.ID == "" {
		o.ID = "offer_" + uuid.NewString()[:8]
	} else if cur, err := s.store.GetOffer(ctx, o.ID); err == nil {
		o.CreatedAt = cur.CreatedAt
	}
	o.UpdatedAt = now
	if err := s.store.PutOffer(ctx, o); err != nil {
		return store.Offer{}, err
	}
	s.logger.Info("offer saved", "offer_id", o.ID, "points_cost", o.PointsCost, "active", o.Active)
	return o, nil
}

// DeleteOffer removes an offer. Claims already issued stay redeemable.
func (s *Service) DeleteOffer(ctx context.Context, id string) error {
	if err := s.store.DeleteOffer(ctx, id); err != nil {
		return err
	}
	s.logger.Info("offer deleted", "offer_id", id)
	return nil
}
