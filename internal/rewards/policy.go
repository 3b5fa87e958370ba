// Package rewards implements the loyalty program: tiers, earning and
// redemption rules, and the store-backed points ledger.
package rewards

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrBelowMinimum       = errors.New("below minimum redemption")
	ErrDiscountMismatch   = errors.New("discount does not match server total")
	ErrOfferUnavailable   = errors.New("offer unavailable")
	ErrTierTooLow         = errors.New("tier too low for offer")
	ErrCodeUsed           = errors.New("reward code already used")
	ErrInvalidAdjustment  = errors.New("invalid points adjustment")
	ErrInvalidOffer       = errors.New("invalid offer")
)

// Tier is a loyalty level reached by lifetime points.
type Tier struct {
	Name          string `yaml:"name" json:"name"`
	MinLifetime   int64  `yaml:"min_lifetime" json:"min_lifetime"`
	MultiplierBps int64  `yaml:"multiplier_bps" json:"multiplier_bps"`
}

// Config holds the program rules.
type Config struct {
	PointsPerDollar  int64  `yaml:"points_per_dollar"`
	CentsPerPoint    int64  `yaml:"cents_per_point"`
	MinRedeemPoints  int64  `yaml:"min_redeem_points"`
	MaxRedeemPercent int64  `yaml:"max_redeem_percent"`
	MaxBalance       int64  `yaml:"max_balance"`
	Tiers            []Tier `yaml:"tiers"`
}

// DefaultConfig returns the standard program: one point per dollar, a cent
// per point, and four tiers.
func DefaultConfig() Config {
	return Config{
		PointsPerDollar:  1,
		CentsPerPoint:    1,
		MinRedeemPoints:  100,
		MaxRedeemPercent: 100,
		MaxBalance:       1_000_000,
		Tiers: []Tier{
			{Name: "bronze", MinLifetime: 0, MultiplierBps: 10000},
			{Name: "silver", MinLifetime: 500, MultiplierBps: 12500},
			{Name: "gold", MinLifetime: 1500, MultiplierBps: 15000},
			{Name: "platinum", MinLifetime: 5000, MultiplierBps: 20000},
		},
	}
}

// Validate reports every rule violation in c.
func (c Config) Validate() error {
	var errs []error
	if c.PointsPerDollar < 0 {
		errs = append(errs, errors.New("points_per_dollar must be >= 0"))
	}
	if c.CentsPerPoint < 1 {
		errs = append(errs, errors.New("cents_per_point must be >= 1"))
	}
	if c.MinRedeemPoints < 0 {
		errs = append(errs, errors.New("min_redeem_points must be >= 0"))
	}
	if c.MaxRedeemPercent < 0 || c.MaxRedeemPercent > 100 {
		errs = append(errs, errors.New("max_redeem_percent must be within [0, 100]"))
	}
	if c.MaxBalance <= 0 {
		errs = append(errs, errors.New("max_balance must be positive"))
	}
	if err := ValidateTiers(c.Tiers); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateTiers checks that tiers start at zero, strictly increase in
// MinLifetime, and never lower the multiplier.
func ValidateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	if tiers[0].MinLifetime != 0 {
		return fmt.Errorf("first tier %q must start at 0 lifetime points", tiers[0].Name)
	}
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d has no name", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tier %q", t.Name)
		}
		seen[t.Name] = true
		if t.MultiplierBps < 10000 {
			return fmt.Errorf("tier %q multiplier_bps must be >= 10000", t.Name)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.MinLifetime <= prev.MinLifetime {
			return fmt.Errorf("tier %q min_lifetime must exceed %q", t.Name, prev.Name)
		}
		if t.MultiplierBps < prev.MultiplierBps {
			return fmt.Errorf("tier %q multiplier_bps is lower than %q", t.Name, prev.Name)
		}
	}
	return nil
}

// TierFor returns the highest tier reached with lifetime points.
func (c Config) TierFor(lifetime int64) Tier {
	best := c.Tiers[0]
	for _, t := range c.Tiers[1:] {
		if t.MinLifetime > lifetime {
			break
		}
		best = t
	}
	return best
}

// NextTier returns the tier after the current one and the lifetime points
// still needed to reach it. ok is false at the top tier.
func (c Config) NextTier(lifetime int64) (next Tier, needed int64, ok bool) {
	for _, t := range c.Tiers {
		if t.MinLifetime > lifetime {
			return t, t.MinLifetime - lifetime, true
		}
	}
	return Tier{}, 0, false
}

// TierByName looks a tier up by name.
func (c Config) TierByName(name string) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.Name == name {
			return t, true
		}
	}
	return Tier{}, false
}

// Reached reports whether lifetime points satisfy the named tier. An empty
// name is always reached; an unknown one never is.
func (c Config) Reached(name string, lifetime int64) bool {
	if name == "" {
		return true
	}
	t, ok := c.TierByName(name)
	return ok && lifetime >= t.MinLifetime
}

// EarnPoints returns the points earned on spendCents of food spend at tier.
// The result is rounded down.
func (c Config) EarnPoints(spendCents int64, tier Tier) int64 {
	if spendCents <= 0 {
		return 0
	}
	return spendCents * c.PointsPerDollar * tier.MultiplierBps / (100 * 10000)
}

// Redemption is a points discount the server agreed to.
type Redemption struct {
	Points        int64 `json:"points"`
	DiscountCents int64 `json:"discount_cents"`
}

// QuoteRedemption prices a request to spend points against eligibleCents.
// Requests above the cap are clamped; requests above the balance fail.
func (c Config) QuoteRedemption(balance, eligibleCents, requested int64) (Redemption, error) {
	switch {
	case requested == 0:
		return Redemption{}, nil
	case requested < 0:
		return Redemption{}, ErrInvalidAdjustment
	case requested < c.MinRedeemPoints:
		return Redemption{}, fmt.Errorf("%w: need at least %d points", ErrBelowMinimum, c.MinRedeemPoints)
	case requested > balance:
		return Redemption{}, fmt.Errorf("%w: have %d, requested %d", ErrInsufficientPoints, balance, requested)
	}
	capPoints := max(eligibleCents, 0) * c.MaxRedeemPercent / 100 / c.CentsPerPoint
	applied := min(requested, capPoints)
	return Redemption{Points: applied, DiscountCents: applied * c.CentsPerPoint}, nil
}

// ValueCents converts points to their cash value.
func (c Config) ValueCents(points int64) int64 {
	return points * c.CentsPerPoint
}

// ClampAdjustment returns the part of delta that keeps balance within
// [0, maxBalance]. The result may be 0.
func ClampAdjustment(balance, delta, maxBalance int64) int64 {
	target := balance + delta
	if delta > 0 && target > maxBalance {
		target = max(maxBalance, balance)
	}
	if target < 0 {
		target = 0
	}
	return target - balance
}
