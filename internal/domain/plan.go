package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ReferralPolicy decides how often a referrer is credited for one referred
// participant.
type ReferralPolicy string

const (
	// ReferralPerCompletion credits the referrer every time a position carrying
	// the referral settles, including cycled positions.
	ReferralPerCompletion ReferralPolicy = "per_completion"
	// ReferralOncePerParticipant credits a referrer at most once per referred user.
	ReferralOncePerParticipant ReferralPolicy = "once_per_participant"
)

// Plan is an immutable tier configuration snapshot. A triangle records the
// version it was created under and settles against that version.
type Plan struct {
	Tier              int               `json:"tier"`
	Version           int               `json:"version"`
	EffectiveAt       time.Time         `json:"effective_at"`
	Capacity          int               `json:"capacity"`
	RequiredAmount    decimal.Decimal   `json:"required_amount"`
	Coin              string            `json:"coin"`
	Network           string            `json:"network"`
	PayoutMultipliers []decimal.Decimal `json:"payout_multipliers"`
	ReferralPercent   decimal.Decimal   `json:"referral_percent"`
	ReferralPolicy    ReferralPolicy    `json:"referral_policy"`
	NextTier          *int              `json:"next_tier,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Validate checks the snapshot is internally consistent.
func (p *Plan) Validate() error {
	if p.Tier < 0 {
		return fmt.Errorf("tier must be non-negative")
	}
	if p.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1")
	}
	if !p.RequiredAmount.IsPositive() {
		return fmt.Errorf("required amount must be positive")
	}
	if p.Coin == "" || p.Network == "" {
		return fmt.Errorf("coin and network are required")
	}
	if len(p.PayoutMultipliers) != p.Capacity {
		return fmt.Errorf("expected %d payout multipliers, got %d", p.Capacity, len(p.PayoutMultipliers))
	}
	for i, m := range p.PayoutMultipliers {
		if m.IsNegative() {
			return fmt.Errorf("payout multiplier for slot %d is negative", i)
		}
	}
	if p.ReferralPercent.IsNegative() || p.ReferralPercent.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("referral percent must be within [0, 100]")
	}
	switch p.ReferralPolicy {
	case ReferralPerCompletion, ReferralOncePerParticipant:
	default:
		return fmt.Errorf("unknown referral policy %q", p.ReferralPolicy)
	}
	if p.NextTier != nil && *p.NextTier <= p.Tier {
		return fmt.Errorf("next tier must be above tier %d", p.Tier)
	}
	return nil
}

// PayoutFor returns the payout owed to the occupant of slot.
func (p *Plan) PayoutFor(slot int) decimal.Decimal {
	if slot < 0 || slot >= len(p.PayoutMultipliers) {
		return decimal.Zero
	}
	return p.PayoutMultipliers[slot].Mul(p.RequiredAmount)
}

// ReferralBonus returns the bonus credited to a direct referrer.
func (p *Plan) ReferralBonus() decimal.Decimal {
	return p.RequiredAmount.Mul(p.ReferralPercent).Div(decimal.NewFromInt(100))
}
