package model

import "fmt"

// Tier identifies one of the fixed contribution amount classes.
type Tier uint8

const (
	TierOne   Tier = 1
	TierTwo   Tier = 2
	TierThree Tier = 3
)

// Payout split applied to a closed batch's pooled contributions.
const (
	PayoutSharePercent   = 60
	PlatformSharePercent = 100 - PayoutSharePercent
)

// TierTable maps tiers to their contribution amount in the token's smallest unit.
type TierTable map[Tier]uint64

// DefaultTiers returns the deployed amounts: 10, 50 and 500 tokens with 6 decimals.
func DefaultTiers() TierTable {
	return TierTable{
		TierOne:   10_000_000,
		TierTwo:   50_000_000,
		TierThree: 500_000_000,
	}
}

// Tiers returns the configured tiers in ascending order.
func (t TierTable) Tiers() []Tier {
	out := make([]Tier, 0, len(t))
	for tier := TierOne; tier <= TierThree; tier++ {
		if _, ok := t[tier]; ok {
			out = append(out, tier)
		}
	}
	return out
}

// Amount returns the fixed contribution amount for a tier.
func (t TierTable) Amount(tier Tier) (uint64, bool) {
	amount, ok := t[tier]
	return amount, ok
}

// PayoutAmount returns what one recipient receives when a batch of the tier closes.
func (t TierTable) PayoutAmount(tier Tier) (uint64, bool) {
	amount, ok := t[tier]
	if !ok {
		return 0, false
	}
	return amount * BatchSize * PayoutSharePercent / 100, true
}

// ParseTier validates a raw tier number against the table.
func (t TierTable) ParseTier(raw uint64) (Tier, error) {
	if raw == 0 || raw > uint64(TierThree) {
		return 0, fmt.Errorf("invalid tier %d", raw)
	}
	tier := Tier(raw)
	if _, ok := t[tier]; !ok {
		return 0, fmt.Errorf("tier %d not configured", raw)
	}
	return tier, nil
}
