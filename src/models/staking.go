package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StakePosition is one account's stake in one property token.
// StakeTime is set when the position is opened and is never reset by a
// partial unstake; only a full exit clears the position.
type StakePosition struct {
	Account         string          `json:"account"`
	PropertyID      string          `json:"property_id"`
	StakedAmount    decimal.Decimal `json:"staked_amount"`
	StakeTime       time.Time       `json:"stake_time"`
	LastRewardClaim time.Time       `json:"last_reward_claim"`
}

// RevenueDistribution is a property's revenue pot together with the
// cumulative amount already paid out of it. Distributed never exceeds
// TotalAmount; the integer-division remainder stays undistributed.
type RevenueDistribution struct {
	PropertyID  string          `json:"property_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Distributed decimal.Decimal `json:"distributed"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Remaining returns the amount still claimable from the distribution.
func (d RevenueDistribution) Remaining() decimal.Decimal {
	return d.TotalAmount.Sub(d.Distributed)
}
