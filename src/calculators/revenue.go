package calculators

import (
	"errors"

	"github.com/shopspring/decimal"
)

// LedgerScale is the fixed-point scale the ledger uses for all amounts.
const LedgerScale = 18

var (
	ErrZeroSupply      = errors.New("total supply must be positive")
	ErrNegativeBalance = errors.New("holder balance cannot be negative")
	ErrNegativeAmount  = errors.New("distribution amount cannot be negative")
)

// RevenueAllocator computes a holder's share of a property's revenue
// distribution. All arithmetic is fixed-point; the result is the floor
// of balance x amount / supply at ledger scale, so the sum of every
// holder's entitlement never exceeds the distribution and the rounding
// remainder stays undistributed.
type RevenueAllocator struct{}

// Entitlement returns what a holder with the given balance may claim
// from a distribution of the given amount over the given total supply.
func (RevenueAllocator) Entitlement(balance, totalSupply, distributionAmount decimal.Decimal) (decimal.Decimal, error) {
	if !totalSupply.IsPositive() {
		return decimal.Zero, ErrZeroSupply
	}
	if balance.IsNegative() {
		return decimal.Zero, ErrNegativeBalance
	}
	if distributionAmount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}

	// QuoRem with the ledger scale truncates toward zero at base-unit
	// granularity; inputs are non-negative, so truncation is floor.
	entitlement, _ := balance.Mul(distributionAmount).QuoRem(totalSupply, LedgerScale)
	return entitlement, nil
}
