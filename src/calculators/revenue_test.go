package calculators

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEntitlementProportional(t *testing.T) {
	allocator := RevenueAllocator{}

	entitlement, err := allocator.Entitlement(d("250"), d("1000"), d("100"))
	require.NoError(t, err)
	assert.True(t, entitlement.Equal(d("25")), "got %s", entitlement)
}

func TestEntitlementFloorsAtLedgerScale(t *testing.T) {
	allocator := RevenueAllocator{}

	// 1/3 of 100 cannot be represented exactly; the result is floored
	// at 18 decimal places, never rounded up.
	entitlement, err := allocator.Entitlement(d("1"), d("3"), d("100"))
	require.NoError(t, err)
	assert.True(t, entitlement.Equal(d("33.333333333333333333")), "got %s", entitlement)

	product := entitlement.Mul(d("3"))
	assert.True(t, product.LessThanOrEqual(d("100")))
}

func TestEntitlementSumNeverExceedsDistribution(t *testing.T) {
	allocator := RevenueAllocator{}

	supply := d("7")
	amount := d("100")
	balances := []decimal.Decimal{d("1"), d("2"), d("1"), d("3")}

	sum := decimal.Zero
	for _, balance := range balances {
		entitlement, err := allocator.Entitlement(balance, supply, amount)
		require.NoError(t, err)
		sum = sum.Add(entitlement)
	}

	assert.True(t, sum.LessThanOrEqual(amount), "sum %s exceeds %s", sum, amount)

	// The rounding remainder is bounded by the integer-division bound:
	// strictly smaller than totalSupply in base units.
	remainder := amount.Sub(sum)
	bound := supply.Shift(-LedgerScale)
	assert.True(t, remainder.LessThan(bound), "remainder %s not below bound %s", remainder, bound)
}

func TestEntitlementZeroBalance(t *testing.T) {
	allocator := RevenueAllocator{}

	entitlement, err := allocator.Entitlement(decimal.Zero, d("1000"), d("100"))
	require.NoError(t, err)
	assert.True(t, entitlement.IsZero())
}

func TestEntitlementInvalidInputs(t *testing.T) {
	allocator := RevenueAllocator{}

	_, err := allocator.Entitlement(d("1"), decimal.Zero, d("100"))
	assert.ErrorIs(t, err, ErrZeroSupply)

	_, err = allocator.Entitlement(d("-1"), d("1000"), d("100"))
	assert.ErrorIs(t, err, ErrNegativeBalance)

	_, err = allocator.Entitlement(d("1"), d("1000"), d("-100"))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestEntitlementRepeatedClaimsAreStable(t *testing.T) {
	allocator := RevenueAllocator{}

	// Fixed-point math must give the identical answer on every call;
	// repeated distributions cannot drift the way binary floats would.
	first, err := allocator.Entitlement(d("333.333333333333333333"), d("1000"), d("99.999999999999999999"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := allocator.Entitlement(d("333.333333333333333333"), d("1000"), d("99.999999999999999999"))
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
	}
}
