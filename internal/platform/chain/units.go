package chain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FixedDecimals is the scale of every monetary field on the ledger.
const FixedDecimals = 18

// FromFixed converts a 1e18-scaled integer to a decimal. nil is zero.
func FromFixed(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -FixedDecimals)
}

// ToFixed converts a decimal into a 1e18-scaled integer. Digits beyond 18
// decimals and negative amounts are rejected.
func ToFixed(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("chain: negative amount %s", d)
	}
	scaled := d.Shift(FixedDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("chain: amount %s has more than %d decimals", d, FixedDecimals)
	}
	return scaled.BigInt(), nil
}
