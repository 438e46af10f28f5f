package ledger

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ToDecimal scales a raw on-chain integer amount by 10^-decimals without rounding.
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

// FromDecimal is the inverse of ToDecimal, truncating digits below the smallest unit.
func FromDecimal(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}
