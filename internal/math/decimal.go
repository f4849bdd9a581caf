package math

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the accrual period base: rates are annual, elapsed time is
// measured in seconds.
const SecondsPerYear = 31_536_000

var (
	Zero = decimal.Zero
	One  = decimal.New(1, 0)
)

func init() {
	// Index arithmetic is carried to 27 fractional digits (ray precision).
	// Every conversion back to underlying units truncates, so the extra
	// digits only ever under-credit the user, never over-credit.
	decimal.DivisionPrecision = 27
}

// DivTrunc returns a/b truncated toward zero to an integer value.
// Truncation (rather than rounding) is the protocol-favoring direction for
// every scaled<->underlying conversion.
func DivTrunc(a, b decimal.Decimal) decimal.Decimal {
	ratio := new(big.Rat).Quo(a.Rat(), b.Rat())
	q := new(big.Int).Quo(ratio.Num(), ratio.Denom())
	return decimal.NewFromBigInt(q, 0)
}

// ScaledFromUnderlying converts an underlying amount into scaled units at the
// given index: scaled = trunc(amount / index).
func ScaledFromUnderlying(amount, index decimal.Decimal) decimal.Decimal {
	return DivTrunc(amount, index)
}

// UnderlyingFromScaled converts a scaled amount back into underlying units at
// the given index: underlying = trunc(scaled * index).
func UnderlyingFromScaled(scaled, index decimal.Decimal) decimal.Decimal {
	return scaled.Mul(index).Truncate(0)
}

// LinearInterestFactor returns 1 + rate * elapsed / SecondsPerYear.
func LinearInterestFactor(rate decimal.Decimal, elapsed uint64) decimal.Decimal {
	if elapsed == 0 || rate.IsZero() {
		return One
	}
	accrued := rate.
		Mul(decimal.NewFromUint64(elapsed)).
		Div(decimal.NewFromInt(SecondsPerYear))
	return One.Add(accrued)
}

// CompoundIndex advances a cumulative interest index by the linear factor for
// the elapsed period. Indices are non-decreasing for nonnegative rates.
func CompoundIndex(index, rate decimal.Decimal, elapsed uint64) decimal.Decimal {
	return index.Mul(LinearInterestFactor(rate, elapsed))
}

// Utilization returns totalDebt / (totalDebt + availableLiquidity).
// Zero total funds means zero utilization.
func Utilization(totalDebt, availableLiquidity decimal.Decimal) decimal.Decimal {
	if totalDebt.Sign() <= 0 {
		return Zero
	}
	total := totalDebt.Add(availableLiquidity)
	if total.Sign() <= 0 {
		return Zero
	}
	return totalDebt.Div(total)
}

// IsFraction reports whether d lies in [0, 1].
func IsFraction(d decimal.Decimal) bool {
	return d.Sign() >= 0 && d.Cmp(One) <= 0
}
