package state

import (
	"fmt"

	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/types"
)

// InterestStrategy computes the current borrow and liquidity rates for a
// market given its utilization. The curve shape is pluggable; parameters are
// validated at market creation and update, never re-derived during accrual.
type InterestStrategy interface {
	// Rates returns (borrow_rate, liquidity_rate) for the given utilization.
	Rates(utilization decimal.Decimal) (decimal.Decimal, decimal.Decimal)
	// Validate checks the strategy parameters.
	Validate() error
	// Params returns the serializable parameter set.
	Params() types.InterestStrategyParams
}

const (
	StrategyKinked = "kinked"
	StrategyLinear = "linear"
)

// KinkedStrategy is a two-slope rate curve with a utilization breakpoint:
// below the kink the borrow rate climbs at Slope1 per unit of utilization,
// above it Slope2 applies to the excess.
type KinkedStrategy struct {
	BaseRate           decimal.Decimal
	Slope1             decimal.Decimal
	Slope2             decimal.Decimal
	OptimalUtilization decimal.Decimal
}

func (s KinkedStrategy) Rates(utilization decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	var borrowRate decimal.Decimal
	if utilization.Cmp(s.OptimalUtilization) <= 0 {
		borrowRate = s.BaseRate.Add(s.Slope1.Mul(utilization))
	} else {
		excess := utilization.Sub(s.OptimalUtilization)
		borrowRate = s.BaseRate.
			Add(s.Slope1.Mul(s.OptimalUtilization)).
			Add(s.Slope2.Mul(excess))
	}
	return borrowRate, borrowRate.Mul(utilization)
}

func (s KinkedStrategy) Validate() error {
	return allConditionsValid([]fieldCheck{
		{s.BaseRate.Sign() >= 0, "base_rate", "must be nonnegative"},
		{s.Slope1.Sign() >= 0, "slope_1", "must be nonnegative"},
		{s.Slope2.Sign() >= 0, "slope_2", "must be nonnegative"},
		{s.OptimalUtilization.Sign() > 0 && fpmath.IsFraction(s.OptimalUtilization),
			"optimal_utilization", "must be in (0, 1]"},
	})
}

func (s KinkedStrategy) Params() types.InterestStrategyParams {
	return types.InterestStrategyParams{
		Kind:               StrategyKinked,
		BaseRate:           s.BaseRate,
		Slope1:             s.Slope1,
		Slope2:             s.Slope2,
		OptimalUtilization: s.OptimalUtilization,
	}
}

// LinearStrategy is a single-slope rate curve.
type LinearStrategy struct {
	BaseRate decimal.Decimal
	Slope    decimal.Decimal
}

func (s LinearStrategy) Rates(utilization decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	borrowRate := s.BaseRate.Add(s.Slope.Mul(utilization))
	return borrowRate, borrowRate.Mul(utilization)
}

func (s LinearStrategy) Validate() error {
	return allConditionsValid([]fieldCheck{
		{s.BaseRate.Sign() >= 0, "base_rate", "must be nonnegative"},
		{s.Slope.Sign() >= 0, "slope_1", "must be nonnegative"},
	})
}

func (s LinearStrategy) Params() types.InterestStrategyParams {
	return types.InterestStrategyParams{
		Kind:     StrategyLinear,
		BaseRate: s.BaseRate,
		Slope1:   s.Slope,
	}
}

// StrategyFromParams builds the concrete strategy named by the parameter set.
func StrategyFromParams(p types.InterestStrategyParams) (InterestStrategy, error) {
	switch p.Kind {
	case StrategyKinked:
		return KinkedStrategy{
			BaseRate:           p.BaseRate,
			Slope1:             p.Slope1,
			Slope2:             p.Slope2,
			OptimalUtilization: p.OptimalUtilization,
		}, nil
	case StrategyLinear:
		return LinearStrategy{BaseRate: p.BaseRate, Slope: p.Slope1}, nil
	default:
		return nil, &ValidationError{
			Field:  "interest_rate_strategy",
			Reason: fmt.Sprintf("unknown strategy kind %q", p.Kind),
		}
	}
}

// Accrue brings a market's indices, rates and protocol income up to date at
// block time now (unix seconds). It is idempotent at equal timestamps; a
// negative elapsed time is a fatal programming error.
//
// Interest for the elapsed window compounds at the rates that were in effect
// during that window; the strategy's new rates apply from now forward. The
// reserve_factor share of borrower interest is withheld from depositors (the
// liquidity index grows at liquidity_rate * (1 - reserve_factor)) and accrues
// to protocol_income_to_distribute via the borrow index delta.
func Accrue(m *Market, now uint64, availableLiquidity decimal.Decimal) {
	if now == m.InterestsLastUpdated {
		return
	}
	if now < m.InterestsLastUpdated {
		panic(fmt.Sprintf("FATAL: accrual time went backwards for %s: %d < %d",
			m.Denom, now, m.InterestsLastUpdated))
	}

	elapsed := now - m.InterestsLastUpdated

	oldBorrowIndex := m.BorrowIndex
	m.BorrowIndex = fpmath.CompoundIndex(m.BorrowIndex, m.BorrowRate, elapsed)

	depositorRate := m.LiquidityRate.Mul(fpmath.One.Sub(m.ReserveFactor))
	m.LiquidityIndex = fpmath.CompoundIndex(m.LiquidityIndex, depositorRate, elapsed)

	// Borrower interest accrued over the window, in underlying units.
	indexDelta := m.BorrowIndex.Sub(oldBorrowIndex)
	accruedInterest := m.DebtTotalScaled.Mul(indexDelta).Truncate(0)
	income := accruedInterest.Mul(m.ReserveFactor).Truncate(0)
	m.ProtocolIncomeToDistribute = m.ProtocolIncomeToDistribute.Add(income)

	totalDebt := fpmath.UnderlyingFromScaled(m.DebtTotalScaled, m.BorrowIndex)
	utilization := fpmath.Utilization(totalDebt, availableLiquidity)
	m.BorrowRate, m.LiquidityRate = m.InterestStrategy.Rates(utilization)

	m.InterestsLastUpdated = now
}

// ProjectedIndices returns the indices the market would carry if accrued to
// now, without mutating it. Markets not targeted by the current command keep
// their stored timestamps, so valuing a whole portfolio at one instant must
// project each stale index forward or accrued debt is understated.
func ProjectedIndices(m *Market, now uint64) (borrowIndex, liquidityIndex decimal.Decimal) {
	if now <= m.InterestsLastUpdated {
		return m.BorrowIndex, m.LiquidityIndex
	}

	elapsed := now - m.InterestsLastUpdated
	borrowIndex = fpmath.CompoundIndex(m.BorrowIndex, m.BorrowRate, elapsed)

	depositorRate := m.LiquidityRate.Mul(fpmath.One.Sub(m.ReserveFactor))
	liquidityIndex = fpmath.CompoundIndex(m.LiquidityIndex, depositorRate, elapsed)

	return borrowIndex, liquidityIndex
}
