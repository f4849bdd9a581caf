package state

import (
	"testing"

	"github.com/0xarbor/mars-core/internal/types"
)

// ============================================================================
// Test: Rate Curves
// ============================================================================

func TestKinkedStrategy_RatesBelowAndAboveKink(t *testing.T) {
	s := KinkedStrategy{
		BaseRate:           dec("0.02"),
		Slope1:             dec("0.07"),
		Slope2:             dec("0.45"),
		OptimalUtilization: dec("0.8"),
	}

	// Below the kink: base + slope1 * u
	borrow, liquidity := s.Rates(dec("0.5"))
	if !borrow.Equal(dec("0.055")) {
		t.Errorf("borrow rate at u=0.5 = %s, want 0.055", borrow)
	}
	if !liquidity.Equal(dec("0.0275")) {
		t.Errorf("liquidity rate at u=0.5 = %s, want 0.0275", liquidity)
	}

	// At the kink exactly, still the first slope
	borrow, _ = s.Rates(dec("0.8"))
	if !borrow.Equal(dec("0.076")) {
		t.Errorf("borrow rate at u=0.8 = %s, want 0.076", borrow)
	}

	// Above the kink: base + slope1*optimal + slope2*(u-optimal)
	borrow, _ = s.Rates(dec("0.9"))
	if !borrow.Equal(dec("0.121")) {
		t.Errorf("borrow rate at u=0.9 = %s, want 0.121", borrow)
	}
}

func TestLinearStrategy_Rates(t *testing.T) {
	s := LinearStrategy{BaseRate: dec("0.01"), Slope: dec("0.1")}

	borrow, liquidity := s.Rates(dec("0.4"))
	if !borrow.Equal(dec("0.05")) {
		t.Errorf("borrow rate = %s, want 0.05", borrow)
	}
	if !liquidity.Equal(dec("0.02")) {
		t.Errorf("liquidity rate = %s, want 0.02", liquidity)
	}
}

func TestStrategyFromParams_RoundTrip(t *testing.T) {
	p := types.InterestStrategyParams{
		Kind:               StrategyKinked,
		BaseRate:           dec("0.02"),
		Slope1:             dec("0.07"),
		Slope2:             dec("0.45"),
		OptimalUtilization: dec("0.8"),
	}
	s, err := StrategyFromParams(p)
	if err != nil {
		t.Fatalf("StrategyFromParams: %v", err)
	}
	got := s.Params()
	if got.Kind != p.Kind || !got.Slope2.Equal(p.Slope2) || !got.OptimalUtilization.Equal(p.OptimalUtilization) {
		t.Errorf("Params round-trip = %+v, want %+v", got, p)
	}

	if _, err := StrategyFromParams(types.InterestStrategyParams{Kind: "cubic"}); err == nil {
		t.Error("unknown strategy kind must error")
	}
}

// ============================================================================
// Test: Accrual
// ============================================================================

func accrualMarket(t *testing.T) *Market {
	t.Helper()
	m, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", fullParams())
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func TestAccrue_NoOpAtSameTimestamp(t *testing.T) {
	m := accrualMarket(t)
	m.DebtTotalScaled = dec("500")

	Accrue(m, uint64(testTime.Unix()), dec("1000"))

	if !m.BorrowIndex.Equal(dec("1")) {
		t.Errorf("borrow index = %s, want unchanged 1", m.BorrowIndex)
	}
	if !m.BorrowRate.Equal(dec("0.2")) {
		t.Errorf("borrow rate = %s, want unchanged 0.2", m.BorrowRate)
	}
}

func TestAccrue_OneYearAtInitialRate(t *testing.T) {
	m := accrualMarket(t)
	m.DebtTotalScaled = dec("500")

	oneYearLater := uint64(testTime.Unix()) + 31_536_000
	Accrue(m, oneYearLater, dec("500"))

	// Borrow index compounds linearly at the 0.2 rate in effect over the
	// window: 1 * (1 + 0.2) = 1.2
	if !m.BorrowIndex.Equal(dec("1.2")) {
		t.Errorf("borrow index = %s, want 1.2", m.BorrowIndex)
	}

	// 500 scaled * 0.2 index delta = 100 interest, reserve_factor 0.2 => 20
	if !m.ProtocolIncomeToDistribute.Equal(dec("20")) {
		t.Errorf("protocol income = %s, want 20", m.ProtocolIncomeToDistribute)
	}

	// Rates recompute from post-accrual utilization: debt 600, liquidity 500,
	// u = 600/1100 below the 0.8 kink
	wantU := dec("600").Div(dec("1100"))
	wantBorrow := dec("0.02").Add(dec("0.07").Mul(wantU))
	if !m.BorrowRate.Equal(wantBorrow) {
		t.Errorf("borrow rate = %s, want %s", m.BorrowRate, wantBorrow)
	}

	if m.InterestsLastUpdated != oneYearLater {
		t.Errorf("last updated = %d, want %d", m.InterestsLastUpdated, oneYearLater)
	}
}

func TestAccrue_LiquidityIndexDampedByReserveFactor(t *testing.T) {
	m := accrualMarket(t)
	m.DebtTotalScaled = dec("500")
	m.LiquidityRate = dec("0.1")

	Accrue(m, uint64(testTime.Unix())+31_536_000, dec("500"))

	// Depositors earn liquidity_rate * (1 - reserve_factor) = 0.08
	if !m.LiquidityIndex.Equal(dec("1.08")) {
		t.Errorf("liquidity index = %s, want 1.08", m.LiquidityIndex)
	}
}

func TestAccrue_NoDebtNoIncome(t *testing.T) {
	m := accrualMarket(t)

	Accrue(m, uint64(testTime.Unix())+31_536_000, dec("1000"))

	if !m.ProtocolIncomeToDistribute.IsZero() {
		t.Errorf("protocol income = %s, want 0 with no debt", m.ProtocolIncomeToDistribute)
	}
	// With zero utilization the rate falls to the base rate
	if !m.BorrowRate.Equal(dec("0.02")) {
		t.Errorf("borrow rate = %s, want base 0.02", m.BorrowRate)
	}
}

func TestAccrue_BackwardsTimePanics(t *testing.T) {
	m := accrualMarket(t)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on backwards accrual time")
		}
	}()
	Accrue(m, uint64(testTime.Unix())-1, dec("1000"))
}
