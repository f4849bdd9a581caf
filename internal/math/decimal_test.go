package math_test

import (
	"testing"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ============================================================================
// Test: scaled <-> underlying conversion
// ============================================================================

func TestScaledRoundTrip_IndexOne(t *testing.T) {
	amount := dec("1000")
	scaled := fpmath.ScaledFromUnderlying(amount, fpmath.One)
	back := fpmath.UnderlyingFromScaled(scaled, fpmath.One)

	if !back.Equal(amount) {
		t.Errorf("round trip at index 1: got %s, want %s", back, amount)
	}
}

func TestScaledRoundTrip_TruncatesDown(t *testing.T) {
	// 1000 / 1.1 = 909.09... -> scaled 909; 909 * 1.1 = 999.9 -> 999.
	// The user never gets back more than they put in.
	index := dec("1.1")
	amount := dec("1000")

	scaled := fpmath.ScaledFromUnderlying(amount, index)
	if !scaled.Equal(dec("909")) {
		t.Errorf("scaled: got %s, want 909", scaled)
	}

	back := fpmath.UnderlyingFromScaled(scaled, index)
	if back.GreaterThan(amount) {
		t.Errorf("round trip credited user: got %s > %s", back, amount)
	}
	if !back.Equal(dec("999")) {
		t.Errorf("descaled: got %s, want 999", back)
	}
}

func TestUnderlyingFromScaled_GrowsWithIndex(t *testing.T) {
	scaled := dec("500")

	atOne := fpmath.UnderlyingFromScaled(scaled, fpmath.One)
	atLater := fpmath.UnderlyingFromScaled(scaled, dec("1.25"))

	if !atOne.Equal(dec("500")) {
		t.Errorf("at index 1: got %s, want 500", atOne)
	}
	if !atLater.Equal(dec("625")) {
		t.Errorf("at index 1.25: got %s, want 625", atLater)
	}
}

func TestDivTrunc_TowardZero(t *testing.T) {
	got := fpmath.DivTrunc(dec("7"), dec("2"))
	if !got.Equal(dec("3")) {
		t.Errorf("7/2: got %s, want 3", got)
	}
}

// ============================================================================
// Test: interest factor and index compounding
// ============================================================================

func TestLinearInterestFactor_ZeroElapsed(t *testing.T) {
	factor := fpmath.LinearInterestFactor(dec("0.25"), 0)
	if !factor.Equal(fpmath.One) {
		t.Errorf("zero elapsed: got %s, want 1", factor)
	}
}

func TestLinearInterestFactor_FullYear(t *testing.T) {
	factor := fpmath.LinearInterestFactor(dec("0.10"), fpmath.SecondsPerYear)
	if !factor.Equal(dec("1.1")) {
		t.Errorf("10%% over a year: got %s, want 1.1", factor)
	}
}

func TestCompoundIndex_NonDecreasing(t *testing.T) {
	index := fpmath.One
	rate := dec("0.05")

	for i := 0; i < 10; i++ {
		next := fpmath.CompoundIndex(index, rate, 3600)
		if next.LessThan(index) {
			t.Fatalf("index decreased: %s -> %s", index, next)
		}
		index = next
	}

	if !index.GreaterThan(fpmath.One) {
		t.Errorf("index did not grow after 10 accruals: %s", index)
	}
}

func TestCompoundIndex_ZeroRateIsIdentity(t *testing.T) {
	index := dec("1.234")
	next := fpmath.CompoundIndex(index, fpmath.Zero, 86400)
	if !next.Equal(index) {
		t.Errorf("zero rate: got %s, want %s", next, index)
	}
}

// ============================================================================
// Test: utilization
// ============================================================================

func TestUtilization_EmptyPool(t *testing.T) {
	u := fpmath.Utilization(fpmath.Zero, fpmath.Zero)
	if !u.IsZero() {
		t.Errorf("empty pool utilization: got %s, want 0", u)
	}
}

func TestUtilization_HalfBorrowed(t *testing.T) {
	u := fpmath.Utilization(dec("500"), dec("500"))
	if !u.Equal(dec("0.5")) {
		t.Errorf("got %s, want 0.5", u)
	}
}

func TestUtilization_FullyBorrowed(t *testing.T) {
	u := fpmath.Utilization(dec("800"), fpmath.Zero)
	if !u.Equal(fpmath.One) {
		t.Errorf("got %s, want 1", u)
	}
}

// ============================================================================
// Test: fraction check
// ============================================================================

func TestIsFraction(t *testing.T) {
	if !fpmath.IsFraction(dec("0")) || !fpmath.IsFraction(dec("1")) || !fpmath.IsFraction(dec("0.55")) {
		t.Error("values in [0,1] should be fractions")
	}
	if fpmath.IsFraction(dec("1.01")) {
		t.Error("1.01 should not be a fraction")
	}
	if fpmath.IsFraction(dec("-0.1")) {
		t.Error("-0.1 should not be a fraction")
	}
}
