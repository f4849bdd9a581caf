package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/state"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testMarket(index uint32, denom string) *state.Market {
	return &state.Market{
		Index:           index,
		Denom:           denom,
		BorrowIndex:     fpmath.One,
		LiquidityIndex:  fpmath.One,
		DebtTotalScaled: fpmath.Zero,
	}
}

// === Collateral ===

func TestDepositWithdrawRoundTrip(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")
	m.LiquidityIndex = dec("1.1")

	if _, err := l.IncreaseCollateral(m, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// trunc(1000/1.1) = 909 scaled, worth trunc(909*1.1) = 999 underlying
	if got := l.CollateralOf(m, "alice"); !got.Equal(dec("909")) {
		t.Fatalf("scaled collateral = %s, want 909", got)
	}
	if got := l.CollateralUnderlying(m, "alice"); !got.Equal(dec("999")) {
		t.Fatalf("underlying collateral = %s, want 999", got)
	}

	// zero amount withdraws everything
	change, err := l.DecreaseCollateral(m, "alice", fpmath.Zero)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !change.Underlying.Equal(dec("999")) {
		t.Fatalf("withdrawn underlying = %s, want 999", change.Underlying)
	}
	if !l.CollateralOf(m, "alice").IsZero() {
		t.Fatal("collateral should be zero after full withdraw")
	}
	if u := l.UserOf("alice"); u == nil || u.Collateral.Has(m.Index) {
		t.Fatal("collateral bit should be cleared after full withdraw")
	}
	// 1 unit of truncation dust stays in the pool
	if got := l.AvailableLiquidity("uusd"); !got.Equal(dec("1")) {
		t.Fatalf("pool liquidity = %s, want 1", got)
	}
}

func TestWithdrawExceedsBalance(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "alice", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := l.DecreaseCollateral(m, "alice", dec("101"))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestWithdrawExceedsPoolLiquidity(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "alice", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.IncreaseDebt(m, "bob", dec("60"), false); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// alice's balance covers 100 but the pool only holds 40
	_, err := l.DecreaseCollateral(m, "alice", dec("50"))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestDisabledCollateralKeepsBitClear(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "dao", dec("500"), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := l.CollateralOf(m, "dao"); !got.Equal(dec("500")) {
		t.Fatalf("scaled collateral = %s, want 500", got)
	}
	if u := l.UserOf("dao"); u == nil || u.Collateral.Has(m.Index) {
		t.Fatal("disabled deposit must not set the collateral bit")
	}

	// The balance still withdraws normally and clears its marker on zero.
	change, err := l.DecreaseCollateral(m, "dao", fpmath.Zero)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !change.Underlying.Equal(dec("500")) {
		t.Fatalf("withdrawn underlying = %s, want 500", change.Underlying)
	}
	if len(l.disabledCollateral) != 0 {
		t.Fatal("disabled marker should be gone after full withdraw")
	}
}

func TestEnabledCollateralNotDemotedByLaterDisabledDeposit(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "dao", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.IncreaseCollateral(m, "dao", dec("100"), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if u := l.UserOf("dao"); u == nil || !u.Collateral.Has(m.Index) {
		t.Fatal("backing collateral must stay enabled")
	}
}

// === Debt ===

func TestBorrowRepayFull(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")
	m.BorrowIndex = dec("1.25")

	if _, err := l.IncreaseCollateral(m, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	change, err := l.IncreaseDebt(m, "bob", dec("500"), false)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// trunc(500/1.25) = 400 scaled
	if !change.Scaled.Equal(dec("400")) {
		t.Fatalf("scaled debt delta = %s, want 400", change.Scaled)
	}
	if !m.DebtTotalScaled.Equal(dec("400")) {
		t.Fatalf("market debt total = %s, want 400", m.DebtTotalScaled)
	}
	if got := l.AvailableLiquidity("uusd"); !got.Equal(dec("500")) {
		t.Fatalf("pool liquidity = %s, want 500", got)
	}
	if u := l.UserOf("bob"); u == nil || !u.Borrowed.Has(m.Index) {
		t.Fatal("borrow bit should be set")
	}

	// zero amount repays everything
	change, err = l.DecreaseDebt(m, "bob", fpmath.Zero)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if !change.Underlying.Equal(dec("500")) {
		t.Fatalf("repaid underlying = %s, want 500", change.Underlying)
	}
	if !m.DebtTotalScaled.IsZero() {
		t.Fatalf("market debt total = %s, want 0", m.DebtTotalScaled)
	}
	if u := l.UserOf("bob"); u.Borrowed.Has(m.Index) {
		t.Fatal("borrow bit should be cleared after full repay")
	}
	if got := l.DebtOf(m, "bob"); !got.AmountScaled.IsZero() {
		t.Fatalf("debt record should be gone, got %s", got.AmountScaled)
	}
}

func TestBorrowExceedsLiquidity(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "alice", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := l.IncreaseDebt(m, "bob", dec("101"), false)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestTinyBorrowRoundsScaledDebtUp(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")
	m.BorrowIndex = dec("2")

	if _, err := l.IncreaseCollateral(m, "alice", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	change, err := l.IncreaseDebt(m, "bob", dec("1"), false)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// trunc(1/2) would be 0; no borrow may be free
	if !change.Scaled.Equal(fpmath.One) {
		t.Fatalf("scaled debt = %s, want 1", change.Scaled)
	}
}

func TestUncollateralizedDebtRecordPersists(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.IncreaseDebt(m, "bob", dec("100"), true); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := l.DecreaseDebt(m, "bob", fpmath.Zero); err != nil {
		t.Fatalf("repay: %v", err)
	}

	debt := l.DebtOf(m, "bob")
	if !debt.Uncollateralized {
		t.Fatal("uncollateralized record should survive full repay")
	}
	if !debt.AmountScaled.IsZero() {
		t.Fatalf("scaled debt = %s, want 0", debt.AmountScaled)
	}
	if u := l.UserOf("bob"); u.Borrowed.Has(m.Index) {
		t.Fatal("borrow bit should still clear at zero balance")
	}
}

// === Seizure ===

func TestSeizeCollateralTransfersOwnership(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uluna")

	if _, err := l.IncreaseCollateral(m, "bob", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := l.AvailableLiquidity("uluna")

	if _, err := l.SeizeCollateral(m, "bob", "carol", dec("40")); err != nil {
		t.Fatalf("seize: %v", err)
	}

	if got := l.CollateralOf(m, "bob"); !got.Equal(dec("60")) {
		t.Fatalf("bob collateral = %s, want 60", got)
	}
	if got := l.CollateralOf(m, "carol"); !got.Equal(dec("40")) {
		t.Fatalf("carol collateral = %s, want 40", got)
	}
	if u := l.UserOf("carol"); u == nil || !u.Collateral.Has(m.Index) {
		t.Fatal("carol's collateral bit should be set")
	}
	if !l.AvailableLiquidity("uluna").Equal(before) {
		t.Fatal("seizure must not move pool liquidity")
	}
}

func TestSeizeExceedsCollateral(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uluna")

	if _, err := l.IncreaseCollateral(m, "bob", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := l.SeizeCollateral(m, "bob", "carol", dec("101"))
	if !errors.Is(err, state.ErrExceedsCollateral) {
		t.Fatalf("err = %v, want ErrExceedsCollateral", err)
	}
}

// === Snapshot ===

func TestSnapshotRestore(t *testing.T) {
	l := NewScaledLedger()
	m := testMarket(0, "uusd")

	if _, err := l.IncreaseCollateral(m, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.IncreaseDebt(m, "bob", dec("400"), false); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := l.IncreaseCollateral(m, "dao", dec("50"), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	snap := l.Snapshot()

	if _, err := l.DecreaseDebt(m, "bob", dec("400")); err != nil {
		t.Fatalf("repay: %v", err)
	}

	restored := NewScaledLedger()
	restored.Restore(snap)

	if got := restored.DebtOf(m, "bob").AmountScaled; !got.Equal(dec("400")) {
		t.Fatalf("restored debt = %s, want 400", got)
	}
	if got := restored.AvailableLiquidity("uusd"); !got.Equal(dec("650")) {
		t.Fatalf("restored liquidity = %s, want 650", got)
	}
	if u := restored.UserOf("bob"); u == nil || !u.Borrowed.Has(m.Index) {
		t.Fatal("restored borrow bit should be set")
	}
	if !restored.disabledCollateral[AccountKey{Denom: "uusd", User: "dao"}] {
		t.Fatal("restored disabled-collateral marker should survive")
	}

	// snapshot must be independent of the live ledger
	if got := l.DebtOf(m, "bob").AmountScaled; !got.IsZero() {
		t.Fatalf("live debt = %s, want 0", got)
	}
}

// === Invariant validator ===

func TestInvariantValidator(t *testing.T) {
	l := NewScaledLedger()
	reg := state.NewMarketRegistry()
	m := testMarket(0, "uusd")
	reg.SetMarket(m)
	reg.SetMarketCount(1)

	if _, err := l.IncreaseCollateral(m, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := l.IncreaseDebt(m, "bob", dec("300"), false); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	v := NewInvariantValidator(l, reg)
	if err := v.Validate(); err != nil {
		t.Fatalf("consistent ledger flagged: %v", err)
	}

	// corrupt the aggregate
	m.DebtTotalScaled = m.DebtTotalScaled.Add(fpmath.One)
	if err := v.Validate(); err == nil {
		t.Fatal("debt total mismatch not detected")
	}
	m.DebtTotalScaled = m.DebtTotalScaled.Sub(fpmath.One)

	// corrupt a bitmap
	l.UserOf("bob").Collateral.Set(m.Index)
	if err := v.Validate(); err == nil {
		t.Fatal("bitmap mismatch not detected")
	}
}
