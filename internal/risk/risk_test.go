package risk

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/ledger"
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

type fixture struct {
	ledger   *ledger.ScaledLedger
	registry *state.MarketRegistry
	prices   *state.PriceCache
	health   *HealthCalculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   ledger.NewScaledLedger(),
		registry: state.NewMarketRegistry(),
		prices:   state.NewPriceCache(),
	}
	f.health = NewHealthCalculator(f.ledger, f.registry, f.prices)
	return f
}

func (f *fixture) addMarket(t *testing.T, index uint32, denom, ltv, margin, price string) *state.Market {
	t.Helper()
	m := &state.Market{
		Index:             index,
		Denom:             denom,
		BorrowIndex:       fpmath.One,
		LiquidityIndex:    fpmath.One,
		MaxLoanToValue:    dec(ltv),
		MaintenanceMargin: dec(margin),
		DebtTotalScaled:   fpmath.Zero,
	}
	f.registry.SetMarket(m)
	f.registry.SetMarketCount(index + 1)
	if err := f.prices.Update(denom, dec(price), int64(index)+1, 0); err != nil {
		t.Fatalf("price update: %v", err)
	}
	return m
}

func TestEvaluateEmptyPosition(t *testing.T) {
	f := newFixture(t)

	pos, err := f.health.Evaluate("nobody", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.CollateralValue.IsZero() || !pos.DebtValue.IsZero() {
		t.Fatalf("empty user should have zero position, got %+v", pos)
	}
	if _, ok := pos.HealthFactor(); ok {
		t.Fatal("health factor should be undefined without debt")
	}
}

func TestBorrowLimitUsesLoanToValue(t *testing.T) {
	f := newFixture(t)
	usd := f.addMarket(t, 0, "uusd", "0.6", "0.75", "1")

	if _, err := f.ledger.IncreaseCollateral(usd, "alice", dec("1000"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pos, err := f.health.Evaluate("alice", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.MaxBorrowValue.Equal(dec("600")) {
		t.Fatalf("max borrow value = %s, want 600", pos.MaxBorrowValue)
	}
	if !pos.LiquidationThreshold.Equal(dec("750")) {
		t.Fatalf("liquidation threshold = %s, want 750", pos.LiquidationThreshold)
	}

	// 700 breaches the 0.6 loan-to-value limit, 500 does not
	if pos.CanBorrow(dec("700")) {
		t.Fatal("borrow of 700 against 600 limit should be rejected")
	}
	if !pos.CanBorrow(dec("500")) {
		t.Fatal("borrow of 500 against 600 limit should be allowed")
	}
}

func TestLiquidatableOnlyPastMaintenanceMargin(t *testing.T) {
	f := newFixture(t)
	usd := f.addMarket(t, 0, "uusd", "0.6", "0.75", "1")
	luna := f.addMarket(t, 1, "uluna", "0.5", "0.65", "10")

	if _, err := f.ledger.IncreaseCollateral(luna, "bob", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.ledger.IncreaseCollateral(usd, "whale", dec("10000"), true); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	if _, err := f.ledger.IncreaseDebt(usd, "bob", dec("500"), false); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// collateral 100 uluna * 10 = 1000, threshold 650, debt 500: healthy
	pos, err := f.health.Evaluate("bob", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if pos.Liquidatable() {
		t.Fatal("healthy position flagged liquidatable")
	}
	hf, ok := pos.HealthFactor()
	if !ok || !hf.Equal(dec("1.3")) {
		t.Fatalf("health factor = %s ok=%v, want 1.3", hf, ok)
	}

	// collateral price halves: threshold 325 < debt 500
	if err := f.prices.Update("uluna", dec("5"), 10, 1); err != nil {
		t.Fatalf("price update: %v", err)
	}
	pos, err = f.health.Evaluate("bob", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.Liquidatable() {
		t.Fatal("underwater position not flagged liquidatable")
	}
}

func TestEvaluateMissingPrice(t *testing.T) {
	f := newFixture(t)
	m := &state.Market{
		Index:           0,
		Denom:           "uusd",
		BorrowIndex:     fpmath.One,
		LiquidityIndex:  fpmath.One,
		DebtTotalScaled: fpmath.Zero,
	}
	f.registry.SetMarket(m)
	f.registry.SetMarketCount(1)

	if _, err := f.ledger.IncreaseCollateral(m, "alice", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	_, err := f.health.Evaluate("alice", time.Unix(0, 0))
	if !errors.Is(err, state.ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
}

func TestEvaluateProjectsStaleMarketIndices(t *testing.T) {
	f := newFixture(t)
	luna := f.addMarket(t, 0, "uluna", "0.5", "0.65", "10")
	usd := f.addMarket(t, 1, "uusd", "0.6", "0.75", "1")
	usd.BorrowRate = dec("0.2")

	if _, err := f.ledger.IncreaseCollateral(luna, "bob", dec("100"), true); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.ledger.IncreaseCollateral(usd, "whale", dec("10000"), true); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
	if _, err := f.ledger.IncreaseDebt(usd, "bob", dec("600"), false); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	// At the markets' own timestamps: debt 600 against threshold 650.
	pos, err := f.health.Evaluate("bob", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.DebtValue.Equal(dec("600")) {
		t.Fatalf("debt value = %s, want 600", pos.DebtValue)
	}
	if pos.Liquidatable() {
		t.Fatal("healthy position flagged liquidatable")
	}

	// One year on, the un-accrued uusd market's 0.2 borrow rate must still
	// show up: 600 * 1.2 = 720 > 650.
	pos, err = f.health.Evaluate("bob", time.Unix(31_536_000, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.DebtValue.Equal(dec("720")) {
		t.Fatalf("projected debt value = %s, want 720", pos.DebtValue)
	}
	if !pos.Liquidatable() {
		t.Fatal("projected interest must flag the position liquidatable")
	}
}

func TestEvaluateSkipsDisabledCollateral(t *testing.T) {
	f := newFixture(t)
	usd := f.addMarket(t, 0, "uusd", "0.6", "0.75", "1")

	if _, err := f.ledger.IncreaseCollateral(usd, "dao", dec("1000"), false); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	pos, err := f.health.Evaluate("dao", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !pos.CollateralValue.IsZero() || !pos.MaxBorrowValue.IsZero() {
		t.Fatalf("disabled collateral must not count, got %+v", pos)
	}
	if got := f.ledger.CollateralOf(usd, "dao"); !got.Equal(dec("1000")) {
		t.Fatalf("scaled balance = %s, want 1000", got)
	}
}

// === Liquidation planning ===

func TestPlanLiquidationCloseFactorClamp(t *testing.T) {
	plan := PlanLiquidation(
		dec("1000"),  // offered
		dec("800"),   // borrower debt
		dec("10000"), // borrower collateral
		dec("0.5"),   // close factor
		dec("0.1"),   // bonus
		dec("1"),     // debt price
		dec("1"),     // collateral price
	)

	if !plan.RepayAmount.Equal(dec("400")) {
		t.Fatalf("repay = %s, want 400 (close factor clamp)", plan.RepayAmount)
	}
	if !plan.Refund.Equal(dec("600")) {
		t.Fatalf("refund = %s, want 600", plan.Refund)
	}
	// 400 * 1 * 1.1 / 1 = 440
	if !plan.SeizedCollateral.Equal(dec("440")) {
		t.Fatalf("seized = %s, want 440", plan.SeizedCollateral)
	}
}

func TestPlanLiquidationCollateralCapReducesRepay(t *testing.T) {
	plan := PlanLiquidation(
		dec("400"),
		dec("800"),
		dec("220"), // only 220 collateral available
		dec("0.5"),
		dec("0.1"),
		dec("1"),
		dec("1"),
	)

	if !plan.SeizedCollateral.Equal(dec("220")) {
		t.Fatalf("seized = %s, want 220 (capped)", plan.SeizedCollateral)
	}
	// 220 / 1.1 = 200 repaid, 200 refunded
	if !plan.RepayAmount.Equal(dec("200")) {
		t.Fatalf("repay = %s, want 200", plan.RepayAmount)
	}
	if !plan.Refund.Equal(dec("200")) {
		t.Fatalf("refund = %s, want 200", plan.Refund)
	}
}

func TestPlanLiquidationCrossPriced(t *testing.T) {
	plan := PlanLiquidation(
		dec("100"),
		dec("1000"),
		dec("500"),
		dec("0.5"),
		dec("0.05"),
		dec("2"),  // debt priced at 2
		dec("10"), // collateral priced at 10
	)

	if !plan.RepayAmount.Equal(dec("100")) {
		t.Fatalf("repay = %s, want 100", plan.RepayAmount)
	}
	// 100 * 2 * 1.05 / 10 = 21
	if !plan.SeizedCollateral.Equal(dec("21")) {
		t.Fatalf("seized = %s, want 21", plan.SeizedCollateral)
	}
	if !plan.Refund.IsZero() {
		t.Fatalf("refund = %s, want 0", plan.Refund)
	}
}
