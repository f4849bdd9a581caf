package state

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/types"
)

var testTime = time.Unix(1_700_000_000, 0)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func fullParams() types.AssetParams {
	return types.AssetParams{
		InitialBorrowRate: decPtr("0.2"),
		MaxLoanToValue:    decPtr("0.6"),
		ReserveFactor:     decPtr("0.2"),
		MaintenanceMargin: decPtr("0.75"),
		LiquidationBonus:  decPtr("0.1"),
		InterestStrategy: &types.InterestStrategyParams{
			Kind:               StrategyKinked,
			BaseRate:           dec("0.02"),
			Slope1:             dec("0.07"),
			Slope2:             dec("0.45"),
			OptimalUtilization: dec("0.8"),
		},
	}
}

// ============================================================================
// Test: Market Creation
// ============================================================================

func TestCreateMarket_FreshIndicesAndRate(t *testing.T) {
	m, err := CreateMarket(testTime, 3, "uusd", AssetNative, "", fullParams())
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	if m.Index != 3 || m.Denom != "uusd" {
		t.Errorf("identity = (%d, %s), want (3, uusd)", m.Index, m.Denom)
	}
	if !m.BorrowIndex.Equal(dec("1")) || !m.LiquidityIndex.Equal(dec("1")) {
		t.Error("indices must start at 1")
	}
	if !m.BorrowRate.Equal(dec("0.2")) {
		t.Errorf("borrow rate = %s, want the initial 0.2", m.BorrowRate)
	}
	if !m.LiquidityRate.IsZero() {
		t.Errorf("liquidity rate = %s, want 0 with no debt", m.LiquidityRate)
	}
	if m.InterestsLastUpdated != uint64(testTime.Unix()) {
		t.Errorf("last updated = %d, want %d", m.InterestsLastUpdated, testTime.Unix())
	}
}

// Every pointer field of AssetParams must be creation-mandatory. Nil each one
// out in turn and expect a ValidationError; a new field added to AssetParams
// without a corresponding check fails the count comparison.
func TestCreateMarket_AllParamsHandled(t *testing.T) {
	numFields := reflect.TypeOf(types.AssetParams{}).NumField()
	checks := requiredAssetParams(fullParams())
	if len(checks) != numFields {
		t.Fatalf("requiredAssetParams covers %d checks for %d AssetParams fields",
			len(checks), numFields)
	}

	for i := 0; i < numFields; i++ {
		params := fullParams()
		v := reflect.ValueOf(&params).Elem()
		fieldName := v.Type().Field(i).Name
		v.Field(i).Set(reflect.Zero(v.Field(i).Type()))

		_, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", params)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("nil %s: err = %v, want ValidationError", fieldName, err)
		}
	}
}

func TestCreateMarket_MaintenanceMarginAboveLoanToValue(t *testing.T) {
	params := fullParams()
	params.MaxLoanToValue = decPtr("0.8")
	params.MaintenanceMargin = decPtr("0.8")

	_, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", params)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "maintenance_margin" {
		t.Errorf("violated field = %q, want maintenance_margin", verr.Field)
	}
}

func TestCreateMarket_FractionBounds(t *testing.T) {
	params := fullParams()
	params.ReserveFactor = decPtr("1.5")

	_, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", params)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if verr.Field != "reserve_factor" {
		t.Errorf("violated field = %q, want reserve_factor", verr.Field)
	}
}

// ============================================================================
// Test: Partial Update
// ============================================================================

func TestUpdateWith_OverlaysOnlyProvided(t *testing.T) {
	m, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", fullParams())
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	updated, err := m.UpdateWith(types.AssetParams{LiquidationBonus: decPtr("0.25")})
	if err != nil {
		t.Fatalf("UpdateWith: %v", err)
	}

	if !updated.LiquidationBonus.Equal(dec("0.25")) {
		t.Errorf("bonus = %s, want 0.25", updated.LiquidationBonus)
	}
	if !updated.MaxLoanToValue.Equal(dec("0.6")) || !updated.MaintenanceMargin.Equal(dec("0.75")) {
		t.Error("untouched fields must survive the overlay")
	}
	// UpdateWith returns a copy; the original is untouched.
	if !m.LiquidationBonus.Equal(dec("0.1")) {
		t.Error("original market mutated by UpdateWith")
	}
}

func TestUpdateWith_InconsistentMergeRejectedWhole(t *testing.T) {
	m, err := CreateMarket(testTime, 0, "uusd", AssetNative, "", fullParams())
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	// 0.8 is a valid fraction but collides with the 0.75 maintenance margin.
	_, err = m.UpdateWith(types.AssetParams{MaxLoanToValue: decPtr("0.8")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !m.MaxLoanToValue.Equal(dec("0.6")) {
		t.Error("rejected update must not mutate the market")
	}
}

// ============================================================================
// Test: Asset Kind
// ============================================================================

func TestParseAssetKind(t *testing.T) {
	if k, err := ParseAssetKind("native"); err != nil || k != AssetNative {
		t.Errorf("native = (%v, %v)", k, err)
	}
	if k, err := ParseAssetKind("token"); err != nil || k != AssetToken {
		t.Errorf("token = (%v, %v)", k, err)
	}
	if _, err := ParseAssetKind("shares"); err == nil {
		t.Error("unknown kind must error")
	}
}

// ============================================================================
// Test: Registry
// ============================================================================

func TestRegistry_DenseIndexAllocation(t *testing.T) {
	r := NewMarketRegistry()

	for i, denom := range []string{"uusd", "uluna", "umars"} {
		m, err := r.Create(testTime, denom, AssetNative, "", fullParams())
		if err != nil {
			t.Fatalf("create %s: %v", denom, err)
		}
		if m.Index != uint32(i) {
			t.Errorf("%s index = %d, want %d", denom, m.Index, i)
		}
	}

	if r.Count() != 3 {
		t.Errorf("count = %d, want 3", r.Count())
	}

	m, err := r.GetByIndex(1)
	if err != nil || m.Denom != "uluna" {
		t.Errorf("GetByIndex(1) = (%v, %v), want uluna", m, err)
	}

	all := r.All()
	for i, m := range all {
		if m.Index != uint32(i) {
			t.Errorf("All()[%d].Index = %d, want sorted dense order", i, m.Index)
		}
	}
}

func TestRegistry_DuplicateDenom(t *testing.T) {
	r := NewMarketRegistry()
	if _, err := r.Create(testTime, "uusd", AssetNative, "", fullParams()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := r.Create(testTime, "uusd", AssetNative, "", fullParams())
	if !errors.Is(err, ErrMarketExists) {
		t.Fatalf("err = %v, want ErrMarketExists", err)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1 after rejected create", r.Count())
	}
}

func TestRegistry_TokenLookup(t *testing.T) {
	r := NewMarketRegistry()
	if _, err := r.Create(testTime, "astro", AssetToken, "terra1token", fullParams()); err != nil {
		t.Fatalf("create: %v", err)
	}

	m, err := r.GetByToken("terra1token")
	if err != nil || m.Denom != "astro" {
		t.Errorf("GetByToken = (%v, %v), want astro", m, err)
	}
	if _, err := r.GetByToken("terra1other"); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("unknown token err = %v, want ErrMarketNotFound", err)
	}
}

// ============================================================================
// Test: Price Cache
// ============================================================================

func TestPriceCache_StaleSequenceIgnored(t *testing.T) {
	pc := NewPriceCache()

	if err := pc.Update("uusd", dec("1"), 10, testTime.UnixMicro()); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Stale and equal sequences are no-ops, not errors
	if err := pc.Update("uusd", dec("2"), 10, testTime.UnixMicro()); err != nil {
		t.Fatalf("equal sequence: %v", err)
	}
	if err := pc.Update("uusd", dec("3"), 4, testTime.UnixMicro()); err != nil {
		t.Fatalf("stale sequence: %v", err)
	}

	price, ok := pc.Get("uusd")
	if !ok || !price.Equal(dec("1")) {
		t.Errorf("price = (%s, %v), want 1 from sequence 10", price, ok)
	}

	if err := pc.Update("uusd", dec("0"), 11, testTime.UnixMicro()); err == nil {
		t.Error("non-positive price must error")
	}
}

// ============================================================================
// Test: Loan Limits
// ============================================================================

func TestLoanLimits_ZeroRevokes(t *testing.T) {
	ll := NewLoanLimits()

	ll.Set("uusd", "dao", dec("1000"))
	if limit, ok := ll.Get("uusd", "dao"); !ok || !limit.Equal(dec("1000")) {
		t.Errorf("limit = (%s, %v), want 1000", limit, ok)
	}

	ll.Set("uusd", "dao", dec("0"))
	if _, ok := ll.Get("uusd", "dao"); ok {
		t.Error("zero limit must revoke the credit line")
	}
}

func TestLoanLimits_AllDeterministicOrder(t *testing.T) {
	ll := NewLoanLimits()
	ll.Set("uluna", "bob", dec("1"))
	ll.Set("uusd", "alice", dec("2"))
	ll.Set("uluna", "alice", dec("3"))

	all := ll.All()
	want := []LimitKey{
		{Denom: "uluna", User: "alice"},
		{Denom: "uluna", User: "bob"},
		{Denom: "uusd", User: "alice"},
	}
	if len(all) != len(want) {
		t.Fatalf("len = %d, want %d", len(all), len(want))
	}
	for i, e := range all {
		if e.Denom != want[i].Denom || e.User != want[i].User {
			t.Errorf("All()[%d] = (%s, %s), want (%s, %s)",
				i, e.Denom, e.User, want[i].Denom, want[i].User)
		}
	}
}
