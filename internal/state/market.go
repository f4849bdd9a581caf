package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/types"
)

// AssetKind distinguishes host-native coins from external token contracts.
type AssetKind uint8

const (
	AssetNative AssetKind = iota
	AssetToken
)

func (k AssetKind) String() string {
	switch k {
	case AssetNative:
		return "native"
	case AssetToken:
		return "token"
	default:
		return "unknown"
	}
}

// ParseAssetKind maps the wire representation to an AssetKind.
func ParseAssetKind(s string) (AssetKind, error) {
	switch s {
	case "native", "":
		return AssetNative, nil
	case "token":
		return AssetToken, nil
	default:
		return AssetNative, &ValidationError{Field: "asset_kind", Reason: fmt.Sprintf("unknown kind %q", s)}
	}
}

// Market is the per-asset pool state. Scaled quantities are normalized by the
// market's compounding indices; underlying quantities are integer-valued.
type Market struct {
	// Dense index, stable for the market's lifetime (bit position in user
	// position bitmaps)
	Index uint32
	Denom string
	// Address of the external pool-share token representing deposits
	TokenAddress string
	AssetKind    AssetKind

	BorrowIndex    decimal.Decimal
	LiquidityIndex decimal.Decimal
	BorrowRate     decimal.Decimal
	LiquidityRate  decimal.Decimal

	MaxLoanToValue    decimal.Decimal
	ReserveFactor     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	LiquidationBonus  decimal.Decimal

	// Unix seconds of the last index/rate accrual
	InterestsLastUpdated uint64

	// Sum of all users' scaled debt in this market
	DebtTotalScaled decimal.Decimal

	// Accrued, undistributed protocol revenue in underlying units
	ProtocolIncomeToDistribute decimal.Decimal

	InterestStrategy InterestStrategy
}

// requiredAssetParams lists the creation-mandatory fields in reporting order.
// Adding a field to AssetParams without handling it here is caught by
// TestCreateMarket_AllParamsHandled.
func requiredAssetParams(p types.AssetParams) []fieldCheck {
	return []fieldCheck{
		{p.InitialBorrowRate != nil, "initial_borrow_rate", "required at initialization"},
		{p.MaxLoanToValue != nil, "max_loan_to_value", "required at initialization"},
		{p.ReserveFactor != nil, "reserve_factor", "required at initialization"},
		{p.MaintenanceMargin != nil, "maintenance_margin", "required at initialization"},
		{p.LiquidationBonus != nil, "liquidation_bonus", "required at initialization"},
		{p.InterestStrategy != nil, "interest_rate_strategy", "required at initialization"},
	}
}

// CreateMarket initializes a new market. Every risk parameter must be present;
// indices start at 1, the borrow rate starts at the supplied initial rate.
func CreateMarket(
	blockTime time.Time,
	index uint32,
	denom string,
	kind AssetKind,
	tokenAddress string,
	params types.AssetParams,
) (*Market, error) {
	if err := allConditionsValid(requiredAssetParams(params)); err != nil {
		return nil, err
	}

	strategy, err := StrategyFromParams(*params.InterestStrategy)
	if err != nil {
		return nil, err
	}

	m := &Market{
		Index:                      index,
		Denom:                      denom,
		TokenAddress:               tokenAddress,
		AssetKind:                  kind,
		BorrowIndex:                fpmath.One,
		LiquidityIndex:             fpmath.One,
		BorrowRate:                 *params.InitialBorrowRate,
		LiquidityRate:              fpmath.Zero,
		MaxLoanToValue:             *params.MaxLoanToValue,
		ReserveFactor:              *params.ReserveFactor,
		MaintenanceMargin:          *params.MaintenanceMargin,
		LiquidationBonus:           *params.LiquidationBonus,
		InterestsLastUpdated:       uint64(blockTime.Unix()),
		DebtTotalScaled:            fpmath.Zero,
		ProtocolIncomeToDistribute: fpmath.Zero,
		InterestStrategy:           strategy,
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateWith overlays only the provided parameters and re-runs full
// validation on the merged market. A partial update that leaves the merged
// result inconsistent is rejected whole.
func (m Market) UpdateWith(params types.AssetParams) (*Market, error) {
	updated := m
	if params.MaxLoanToValue != nil {
		updated.MaxLoanToValue = *params.MaxLoanToValue
	}
	if params.ReserveFactor != nil {
		updated.ReserveFactor = *params.ReserveFactor
	}
	if params.MaintenanceMargin != nil {
		updated.MaintenanceMargin = *params.MaintenanceMargin
	}
	if params.LiquidationBonus != nil {
		updated.LiquidationBonus = *params.LiquidationBonus
	}
	if params.InterestStrategy != nil {
		strategy, err := StrategyFromParams(*params.InterestStrategy)
		if err != nil {
			return nil, err
		}
		updated.InterestStrategy = strategy
	}

	if err := updated.validate(); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (m *Market) validate() error {
	if err := m.InterestStrategy.Validate(); err != nil {
		return err
	}

	if err := allConditionsValid([]fieldCheck{
		{fpmath.IsFraction(m.MaxLoanToValue), "max_loan_to_value", "must be a fraction in [0, 1]"},
		{fpmath.IsFraction(m.ReserveFactor), "reserve_factor", "must be a fraction in [0, 1]"},
		{fpmath.IsFraction(m.MaintenanceMargin), "maintenance_margin", "must be a fraction in [0, 1]"},
		{fpmath.IsFraction(m.LiquidationBonus), "liquidation_bonus", "must be a fraction in [0, 1]"},
	}); err != nil {
		return err
	}

	// The liquidation threshold must be strictly looser than borrowing power,
	// otherwise a fresh max borrow would be instantly liquidatable.
	if m.MaintenanceMargin.Cmp(m.MaxLoanToValue) <= 0 {
		return &ValidationError{
			Field: "maintenance_margin",
			Reason: fmt.Sprintf("must be greater than max_loan_to_value (%s <= %s)",
				m.MaintenanceMargin, m.MaxLoanToValue),
		}
	}

	return nil
}

// DebtTotal returns the market's total debt in underlying units at the
// current borrow index.
func (m *Market) DebtTotal() decimal.Decimal {
	return fpmath.UnderlyingFromScaled(m.DebtTotalScaled, m.BorrowIndex)
}
