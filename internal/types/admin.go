package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InterestStrategyParams carries the pluggable rate-curve parameters supplied
// at asset creation or update. Kind selects the curve shape.
type InterestStrategyParams struct {
	Kind               string          `json:"kind"` // "kinked" or "linear"
	BaseRate           decimal.Decimal `json:"base_rate"`
	Slope1             decimal.Decimal `json:"slope_1"`
	Slope2             decimal.Decimal `json:"slope_2"`
	OptimalUtilization decimal.Decimal `json:"optimal_utilization"`
}

// AssetParams is the init/update parameter set for a market. Every field is
// optional so the same struct serves both paths: init_asset requires all of
// them present, update_asset overlays only the provided ones.
type AssetParams struct {
	InitialBorrowRate *decimal.Decimal        `json:"initial_borrow_rate,omitempty"`
	MaxLoanToValue    *decimal.Decimal        `json:"max_loan_to_value,omitempty"`
	ReserveFactor     *decimal.Decimal        `json:"reserve_factor,omitempty"`
	MaintenanceMargin *decimal.Decimal        `json:"maintenance_margin,omitempty"`
	LiquidationBonus  *decimal.Decimal        `json:"liquidation_bonus,omitempty"`
	InterestStrategy  *InterestStrategyParams `json:"interest_rate_strategy,omitempty"`
}

type InitAsset struct {
	CommandID    uuid.UUID
	Sender       string
	Denom        string
	AssetKind    string // "native" or "token"
	TokenAddress string // pool-share token representation address
	Params       AssetParams
	BlockTime    time.Time
	Sequence     int64
}

func (c *InitAsset) IdempotencyKey() string   { return c.CommandID.String() }
func (c *InitAsset) CommandType() CommandType { return CommandTypeInitAsset }
func (c *InitAsset) Asset() *string           { return &c.Denom }
func (c *InitAsset) SourceSequence() int64    { return c.Sequence }
func (c *InitAsset) Time() time.Time          { return c.BlockTime }

type UpdateAsset struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	Params    AssetParams
	BlockTime time.Time
	Sequence  int64
}

func (c *UpdateAsset) IdempotencyKey() string   { return c.CommandID.String() }
func (c *UpdateAsset) CommandType() CommandType { return CommandTypeUpdateAsset }
func (c *UpdateAsset) Asset() *string           { return &c.Denom }
func (c *UpdateAsset) SourceSequence() int64    { return c.Sequence }
func (c *UpdateAsset) Time() time.Time          { return c.BlockTime }

type UpdateConfig struct {
	CommandID             uuid.UUID
	Sender                string
	Owner                 *string
	CloseFactor           *decimal.Decimal
	InsuranceFundFeeShare *decimal.Decimal
	TreasuryFeeShare      *decimal.Decimal
	MinRepayDust          *decimal.Decimal
	BlockTime             time.Time
	Sequence              int64
}

func (c *UpdateConfig) IdempotencyKey() string   { return c.CommandID.String() }
func (c *UpdateConfig) CommandType() CommandType { return CommandTypeUpdateConfig }
func (c *UpdateConfig) Asset() *string           { return nil }
func (c *UpdateConfig) SourceSequence() int64    { return c.Sequence }
func (c *UpdateConfig) Time() time.Time          { return c.BlockTime }

// UpdateLoanLimit sets the uncollateralized borrow ceiling for a (user, asset)
// pair. A zero limit revokes the credit line.
type UpdateLoanLimit struct {
	CommandID uuid.UUID
	Sender    string
	User      string
	Denom     string
	Limit     decimal.Decimal
	BlockTime time.Time
	Sequence  int64
}

func (c *UpdateLoanLimit) IdempotencyKey() string   { return c.CommandID.String() }
func (c *UpdateLoanLimit) CommandType() CommandType { return CommandTypeUpdateLoanLimit }
func (c *UpdateLoanLimit) Asset() *string           { return &c.Denom }
func (c *UpdateLoanLimit) SourceSequence() int64    { return c.Sequence }
func (c *UpdateLoanLimit) Time() time.Time          { return c.BlockTime }

// DistributeIncome forwards a share of accrued protocol income to the
// insurance fund and treasury per the configured fee shares.
type DistributeIncome struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	Amount    decimal.Decimal // zero means distribute everything accrued
	BlockTime time.Time
	Sequence  int64
}

func (c *DistributeIncome) IdempotencyKey() string   { return c.CommandID.String() }
func (c *DistributeIncome) CommandType() CommandType { return CommandTypeDistributeIncome }
func (c *DistributeIncome) Asset() *string           { return &c.Denom }
func (c *DistributeIncome) SourceSequence() int64    { return c.Sequence }
func (c *DistributeIncome) Time() time.Time          { return c.BlockTime }
