package query

import "time"

// ConfigResponse is the protocol configuration for API queries.
type ConfigResponse struct {
	Owner                 string `json:"owner"`
	InsuranceFundAddress  string `json:"insurance_fund_address"`
	TreasuryAddress       string `json:"treasury_address"`
	StakingRewardsAddress string `json:"staking_rewards_address"`
	CloseFactor           string `json:"close_factor"`
	InsuranceFundFeeShare string `json:"insurance_fund_fee_share"`
	TreasuryFeeShare      string `json:"treasury_fee_share"`
	MinRepayDust          string `json:"min_repay_dust"`
	MarketCount           uint32 `json:"market_count"`
	AsOfSequence          int64  `json:"as_of_sequence"`
}

// MarketResponse is one money market's full state for API queries. Decimal
// fields are strings to preserve precision.
type MarketResponse struct {
	Denom                      string `json:"denom"`
	Index                      uint32 `json:"index"`
	AssetKind                  string `json:"asset_kind"`
	TokenAddress               string `json:"token_address,omitempty"`
	BorrowIndex                string `json:"borrow_index"`
	LiquidityIndex             string `json:"liquidity_index"`
	BorrowRate                 string `json:"borrow_rate"`
	LiquidityRate              string `json:"liquidity_rate"`
	MaxLoanToValue             string `json:"max_loan_to_value"`
	ReserveFactor              string `json:"reserve_factor"`
	MaintenanceMargin          string `json:"maintenance_margin"`
	LiquidationBonus           string `json:"liquidation_bonus"`
	InterestsLastUpdated       uint64 `json:"interests_last_updated"`
	DebtTotalScaled            string `json:"debt_total_scaled"`
	ProtocolIncomeToDistribute string `json:"protocol_income_to_distribute"`
	AvailableLiquidity         string `json:"available_liquidity"`
	AsOfSequence               int64  `json:"as_of_sequence"`
}

// MarketListResponse is a paginated market listing.
type MarketListResponse struct {
	Markets      []MarketResponse `json:"markets"`
	NextAfter    *string          `json:"next_after,omitempty"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// DebtResponse is one user's debt in one market.
type DebtResponse struct {
	User             string `json:"user"`
	Denom            string `json:"denom"`
	AmountScaled     string `json:"amount_scaled"`
	Amount           string `json:"amount"`
	Uncollateralized bool   `json:"uncollateralized"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// CollateralResponse is one user's deposit in one market.
type CollateralResponse struct {
	User         string `json:"user"`
	Denom        string `json:"denom"`
	AmountScaled string `json:"amount_scaled"`
	Amount       string `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// UserPositionResponse aggregates a user's full position with health metrics.
type UserPositionResponse struct {
	User                 string               `json:"user"`
	Collateral           []CollateralResponse `json:"collateral"`
	Debts                []DebtResponse       `json:"debts"`
	CollateralValue      string               `json:"collateral_value"`
	MaxBorrowValue       string               `json:"max_borrow_value"`
	LiquidationThreshold string               `json:"liquidation_threshold"`
	DebtValue            string               `json:"debt_value"`
	HealthFactor         *string              `json:"health_factor,omitempty"`
	Liquidatable         bool                 `json:"liquidatable"`
	AsOfSequence         int64                `json:"as_of_sequence"`
}

// LoanLimitResponse is an uncollateralized credit line.
type LoanLimitResponse struct {
	User         string `json:"user"`
	Denom        string `json:"denom"`
	Limit        string `json:"limit"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ActivityEntry is one applied command from the activity projection.
type ActivityEntry struct {
	Sequence   int64     `json:"sequence"`
	Action     string    `json:"action"`
	Denom      *string   `json:"denom,omitempty"`
	Attributes []byte    `json:"attributes"`
	Timestamp  time.Time `json:"timestamp"`
}

// LiquidationRecord is one executed liquidation from the projection.
type LiquidationRecord struct {
	Sequence        int64     `json:"sequence"`
	Liquidator      string    `json:"liquidator"`
	Borrower        string    `json:"borrower"`
	DebtDenom       string    `json:"debt_denom"`
	CollateralDenom string    `json:"collateral_denom"`
	Repaid          string    `json:"repaid"`
	Seized          string    `json:"seized"`
	Timestamp       time.Time `json:"timestamp"`
}

// OpHistoryEntry is one balance mutation from the durable command log.
type OpHistoryEntry struct {
	OpID             string    `json:"op_id"`
	CommandRef       string    `json:"command_ref"`
	Sequence         int64     `json:"sequence"`
	Denom            string    `json:"denom"`
	Account          string    `json:"account"`
	Counterparty     string    `json:"counterparty,omitempty"`
	OpKind           string    `json:"op_kind"`
	AmountScaled     string    `json:"amount_scaled"`
	AmountUnderlying string    `json:"amount_underlying"`
	Timestamp        time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool     `json:"is_healthy"`
	HashChainBreaks  []int64  `json:"hash_chain_breaks,omitempty"`
	NegativePosition []string `json:"negative_positions,omitempty"`
}
