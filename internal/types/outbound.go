package types

import "github.com/shopspring/decimal"

// TransferKind labels the reason an outbound transfer was issued.
type TransferKind string

const (
	TransferWithdraw         TransferKind = "withdraw"
	TransferBorrow           TransferKind = "borrow"
	TransferRefund           TransferKind = "refund"
	TransferInsuranceFund    TransferKind = "insurance_fund"
	TransferTreasury         TransferKind = "treasury"
	TransferStakingRewards   TransferKind = "staking_rewards"
	TransferSeizedCollateral TransferKind = "seized_collateral"
)

// TransferMessage is an outbound payment queued for the host to execute after
// the current command commits. The core queues these strictly after all of its
// own state has been updated; it never performs the transfer itself.
type TransferMessage struct {
	Recipient string          `json:"recipient"`
	Denom     string          `json:"denom"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      TransferKind    `json:"kind"`
}
