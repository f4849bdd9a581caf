package types

import (
	"time"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeInitAsset
	CommandTypeUpdateAsset
	CommandTypeUpdateConfig
	CommandTypeUpdateLoanLimit
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeBorrow
	CommandTypeRepay
	CommandTypeLiquidate
	CommandTypePriceUpdate
	CommandTypeDistributeIncome
)

// CommandEnvelope wraps every applied command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by the core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Asset context (nullable for global commands such as update_config)
	Asset *string

	// Versioned input timestamp (host block time, never wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command payload
	Payload []byte

	// Result attributes of the applied command (action=..., amount=...)
	Attributes []Attribute

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all execute-style messages implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Asset returns the asset context (nil for global commands)
	Asset() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// Time returns the versioned block time the command executes at
	Time() time.Time
}

// Attribute is one key/value pair of a command's success result.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeInitAsset:
		return "InitAsset"
	case CommandTypeUpdateAsset:
		return "UpdateAsset"
	case CommandTypeUpdateConfig:
		return "UpdateConfig"
	case CommandTypeUpdateLoanLimit:
		return "UpdateLoanLimit"
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeBorrow:
		return "Borrow"
	case CommandTypeRepay:
		return "Repay"
	case CommandTypeLiquidate:
		return "Liquidate"
	case CommandTypePriceUpdate:
		return "PriceUpdate"
	case CommandTypeDistributeIncome:
		return "DistributeIncome"
	default:
		return "Unknown"
	}
}
