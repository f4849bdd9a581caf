package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpKind labels the balance mutation a ledger operation performed.
type OpKind string

const (
	OpDeposit    OpKind = "DEPOSIT"
	OpWithdraw   OpKind = "WITHDRAW"
	OpBorrow     OpKind = "BORROW"
	OpRepay      OpKind = "REPAY"
	OpSeize      OpKind = "SEIZE"
	OpDistribute OpKind = "DISTRIBUTE"
)

// Op is an immutable audit record of one balance mutation. Ops are produced
// by the core per command, persisted to the command log and replayed into
// projections.
type Op struct {
	OpID             string
	CommandRef       string
	Sequence         int64
	Denom            string
	User             string
	Counterparty     string
	Kind             OpKind
	AmountScaled     decimal.Decimal
	AmountUnderlying decimal.Decimal
	Timestamp        time.Time
}

// NewOp builds an audit record for a completed balance mutation.
func NewOp(commandRef string, sequence int64, denom, user string, kind OpKind, change Change, at time.Time) Op {
	return Op{
		OpID:             uuid.NewString(),
		CommandRef:       commandRef,
		Sequence:         sequence,
		Denom:            denom,
		User:             user,
		Kind:             kind,
		AmountScaled:     change.Scaled,
		AmountUnderlying: change.Underlying,
		Timestamp:        at,
	}
}
