package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Deposit struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	Amount    decimal.Decimal
	BlockTime time.Time
	Sequence  int64
}

func (c *Deposit) IdempotencyKey() string   { return c.CommandID.String() }
func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }
func (c *Deposit) Asset() *string           { return &c.Denom }
func (c *Deposit) SourceSequence() int64    { return c.Sequence }
func (c *Deposit) Time() time.Time          { return c.BlockTime }

type Withdraw struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	// Amount in underlying units. Zero withdraws the full balance.
	Amount decimal.Decimal
	// Recipient receives the withdrawn funds. Empty routes to Sender.
	Recipient string
	BlockTime time.Time
	Sequence  int64
}

func (c *Withdraw) IdempotencyKey() string   { return c.CommandID.String() }
func (c *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }
func (c *Withdraw) Asset() *string           { return &c.Denom }
func (c *Withdraw) SourceSequence() int64    { return c.Sequence }
func (c *Withdraw) Time() time.Time          { return c.BlockTime }

type Borrow struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	Amount    decimal.Decimal
	// Recipient receives the borrowed funds. Empty routes to Sender.
	Recipient string
	BlockTime time.Time
	Sequence  int64
}

func (c *Borrow) IdempotencyKey() string   { return c.CommandID.String() }
func (c *Borrow) CommandType() CommandType { return CommandTypeBorrow }
func (c *Borrow) Asset() *string           { return &c.Denom }
func (c *Borrow) SourceSequence() int64    { return c.Sequence }
func (c *Borrow) Time() time.Time          { return c.BlockTime }

type Repay struct {
	CommandID uuid.UUID
	Sender    string
	Denom     string
	Amount    decimal.Decimal
	BlockTime time.Time
	Sequence  int64
}

func (c *Repay) IdempotencyKey() string   { return c.CommandID.String() }
func (c *Repay) CommandType() CommandType { return CommandTypeRepay }
func (c *Repay) Asset() *string           { return &c.Denom }
func (c *Repay) SourceSequence() int64    { return c.Sequence }
func (c *Repay) Time() time.Time          { return c.BlockTime }

type Liquidate struct {
	CommandID       uuid.UUID
	Sender          string // liquidator
	Borrower        string
	DebtDenom       string
	CollateralDenom string
	RepayAmount     decimal.Decimal
	BlockTime       time.Time
	Sequence        int64
}

func (c *Liquidate) IdempotencyKey() string   { return c.CommandID.String() }
func (c *Liquidate) CommandType() CommandType { return CommandTypeLiquidate }
func (c *Liquidate) Asset() *string           { return &c.DebtDenom }
func (c *Liquidate) SourceSequence() int64    { return c.Sequence }
func (c *Liquidate) Time() time.Time          { return c.BlockTime }
