package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/types"
)

// ParseRawCommand converts a raw NATS message into a typed command. The
// ingestion shell owns all wire-format concerns; the core only ever sees
// typed commands.
func ParseRawCommand(raw RawCommand, commandType string) (types.Command, error) {
	switch commandType {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "Borrow":
		return parseBorrow(raw.Data)
	case "Repay":
		return parseRepay(raw.Data)
	case "Liquidate":
		return parseLiquidate(raw.Data)
	case "InitAsset":
		return parseInitAsset(raw.Data)
	case "UpdateAsset":
		return parseUpdateAsset(raw.Data)
	case "UpdateConfig":
		return parseUpdateConfig(raw.Data)
	case "UpdateLoanLimit":
		return parseUpdateLoanLimit(raw.Data)
	case "DistributeIncome":
		return parseDistributeIncome(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// ParseStoredCommand decodes a command payload as persisted in the command
// log. Stored payloads are the typed command structs marshaled whole, so this
// is a plain unmarshal keyed by the stored command type.
func ParseStoredCommand(commandType string, payload []byte) (types.Command, error) {
	var cmd types.Command
	switch commandType {
	case "InitAsset":
		cmd = &types.InitAsset{}
	case "UpdateAsset":
		cmd = &types.UpdateAsset{}
	case "UpdateConfig":
		cmd = &types.UpdateConfig{}
	case "UpdateLoanLimit":
		cmd = &types.UpdateLoanLimit{}
	case "DistributeIncome":
		cmd = &types.DistributeIncome{}
	case "Deposit":
		cmd = &types.Deposit{}
	case "Withdraw":
		cmd = &types.Withdraw{}
	case "Borrow":
		cmd = &types.Borrow{}
	case "Repay":
		cmd = &types.Repay{}
	case "Liquidate":
		cmd = &types.Liquidate{}
	case "PriceUpdate":
		cmd = &types.PriceUpdate{}
	default:
		return nil, fmt.Errorf("unknown stored command type: %s", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", commandType, err)
	}
	return cmd, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are decimal
// strings; shopspring accepts quoted and bare numbers.

type bankCommandJSON struct {
	CommandID string          `json:"command_id"`
	Sender    string          `json:"sender"`
	Denom     string          `json:"denom"`
	Amount    decimal.Decimal `json:"amount"`
	// Only Withdraw and Borrow carry a recipient.
	Recipient   string `json:"recipient,omitempty"`
	Sequence    int64  `json:"sequence"`
	BlockTimeUs int64  `json:"block_time_us"`
}

func (j *bankCommandJSON) commandID() (uuid.UUID, error) {
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse command_id: %w", err)
	}
	return id, nil
}

func parseDeposit(data []byte) (*types.Deposit, error) {
	var j bankCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	id, err := j.commandID()
	if err != nil {
		return nil, err
	}
	return &types.Deposit{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Amount:    j.Amount,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

func parseWithdraw(data []byte) (*types.Withdraw, error) {
	var j bankCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	id, err := j.commandID()
	if err != nil {
		return nil, err
	}
	return &types.Withdraw{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Amount:    j.Amount,
		Recipient: j.Recipient,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

func parseBorrow(data []byte) (*types.Borrow, error) {
	var j bankCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Borrow: %w", err)
	}
	id, err := j.commandID()
	if err != nil {
		return nil, err
	}
	return &types.Borrow{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Amount:    j.Amount,
		Recipient: j.Recipient,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

func parseRepay(data []byte) (*types.Repay, error) {
	var j bankCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Repay: %w", err)
	}
	id, err := j.commandID()
	if err != nil {
		return nil, err
	}
	return &types.Repay{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Amount:    j.Amount,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

type liquidateJSON struct {
	CommandID       string          `json:"command_id"`
	Liquidator      string          `json:"liquidator"`
	Borrower        string          `json:"borrower"`
	DebtDenom       string          `json:"debt_denom"`
	CollateralDenom string          `json:"collateral_denom"`
	RepayAmount     decimal.Decimal `json:"repay_amount"`
	Sequence        int64           `json:"sequence"`
	BlockTimeUs     int64           `json:"block_time_us"`
}

func parseLiquidate(data []byte) (*types.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Liquidate: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &types.Liquidate{
		CommandID:       id,
		Sender:          j.Liquidator,
		Borrower:        j.Borrower,
		DebtDenom:       j.DebtDenom,
		CollateralDenom: j.CollateralDenom,
		RepayAmount:     j.RepayAmount,
		BlockTime:       time.UnixMicro(j.BlockTimeUs),
		Sequence:        j.Sequence,
	}, nil
}

type initAssetJSON struct {
	CommandID    string            `json:"command_id"`
	Sender       string            `json:"sender"`
	Denom        string            `json:"denom"`
	AssetKind    string            `json:"asset_kind"`
	TokenAddress string            `json:"token_address,omitempty"`
	Params       types.AssetParams `json:"params"`
	Sequence     int64             `json:"sequence"`
	BlockTimeUs  int64             `json:"block_time_us"`
}

func parseInitAsset(data []byte) (*types.InitAsset, error) {
	var j initAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse InitAsset: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &types.InitAsset{
		CommandID:    id,
		Sender:       j.Sender,
		Denom:        j.Denom,
		AssetKind:    j.AssetKind,
		TokenAddress: j.TokenAddress,
		Params:       j.Params,
		BlockTime:    time.UnixMicro(j.BlockTimeUs),
		Sequence:     j.Sequence,
	}, nil
}

type updateAssetJSON struct {
	CommandID   string            `json:"command_id"`
	Sender      string            `json:"sender"`
	Denom       string            `json:"denom"`
	Params      types.AssetParams `json:"params"`
	Sequence    int64             `json:"sequence"`
	BlockTimeUs int64             `json:"block_time_us"`
}

func parseUpdateAsset(data []byte) (*types.UpdateAsset, error) {
	var j updateAssetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateAsset: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &types.UpdateAsset{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Params:    j.Params,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

type updateConfigJSON struct {
	CommandID             string           `json:"command_id"`
	Sender                string           `json:"sender"`
	Owner                 *string          `json:"owner,omitempty"`
	CloseFactor           *decimal.Decimal `json:"close_factor,omitempty"`
	InsuranceFundFeeShare *decimal.Decimal `json:"insurance_fund_fee_share,omitempty"`
	TreasuryFeeShare      *decimal.Decimal `json:"treasury_fee_share,omitempty"`
	MinRepayDust          *decimal.Decimal `json:"min_repay_dust,omitempty"`
	Sequence              int64            `json:"sequence"`
	BlockTimeUs           int64            `json:"block_time_us"`
}

func parseUpdateConfig(data []byte) (*types.UpdateConfig, error) {
	var j updateConfigJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateConfig: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &types.UpdateConfig{
		CommandID:             id,
		Sender:                j.Sender,
		Owner:                 j.Owner,
		CloseFactor:           j.CloseFactor,
		InsuranceFundFeeShare: j.InsuranceFundFeeShare,
		TreasuryFeeShare:      j.TreasuryFeeShare,
		MinRepayDust:          j.MinRepayDust,
		BlockTime:             time.UnixMicro(j.BlockTimeUs),
		Sequence:              j.Sequence,
	}, nil
}

type updateLoanLimitJSON struct {
	CommandID   string          `json:"command_id"`
	Sender      string          `json:"sender"`
	User        string          `json:"user"`
	Denom       string          `json:"denom"`
	Limit       decimal.Decimal `json:"limit"`
	Sequence    int64           `json:"sequence"`
	BlockTimeUs int64           `json:"block_time_us"`
}

func parseUpdateLoanLimit(data []byte) (*types.UpdateLoanLimit, error) {
	var j updateLoanLimitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateLoanLimit: %w", err)
	}
	id, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	return &types.UpdateLoanLimit{
		CommandID: id,
		Sender:    j.Sender,
		User:      j.User,
		Denom:     j.Denom,
		Limit:     j.Limit,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

func parseDistributeIncome(data []byte) (*types.DistributeIncome, error) {
	var j bankCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DistributeIncome: %w", err)
	}
	id, err := j.commandID()
	if err != nil {
		return nil, err
	}
	return &types.DistributeIncome{
		CommandID: id,
		Sender:    j.Sender,
		Denom:     j.Denom,
		Amount:    j.Amount,
		BlockTime: time.UnixMicro(j.BlockTimeUs),
		Sequence:  j.Sequence,
	}, nil
}

type priceUpdateJSON struct {
	Denom            string          `json:"denom"`
	Price            decimal.Decimal `json:"price"`
	PriceSequence    int64           `json:"price_sequence"`
	PriceTimestampUs int64           `json:"price_timestamp_us"`
}

func parsePriceUpdate(data []byte) (*types.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	return &types.PriceUpdate{
		Denom:          j.Denom,
		Price:          j.Price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.PriceTimestampUs,
	}, nil
}
