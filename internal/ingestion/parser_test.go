package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/ingestion"
	"github.com/0xarbor/mars-core/internal/types"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %s: %v", s, err)
	}
	return id
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"sender":        "alice",
		"denom":         "uusd",
		"amount":        "1000000",
		"sequence":      int64(42),
		"block_time_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	dep, ok := cmd.(*types.Deposit)
	if !ok {
		t.Fatalf("expected *types.Deposit, got %T", cmd)
	}

	if dep.Sender != "alice" {
		t.Errorf("sender: got %s, want alice", dep.Sender)
	}
	if dep.Denom != "uusd" {
		t.Errorf("denom: got %s, want uusd", dep.Denom)
	}
	if !dep.Amount.Equal(decimal.NewFromInt(1_000_000)) {
		t.Errorf("amount: got %s, want 1000000", dep.Amount)
	}
	if dep.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", dep.Sequence)
	}
	if dep.BlockTime.UnixMicro() != 1700000000000000 {
		t.Errorf("block_time: got %d, want 1700000000000000", dep.BlockTime.UnixMicro())
	}
	if dep.CommandType() != types.CommandTypeDeposit {
		t.Errorf("command type: got %v, want Deposit", dep.CommandType())
	}
}

func TestParseWithdraw_OptionalRecipient(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440001",
		"sender":        "alice",
		"denom":         "uusd",
		"amount":        "500",
		"recipient":     "carol",
		"sequence":      int64(7),
		"block_time_us": int64(1700000000000000),
	}

	cmd, err := ingestion.ParseRawCommand(rawFromJSON(t, payload), "Withdraw")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	wd, ok := cmd.(*types.Withdraw)
	if !ok {
		t.Fatalf("expected *types.Withdraw, got %T", cmd)
	}
	if wd.Recipient != "carol" {
		t.Errorf("recipient: got %s, want carol", wd.Recipient)
	}

	// Absent recipient stays empty and routes to the sender downstream.
	delete(payload, "recipient")
	cmd, err = ingestion.ParseRawCommand(rawFromJSON(t, payload), "Borrow")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if br := cmd.(*types.Borrow); br.Recipient != "" {
		t.Errorf("recipient: got %s, want empty", br.Recipient)
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       "550e8400-e29b-41d4-a716-446655440000",
		"liquidator":       "carol",
		"borrower":         "bob",
		"debt_denom":       "uusd",
		"collateral_denom": "uluna",
		"repay_amount":     "300",
		"sequence":         int64(7),
		"block_time_us":    int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "Liquidate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	liq, ok := cmd.(*types.Liquidate)
	if !ok {
		t.Fatalf("expected *types.Liquidate, got %T", cmd)
	}

	if liq.Sender != "carol" {
		t.Errorf("liquidator: got %s, want carol", liq.Sender)
	}
	if liq.Borrower != "bob" {
		t.Errorf("borrower: got %s, want bob", liq.Borrower)
	}
	if liq.DebtDenom != "uusd" || liq.CollateralDenom != "uluna" {
		t.Errorf("denoms: got %s/%s, want uusd/uluna", liq.DebtDenom, liq.CollateralDenom)
	}
	if !liq.RepayAmount.Equal(decimal.NewFromInt(300)) {
		t.Errorf("repay_amount: got %s, want 300", liq.RepayAmount)
	}
}

func TestParseInitAsset(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"sender":     "owner",
		"denom":      "uluna",
		"asset_kind": "native",
		"params": map[string]interface{}{
			"initial_borrow_rate": "0.2",
			"max_loan_to_value":   "0.5",
			"reserve_factor":      "0.2",
			"maintenance_margin":  "0.65",
			"liquidation_bonus":   "0.1",
			"interest_rate_strategy": map[string]interface{}{
				"kind":                "kinked",
				"base_rate":           "0.02",
				"slope_1":             "0.07",
				"slope_2":             "0.45",
				"optimal_utilization": "0.8",
			},
		},
		"sequence":      int64(1),
		"block_time_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "InitAsset")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ia, ok := cmd.(*types.InitAsset)
	if !ok {
		t.Fatalf("expected *types.InitAsset, got %T", cmd)
	}

	if ia.Denom != "uluna" {
		t.Errorf("denom: got %s, want uluna", ia.Denom)
	}
	if ia.AssetKind != "native" {
		t.Errorf("asset_kind: got %s, want native", ia.AssetKind)
	}
	if ia.Params.MaxLoanToValue == nil || !ia.Params.MaxLoanToValue.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("max_loan_to_value: got %v, want 0.5", ia.Params.MaxLoanToValue)
	}
	if ia.Params.InterestStrategy == nil {
		t.Fatal("interest_rate_strategy missing")
	}
	if ia.Params.InterestStrategy.Kind != "kinked" {
		t.Errorf("strategy kind: got %s, want kinked", ia.Params.InterestStrategy.Kind)
	}
	if !ia.Params.InterestStrategy.OptimalUtilization.Equal(decimal.RequireFromString("0.8")) {
		t.Errorf("optimal_utilization: got %s, want 0.8", ia.Params.InterestStrategy.OptimalUtilization)
	}
}

func TestParseUpdateConfig_PartialFields(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"sender":        "owner",
		"close_factor":  "0.4",
		"sequence":      int64(3),
		"block_time_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "UpdateConfig")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	uc, ok := cmd.(*types.UpdateConfig)
	if !ok {
		t.Fatalf("expected *types.UpdateConfig, got %T", cmd)
	}

	if uc.CloseFactor == nil || !uc.CloseFactor.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("close_factor: got %v, want 0.4", uc.CloseFactor)
	}
	if uc.Owner != nil {
		t.Errorf("owner: got %v, want nil", *uc.Owner)
	}
	if uc.TreasuryFeeShare != nil {
		t.Errorf("treasury_fee_share: got %v, want nil", *uc.TreasuryFeeShare)
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"denom":              "uluna",
		"price":              "5.25",
		"price_sequence":     int64(100),
		"price_timestamp_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := cmd.(*types.PriceUpdate)
	if !ok {
		t.Fatalf("expected *types.PriceUpdate, got %T", cmd)
	}

	if pu.Denom != "uluna" {
		t.Errorf("denom: got %s, want uluna", pu.Denom)
	}
	if !pu.Price.Equal(decimal.RequireFromString("5.25")) {
		t.Errorf("price: got %s, want 5.25", pu.Price)
	}
	if pu.PriceSequence != 100 {
		t.Errorf("price_sequence: got %d, want 100", pu.PriceSequence)
	}
}

func TestParseUpdateLoanLimit(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"sender":        "owner",
		"user":          "dave",
		"denom":         "uusd",
		"limit":         "1000",
		"sequence":      int64(9),
		"block_time_us": int64(1700000000000000),
	}

	raw := rawFromJSON(t, payload)
	cmd, err := ingestion.ParseRawCommand(raw, "UpdateLoanLimit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ll, ok := cmd.(*types.UpdateLoanLimit)
	if !ok {
		t.Fatalf("expected *types.UpdateLoanLimit, got %T", cmd)
	}

	if ll.User != "dave" {
		t.Errorf("user: got %s, want dave", ll.User)
	}
	if !ll.Limit.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("limit: got %s, want 1000", ll.Limit)
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw, "Deposit")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidCommandID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "not-a-uuid",
		"sender":        "alice",
		"denom":         "uusd",
		"amount":        "1",
		"sequence":      int64(0),
		"block_time_us": int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawCommand(raw, "Withdraw")
	if err == nil {
		t.Fatal("expected error for invalid command_id")
	}
}

func TestParseStoredCommand_RoundTrip(t *testing.T) {
	orig := &types.Borrow{
		CommandID: mustUUID(t, "550e8400-e29b-41d4-a716-446655440000"),
		Sender:    "bob",
		Denom:     "uusd",
		Amount:    decimal.NewFromInt(500),
		BlockTime: time.UnixMicro(1700000000000000).UTC(),
		Sequence:  11,
	}

	payload, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cmd, err := ingestion.ParseStoredCommand("Borrow", payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	bor, ok := cmd.(*types.Borrow)
	if !ok {
		t.Fatalf("expected *types.Borrow, got %T", cmd)
	}
	if bor.Sender != orig.Sender || bor.Denom != orig.Denom {
		t.Errorf("identity fields: got %s/%s, want %s/%s", bor.Sender, bor.Denom, orig.Sender, orig.Denom)
	}
	if !bor.Amount.Equal(orig.Amount) {
		t.Errorf("amount: got %s, want %s", bor.Amount, orig.Amount)
	}
	if !bor.BlockTime.Equal(orig.BlockTime) {
		t.Errorf("block_time: got %v, want %v", bor.BlockTime, orig.BlockTime)
	}
	if bor.Sequence != orig.Sequence {
		t.Errorf("sequence: got %d, want %d", bor.Sequence, orig.Sequence)
	}
}

func TestParseStoredCommand_UnknownType_Fails(t *testing.T) {
	if _, err := ingestion.ParseStoredCommand("NonExistentType", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown stored command type")
	}
}
