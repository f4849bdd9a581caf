package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/0xarbor/mars-core/internal/core"
	"github.com/0xarbor/mars-core/internal/ledger"
	"github.com/0xarbor/mars-core/internal/types"
)

// Worker updates projection tables from applied commands. The projection
// channel is non-blocking with drop: if projections fall behind they can be
// rebuilt from the command log.
type Worker struct {
	db           *sql.DB
	inputChan    <-chan core.CoreOutput
	liquidations *LiquidationHistory
	lastSeq      int64
}

func NewWorker(db *sql.DB, inputChan <-chan core.CoreOutput) *Worker {
	return &Worker{
		db:           db,
		inputChan:    inputChan,
		liquidations: NewLiquidationHistory(),
	}
}

// Liquidations exposes the in-memory liquidation history for query serving.
func (w *Worker) Liquidations() *LiquidationHistory {
	return w.liquidations
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the command log
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output core.CoreOutput) error {
	env := output.Envelope

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, op := range output.Ops {
		if err := w.updatePosition(ctx, tx, env.Sequence, op); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	if err := w.recordActivity(ctx, tx, env); err != nil {
		return fmt.Errorf("activity projection: %w", err)
	}

	if env.CommandType == types.CommandTypeLiquidate {
		if err := w.recordLiquidation(ctx, tx, env); err != nil {
			return fmt.Errorf("liquidation projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updatePosition applies a ledger op to the per-user position projection.
// Amounts are tracked in scaled units so accrued interest never requires a
// projection write.
func (w *Worker) updatePosition(ctx context.Context, tx *sql.Tx, sequence int64, op ledger.Op) error {
	var collateralDelta, debtDelta string
	switch op.Kind {
	case ledger.OpDeposit:
		collateralDelta, debtDelta = op.AmountScaled.String(), "0"
	case ledger.OpWithdraw, ledger.OpSeize:
		collateralDelta, debtDelta = op.AmountScaled.Neg().String(), "0"
	case ledger.OpBorrow:
		collateralDelta, debtDelta = "0", op.AmountScaled.String()
	case ledger.OpRepay:
		collateralDelta, debtDelta = "0", op.AmountScaled.Neg().String()
	default:
		// DISTRIBUTE moves protocol income, not user balances
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions (account, denom, collateral_scaled, debt_scaled, last_sequence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account, denom) DO UPDATE SET
			collateral_scaled = projections.positions.collateral_scaled + $3,
			debt_scaled = projections.positions.debt_scaled + $4,
			last_sequence = $5
	`, op.User, op.Denom, collateralDelta, debtDelta, sequence)
	return err
}

func (w *Worker) recordActivity(ctx context.Context, tx *sql.Tx, env *types.CommandEnvelope) error {
	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}

	var denom sql.NullString
	if env.Asset != nil {
		denom = sql.NullString{String: *env.Asset, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.market_activity (sequence, action, denom, attributes, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, attrValue(env.Attributes, "action"), denom, attrs, env.Timestamp)
	return err
}

func (w *Worker) recordLiquidation(ctx context.Context, tx *sql.Tx, env *types.CommandEnvelope) error {
	entry := LiquidationEntry{
		Sequence:        env.Sequence,
		Liquidator:      attrValue(env.Attributes, "liquidator"),
		Borrower:        attrValue(env.Attributes, "borrower"),
		DebtDenom:       attrValue(env.Attributes, "debt_denom"),
		CollateralDenom: attrValue(env.Attributes, "collateral_denom"),
		Repaid:          attrValue(env.Attributes, "repaid"),
		Seized:          attrValue(env.Attributes, "seized"),
		Timestamp:       env.Timestamp,
	}
	w.liquidations.AddEntry(entry)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, liquidator, borrower, debt_denom, collateral_denom, repaid, seized, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO NOTHING
	`, entry.Sequence, entry.Liquidator, entry.Borrower, entry.DebtDenom,
		entry.CollateralDenom, entry.Repaid, entry.Seized, entry.Timestamp)
	return err
}

func attrValue(attrs []types.Attribute, key string) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// RebuildProjections rebuilds all projection tables from the command log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.market_activity`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.positions (account, denom, collateral_scaled, debt_scaled, last_sequence)
		SELECT
			account,
			denom,
			SUM(CASE op_kind
				WHEN 'DEPOSIT' THEN amount_scaled::numeric
				WHEN 'WITHDRAW' THEN -amount_scaled::numeric
				WHEN 'SEIZE' THEN -amount_scaled::numeric
				ELSE 0 END) AS collateral_scaled,
			SUM(CASE op_kind
				WHEN 'BORROW' THEN amount_scaled::numeric
				WHEN 'REPAY' THEN -amount_scaled::numeric
				ELSE 0 END) AS debt_scaled,
			MAX(sequence) AS last_sequence
		FROM command_log.ledger_ops
		WHERE op_kind <> 'DISTRIBUTE'
		GROUP BY account, denom
	`)
	if err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.market_activity (sequence, action, denom, attributes, timestamp)
		SELECT
			sequence,
			COALESCE(attributes::jsonb -> 0 ->> 'value', command_type),
			asset,
			attributes::jsonb,
			timestamp
		FROM command_log.commands
		ON CONFLICT (sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("rebuild activity: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
