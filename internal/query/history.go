package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/0xarbor/mars-core/internal/core"
)

// GetActivity returns applied-command history from the activity projection,
// newest first, with cursor-based pagination on sequence.
func (qs *QueryService) GetActivity(
	ctx context.Context,
	denom *string,
	limit int,
	beforeSequence *int64,
) ([]ActivityEntry, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `
		SELECT sequence, action, denom, attributes, timestamp
		FROM projections.market_activity
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if denom != nil {
		query += fmt.Sprintf(" AND denom = $%d", argIdx)
		args = append(args, *denom)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var d sql.NullString
		if err := rows.Scan(&e.Sequence, &e.Action, &d, &e.Attributes, &e.Timestamp); err != nil {
			return nil, err
		}
		if d.Valid {
			e.Denom = &d.String
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetLiquidations returns executed liquidations against a borrower, newest
// first.
func (qs *QueryService) GetLiquidations(
	ctx context.Context,
	borrower string,
	limit int,
) ([]LiquidationRecord, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, liquidator, borrower, debt_denom, collateral_denom, repaid, seized, timestamp
		FROM projections.liquidations
		WHERE borrower = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, borrower, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LiquidationRecord
	for rows.Next() {
		var r LiquidationRecord
		if err := rows.Scan(
			&r.Sequence, &r.Liquidator, &r.Borrower, &r.DebtDenom,
			&r.CollateralDenom, &r.Repaid, &r.Seized, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// GetOpHistory returns an account's balance mutations from the durable
// command log with cursor-based pagination.
func (qs *QueryService) GetOpHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) ([]OpHistoryEntry, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	query := `
		SELECT op_id, command_ref, sequence, denom, account,
		       COALESCE(counterparty, ''), op_kind, amount_scaled, amount_underlying, timestamp
		FROM command_log.ledger_ops
		WHERE account = $1
	`
	args := []interface{}{account}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []OpHistoryEntry
	for rows.Next() {
		var e OpHistoryEntry
		if err := rows.Scan(
			&e.OpID, &e.CommandRef, &e.Sequence, &e.Denom, &e.Account,
			&e.Counterparty, &e.OpKind, &e.AmountScaled, &e.AmountUnderlying, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// VerifyIntegrity checks hash chain continuity in the command log and scans
// the position projection for negative balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM command_log.commands c1
		JOIN command_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	posRows, err := qs.db.QueryContext(ctx, `
		SELECT account, denom
		FROM projections.positions
		WHERE collateral_scaled < 0 OR debt_scaled < 0
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer posRows.Close()

	for posRows.Next() {
		var account, denom string
		if err := posRows.Scan(&account, &denom); err != nil {
			return nil, err
		}
		report.NegativePosition = append(report.NegativePosition, account+"/"+denom)
	}
	if err := posRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.NegativePosition) == 0
	return report, nil
}

// Watermark returns the projection worker's last applied sequence, alongside
// the core's live sequence, so callers can judge projection staleness.
func (qs *QueryService) Watermark(ctx context.Context) (projected int64, live int64, err error) {
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&projected)
	if err == sql.ErrNoRows {
		err = nil
	}
	if err != nil {
		return 0, 0, err
	}

	qs.gate.View(func(c *core.LendingCore) {
		live = c.GetSequence()
	})
	return projected, live, nil
}
