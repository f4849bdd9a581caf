package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CommandLogWriter writes applied commands and their ledger operations to
// Postgres using multi-row INSERT batches. ON CONFLICT DO NOTHING keeps the
// writes idempotent so a crash-replayed batch is harmless.
type CommandLogWriter struct {
	db *sql.DB
}

// CommandRow is one row of command_log.commands.
type CommandRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Asset          *string
	Payload        []byte // JSON-encoded command payload
	Attributes     []byte // JSON-encoded result attributes
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// OpRow is one row of command_log.ledger_ops. Decimal amounts are stored as
// NUMERIC via their string form.
type OpRow struct {
	OpID             string
	CommandRef       string
	Sequence         int64
	Denom            string
	Account          string
	Counterparty     string
	OpKind           string
	AmountScaled     string
	AmountUnderlying string
	Timestamp        time.Time
}

func NewCommandLogWriter(db *sql.DB) *CommandLogWriter {
	return &CommandLogWriter{db: db}
}

// WriteCommandBatch inserts a batch of applied commands.
func (w *CommandLogWriter) WriteCommandBatch(ctx context.Context, tx *sql.Tx, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO command_log.commands
		(sequence, command_type, idempotency_key, asset, payload, attributes, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*10)

	for i, c := range commands {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			c.Sequence, c.CommandType, c.IdempotencyKey, c.Asset,
			string(c.Payload), string(c.Attributes), c.StateHash, c.PrevHash, c.Timestamp, c.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteOpBatch inserts a batch of ledger operations.
func (w *CommandLogWriter) WriteOpBatch(ctx context.Context, tx *sql.Tx, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO command_log.ledger_ops
		(op_id, command_ref, sequence, denom, account, counterparty, op_kind, amount_scaled, amount_underlying, timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			o.OpID, o.CommandRef, o.Sequence, o.Denom, o.Account,
			o.Counterparty, o.OpKind, o.AmountScaled, o.AmountUnderlying, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (op_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
