package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/0xarbor/mars-core/internal/core"
	"github.com/0xarbor/mars-core/internal/observability"
)

// Worker drains the persist channel and batch-writes commands plus their
// ledger ops to Postgres. The core's sends on this channel are blocking: if
// the worker falls behind, the core stalls rather than lose an applied
// command.
type Worker struct {
	writer       *CommandLogWriter
	db           *sql.DB
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewCommandLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the flush
// timeout expires. Blocks until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	commandBatch := make([]CommandRow, 0, w.batchSize)
	opBatch := make([]OpRow, 0, w.batchSize*2)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(commandBatch) > 0 {
				if err := w.flush(context.Background(), commandBatch, opBatch); err != nil {
					log.Printf("ERROR: final flush failed: %v", err)
				}
			}
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				if len(commandBatch) > 0 {
					if err := w.flush(context.Background(), commandBatch, opBatch); err != nil {
						log.Printf("ERROR: final flush failed: %v", err)
					}
				}
				return nil
			}

			cmdRow, opRows, err := rowsFromOutput(output)
			if err != nil {
				log.Printf("ERROR: dropping unserializable output seq=%d: %v",
					output.Envelope.Sequence, err)
				continue
			}
			commandBatch = append(commandBatch, cmdRow)
			opBatch = append(opBatch, opRows...)

			if len(commandBatch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, commandBatch, opBatch); err != nil {
					log.Printf("ERROR: batch flush failed after retries: %v", err)
				}
				commandBatch = commandBatch[:0]
				opBatch = opBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(commandBatch) > 0 {
				if err := w.flushWithRetry(ctx, commandBatch, opBatch); err != nil {
					log.Printf("ERROR: timeout flush failed after retries: %v", err)
				}
				commandBatch = commandBatch[:0]
				opBatch = opBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// rowsFromOutput converts a core output into its table rows.
func rowsFromOutput(output core.CoreOutput) (CommandRow, []OpRow, error) {
	env := output.Envelope

	attrs, err := json.Marshal(env.Attributes)
	if err != nil {
		return CommandRow{}, nil, fmt.Errorf("marshal attributes: %w", err)
	}

	cmdRow := CommandRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		Attributes:     attrs,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	opRows := make([]OpRow, 0, len(output.Ops))
	for _, op := range output.Ops {
		opRows = append(opRows, OpRow{
			OpID:             op.OpID,
			CommandRef:       op.CommandRef,
			Sequence:         op.Sequence,
			Denom:            op.Denom,
			Account:          op.User,
			Counterparty:     op.Counterparty,
			OpKind:           string(op.Kind),
			AmountScaled:     op.AmountScaled.String(),
			AmountUnderlying: op.AmountUnderlying.String(),
			Timestamp:        op.Timestamp,
		})
	}

	return cmdRow, opRows, nil
}

// flushWithRetry retries with exponential backoff. The worker never drops
// applied commands: it retries until the write succeeds or ctx is cancelled,
// and even then attempts one final flush so the batch survives shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, commands []CommandRow, ops []OpRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, commands=%d)",
				attempt, backoff, len(commands))
			select {
			case <-ctx.Done():
				finalErr := w.flush(context.Background(), commands, ops)
				if finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, commands, ops)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistRetry.Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, commands []CommandRow, ops []OpRow) error {
	start := time.Now()

	// Commands and their ops commit atomically.
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteCommandBatch(ctx, tx, commands); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_commands").Inc()
		}
		return err
	}

	if err := w.writer.WriteOpBatch(ctx, tx, ops); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_ops").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(commands)))
		w.metrics.PersistCommandsWritten.Add(float64(len(commands)))
		w.metrics.PersistOpsWritten.Add(float64(len(ops)))
		if len(commands) > 0 {
			w.metrics.PersistLastSequence.Set(float64(commands[len(commands)-1].Sequence))
		}
	}

	return nil
}
