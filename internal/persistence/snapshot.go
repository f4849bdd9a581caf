package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/core"
	"github.com/0xarbor/mars-core/internal/ledger"
	"github.com/0xarbor/mars-core/internal/state"
	"github.com/0xarbor/mars-core/internal/types"
)

// SnapshotManager creates and loads state snapshots for warm restart: load
// the latest verified snapshot, then replay the command log tail from
// snapshot.sequence+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the JSON-serializable form of the core's in-memory state.
// Struct-keyed ledger maps are flattened to slices; interest strategies are
// stored as their parameter sets and rebuilt on load.
type SnapshotData struct {
	Sequence        int64                        `json:"sequence"`
	StateHash       []byte                       `json:"state_hash"`
	Config          state.Config                 `json:"config"`
	Markets         []MarketSnap                 `json:"markets"`
	MarketCount     uint32                       `json:"market_count"`
	Debts           []DebtSnap                   `json:"debts"`
	Collaterals     []CollateralSnap             `json:"collaterals"`
	Users           []UserSnap                   `json:"users"`
	Liquidity       map[string]decimal.Decimal   `json:"liquidity"`
	Prices          map[string]*state.PricePoint `json:"prices"`
	Limits          []state.LimitEntry           `json:"limits"`
	SequenceState   map[string]int64             `json:"sequence_state"`
	IdempotencyKeys []string                     `json:"idempotency_keys"`
	CreatedAt       time.Time                    `json:"created_at"`
}

// MarketSnap is a serializable market.
type MarketSnap struct {
	Index                      uint32                       `json:"index"`
	Denom                      string                       `json:"denom"`
	TokenAddress               string                       `json:"token_address,omitempty"`
	AssetKind                  string                       `json:"asset_kind"`
	BorrowIndex                decimal.Decimal              `json:"borrow_index"`
	LiquidityIndex             decimal.Decimal              `json:"liquidity_index"`
	BorrowRate                 decimal.Decimal              `json:"borrow_rate"`
	LiquidityRate              decimal.Decimal              `json:"liquidity_rate"`
	MaxLoanToValue             decimal.Decimal              `json:"max_loan_to_value"`
	ReserveFactor              decimal.Decimal              `json:"reserve_factor"`
	MaintenanceMargin          decimal.Decimal              `json:"maintenance_margin"`
	LiquidationBonus           decimal.Decimal              `json:"liquidation_bonus"`
	InterestsLastUpdated       uint64                       `json:"interests_last_updated"`
	DebtTotalScaled            decimal.Decimal              `json:"debt_total_scaled"`
	ProtocolIncomeToDistribute decimal.Decimal              `json:"protocol_income_to_distribute"`
	Strategy                   types.InterestStrategyParams `json:"interest_rate_strategy"`
}

// DebtSnap is one (market, user) debt record.
type DebtSnap struct {
	Denom            string          `json:"denom"`
	User             string          `json:"user"`
	AmountScaled     decimal.Decimal `json:"amount_scaled"`
	Uncollateralized bool            `json:"uncollateralized,omitempty"`
}

// CollateralSnap is one (market, user) collateral record.
type CollateralSnap struct {
	Denom        string          `json:"denom"`
	User         string          `json:"user"`
	AmountScaled decimal.Decimal `json:"amount_scaled"`
	// Disabled collateral earns interest but does not back loans.
	Disabled bool `json:"disabled,omitempty"`
}

// UserSnap carries one user's position bitmaps.
type UserSnap struct {
	User       string    `json:"user"`
	Borrowed   [2]uint64 `json:"borrowed"`
	Collateral [2]uint64 `json:"collateral"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// FromCoreState flattens a core snapshot into its serializable form.
func FromCoreState(snap *core.SnapshotState) *SnapshotData {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash[:],
		Config:          snap.Config,
		MarketCount:     snap.MarketCount,
		Liquidity:       snap.Ledger.Liquidity,
		Prices:          snap.Prices,
		Limits:          snap.Limits,
		SequenceState:   snap.SequenceState,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for _, m := range snap.Markets {
		data.Markets = append(data.Markets, MarketSnap{
			Index:                      m.Index,
			Denom:                      m.Denom,
			TokenAddress:               m.TokenAddress,
			AssetKind:                  m.AssetKind.String(),
			BorrowIndex:                m.BorrowIndex,
			LiquidityIndex:             m.LiquidityIndex,
			BorrowRate:                 m.BorrowRate,
			LiquidityRate:              m.LiquidityRate,
			MaxLoanToValue:             m.MaxLoanToValue,
			ReserveFactor:              m.ReserveFactor,
			MaintenanceMargin:          m.MaintenanceMargin,
			LiquidationBonus:           m.LiquidationBonus,
			InterestsLastUpdated:       m.InterestsLastUpdated,
			DebtTotalScaled:            m.DebtTotalScaled,
			ProtocolIncomeToDistribute: m.ProtocolIncomeToDistribute,
			Strategy:                   m.InterestStrategy.Params(),
		})
	}

	for k, d := range snap.Ledger.Debts {
		data.Debts = append(data.Debts, DebtSnap{
			Denom:            k.Denom,
			User:             k.User,
			AmountScaled:     d.AmountScaled,
			Uncollateralized: d.Uncollateralized,
		})
	}
	for k, amount := range snap.Ledger.Collaterals {
		data.Collaterals = append(data.Collaterals, CollateralSnap{
			Denom:        k.Denom,
			User:         k.User,
			AmountScaled: amount,
			Disabled:     snap.Ledger.DisabledCollateral[k],
		})
	}
	for name, u := range snap.Ledger.Users {
		data.Users = append(data.Users, UserSnap{
			User:       name,
			Borrowed:   u.Borrowed.Words(),
			Collateral: u.Collateral.Words(),
		})
	}

	return data
}

// ToCoreState rebuilds the core snapshot, reconstructing interest strategies
// from their stored parameters.
func (sd *SnapshotData) ToCoreState() (*core.SnapshotState, error) {
	snap := &core.SnapshotState{
		Sequence:        sd.Sequence,
		Config:          sd.Config,
		MarketCount:     sd.MarketCount,
		Prices:          sd.Prices,
		Limits:          sd.Limits,
		SequenceState:   sd.SequenceState,
		IdempotencyKeys: sd.IdempotencyKeys,
		Ledger: ledger.Snapshot{
			Debts:              make(map[ledger.AccountKey]ledger.Debt, len(sd.Debts)),
			Collaterals:        make(map[ledger.AccountKey]decimal.Decimal, len(sd.Collaterals)),
			Users:              make(map[string]ledger.User, len(sd.Users)),
			Liquidity:          sd.Liquidity,
			DisabledCollateral: make(map[ledger.AccountKey]bool),
		},
	}
	copy(snap.StateHash[:], sd.StateHash)

	for _, ms := range sd.Markets {
		kind, err := state.ParseAssetKind(ms.AssetKind)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", ms.Denom, err)
		}
		strategy, err := state.StrategyFromParams(ms.Strategy)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", ms.Denom, err)
		}
		snap.Markets = append(snap.Markets, &state.Market{
			Index:                      ms.Index,
			Denom:                      ms.Denom,
			TokenAddress:               ms.TokenAddress,
			AssetKind:                  kind,
			BorrowIndex:                ms.BorrowIndex,
			LiquidityIndex:             ms.LiquidityIndex,
			BorrowRate:                 ms.BorrowRate,
			LiquidityRate:              ms.LiquidityRate,
			MaxLoanToValue:             ms.MaxLoanToValue,
			ReserveFactor:              ms.ReserveFactor,
			MaintenanceMargin:          ms.MaintenanceMargin,
			LiquidationBonus:           ms.LiquidationBonus,
			InterestsLastUpdated:       ms.InterestsLastUpdated,
			DebtTotalScaled:            ms.DebtTotalScaled,
			ProtocolIncomeToDistribute: ms.ProtocolIncomeToDistribute,
			InterestStrategy:           strategy,
		})
	}

	for _, d := range sd.Debts {
		snap.Ledger.Debts[ledger.AccountKey{Denom: d.Denom, User: d.User}] = ledger.Debt{
			AmountScaled:     d.AmountScaled,
			Uncollateralized: d.Uncollateralized,
		}
	}
	for _, c := range sd.Collaterals {
		key := ledger.AccountKey{Denom: c.Denom, User: c.User}
		snap.Ledger.Collaterals[key] = c.AmountScaled
		if c.Disabled {
			snap.Ledger.DisabledCollateral[key] = true
		}
	}
	for _, u := range sd.Users {
		snap.Ledger.Users[u.User] = ledger.User{
			Borrowed:   ledger.PositionSetFromWords(u.Borrowed),
			Collateral: ledger.PositionSetFromWords(u.Collateral),
		}
	}

	return snap, nil
}

// SaveSnapshot persists a snapshot row. Snapshots are verified by replaying
// the command log from the snapshot sequence before being eligible for load.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO command_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil for a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM command_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified flags a snapshot after its integrity check passes.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE command_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadCommandsFrom loads applied commands for replay, ordered by sequence.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, asset, payload,
		       attributes, state_hash, prev_hash, timestamp, source_sequence
		FROM command_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.Sequence, &c.CommandType, &c.IdempotencyKey, &c.Asset, &c.Payload,
			&c.Attributes, &c.StateHash, &c.PrevHash, &c.Timestamp, &c.SourceSequence,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestSequence returns the highest sequence in the command log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM command_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
