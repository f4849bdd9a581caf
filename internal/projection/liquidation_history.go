package projection

import (
	"sync"
	"time"
)

// LiquidationEntry records one executed liquidation.
type LiquidationEntry struct {
	Sequence        int64
	Liquidator      string
	Borrower        string
	DebtDenom       string
	CollateralDenom string
	Repaid          string
	Seized          string
	Timestamp       time.Time
}

// LiquidationHistory maintains a queryable in-memory liquidation record.
// The durable copy lives in projections.liquidations; this serves hot reads
// without a database round trip.
type LiquidationHistory struct {
	mu      sync.RWMutex
	entries []LiquidationEntry
}

func NewLiquidationHistory() *LiquidationHistory {
	return &LiquidationHistory{
		entries: make([]LiquidationEntry, 0),
	}
}

// AddEntry records a liquidation.
func (h *LiquidationHistory) AddEntry(entry LiquidationEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}

// QueryByBorrower returns liquidations against a borrower, newest first.
func (h *LiquidationHistory) QueryByBorrower(borrower string, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Borrower == borrower {
			result = append(result, h.entries[i])
		}
	}
	return result
}
