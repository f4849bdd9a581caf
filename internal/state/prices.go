package state

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PricePoint is the latest oracle price for an asset.
type PricePoint struct {
	Price         decimal.Decimal
	PriceSequence int64
	Timestamp     int64 // epoch microseconds
}

// PriceCache holds the most recent oracle price per asset. Price lookups are
// an external collaborator's data; the core only caches and versions them.
type PriceCache struct {
	prices map[string]*PricePoint
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]*PricePoint)}
}

// Update applies an oracle price. Stale sequences are silently ignored
// (idempotent); gaps are tolerated, unlike command sequences.
func (pc *PriceCache) Update(denom string, price decimal.Decimal, sequence int64, timestamp int64) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("non-positive price %s for %s", price, denom)
	}

	current := pc.prices[denom]
	if current != nil && sequence <= current.PriceSequence {
		return nil
	}

	pc.prices[denom] = &PricePoint{
		Price:         price,
		PriceSequence: sequence,
		Timestamp:     timestamp,
	}
	return nil
}

// Get returns the cached price for denom.
func (pc *PriceCache) Get(denom string) (decimal.Decimal, bool) {
	p := pc.prices[denom]
	if p == nil {
		return decimal.Decimal{}, false
	}
	return p.Price, true
}

// All returns the full cache (snapshot support).
func (pc *PriceCache) All() map[string]*PricePoint {
	out := make(map[string]*PricePoint, len(pc.prices))
	for k, v := range pc.prices {
		out[k] = v
	}
	return out
}

// Restore installs a price point during snapshot restore.
func (pc *PriceCache) Restore(denom string, p *PricePoint) {
	pc.prices[denom] = p
}
