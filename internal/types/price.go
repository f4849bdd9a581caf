package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate carries an oracle price for an asset. Prices are versioned by
// their own per-asset sequence; gaps are tolerated (unlike command sequences).
type PriceUpdate struct {
	Denom         string
	Price         decimal.Decimal
	PriceSequence int64
	// Oracle timestamp, epoch microseconds
	PriceTimestamp int64
}

func (c *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", c.Denom, c.PriceSequence)
}

func (c *PriceUpdate) CommandType() CommandType { return CommandTypePriceUpdate }
func (c *PriceUpdate) Asset() *string           { return &c.Denom }
func (c *PriceUpdate) SourceSequence() int64    { return c.PriceSequence }
func (c *PriceUpdate) Time() time.Time          { return time.UnixMicro(c.PriceTimestamp) }
