package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/ledger"
	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/state"
)

// Position is a user's portfolio valued in the common quote unit.
//
// MaxBorrowValue weights each collateral position by its market's
// max_loan_to_value; LiquidationThreshold weights by maintenance_margin.
// A position may borrow while debt stays within MaxBorrowValue and becomes
// liquidatable once debt exceeds LiquidationThreshold.
type Position struct {
	CollateralValue      decimal.Decimal
	MaxBorrowValue       decimal.Decimal
	LiquidationThreshold decimal.Decimal
	DebtValue            decimal.Decimal
}

// HealthFactor is LiquidationThreshold / DebtValue. Returns ok=false when
// the position carries no debt (the factor is unbounded).
func (p Position) HealthFactor() (decimal.Decimal, bool) {
	if p.DebtValue.IsZero() {
		return decimal.Decimal{}, false
	}
	return p.LiquidationThreshold.Div(p.DebtValue), true
}

// Liquidatable reports whether accrued debt exceeds the maintenance-weighted
// collateral value.
func (p Position) Liquidatable() bool {
	return p.DebtValue.GreaterThan(p.LiquidationThreshold)
}

// CanBorrow reports whether the position could take on extra units of debt
// value and stay within the loan-to-value limit.
func (p Position) CanBorrow(extraDebtValue decimal.Decimal) bool {
	return p.DebtValue.Add(extraDebtValue).LessThanOrEqual(p.MaxBorrowValue)
}

// HealthCalculator values user positions against current prices, projecting
// every touched market's indices to the evaluation time. Only the market a
// command targets is accrued in place, so the others must be valued at
// projected indices or cross-market debt is understated.
type HealthCalculator struct {
	ledger   *ledger.ScaledLedger
	registry *state.MarketRegistry
	prices   *state.PriceCache
}

func NewHealthCalculator(l *ledger.ScaledLedger, registry *state.MarketRegistry, prices *state.PriceCache) *HealthCalculator {
	return &HealthCalculator{ledger: l, registry: registry, prices: prices}
}

// Evaluate walks the user's position bitmaps and values every collateral and
// debt balance at the indices each market would carry if accrued to at.
// Fails with ErrNoPrice when any touched market has no price.
func (h *HealthCalculator) Evaluate(user string, at time.Time) (Position, error) {
	pos := Position{
		CollateralValue:      fpmath.Zero,
		MaxBorrowValue:       fpmath.Zero,
		LiquidationThreshold: fpmath.Zero,
		DebtValue:            fpmath.Zero,
	}

	record := h.ledger.UserOf(user)
	if record == nil {
		return pos, nil
	}
	now := uint64(at.Unix())

	for _, idx := range record.Collateral.Indices() {
		m, err := h.registry.GetByIndex(idx)
		if err != nil {
			return Position{}, err
		}
		price, err := h.price(m.Denom)
		if err != nil {
			return Position{}, err
		}
		_, liquidityIndex := state.ProjectedIndices(m, now)
		underlying := fpmath.UnderlyingFromScaled(h.ledger.CollateralOf(m, user), liquidityIndex)
		value := underlying.Mul(price)
		pos.CollateralValue = pos.CollateralValue.Add(value)
		pos.MaxBorrowValue = pos.MaxBorrowValue.Add(value.Mul(m.MaxLoanToValue))
		pos.LiquidationThreshold = pos.LiquidationThreshold.Add(value.Mul(m.MaintenanceMargin))
	}

	for _, idx := range record.Borrowed.Indices() {
		m, err := h.registry.GetByIndex(idx)
		if err != nil {
			return Position{}, err
		}
		price, err := h.price(m.Denom)
		if err != nil {
			return Position{}, err
		}
		borrowIndex, _ := state.ProjectedIndices(m, now)
		underlying := fpmath.UnderlyingFromScaled(h.ledger.DebtOf(m, user).AmountScaled, borrowIndex)
		pos.DebtValue = pos.DebtValue.Add(underlying.Mul(price))
	}

	return pos, nil
}

func (h *HealthCalculator) price(denom string) (decimal.Decimal, error) {
	price, ok := h.prices.Get(denom)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", state.ErrNoPrice, denom)
	}
	return price, nil
}
