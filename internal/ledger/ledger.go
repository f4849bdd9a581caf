package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/state"
)

// AccountKey identifies a (market, user) balance record.
type AccountKey struct {
	Denom string
	User  string
}

// Debt is a user's scaled debt in one market.
type Debt struct {
	AmountScaled decimal.Decimal
	// Uncollateralized debt is extended against an off-ledger credit line.
	// Its record persists at zero balance as long as the line exists.
	Uncollateralized bool
}

// User tracks which markets a user currently borrows from or supplies
// collateral to. A bit is set iff the corresponding scaled balance is nonzero
// and, for collateral, the balance is enabled as loan backing.
type User struct {
	Borrowed   PositionSet
	Collateral PositionSet
}

// Change reports the scaled and underlying deltas a ledger operation applied.
type Change struct {
	Scaled     decimal.Decimal
	Underlying decimal.Decimal
}

// ScaledLedger stores every user's debt and collateral as index-normalized
// scaled quantities, plus each market's un-borrowed pool liquidity. All
// mutations keep the per-user record, the market aggregate, the user bitmap
// and pool liquidity consistent within one state transition.
//
// Callers must accrue the market before any operation so conversions use the
// post-accrual index. Not thread-safe: single-threaded core only.
type ScaledLedger struct {
	debts       map[AccountKey]*Debt
	collaterals map[AccountKey]decimal.Decimal
	users       map[string]*User
	liquidity   map[string]decimal.Decimal
	// Collateral balances deposited while the owner held a credit line.
	// They earn the liquidity index but never back loans, so their bitmap
	// bit stays clear.
	disabledCollateral map[AccountKey]bool
}

func NewScaledLedger() *ScaledLedger {
	return &ScaledLedger{
		debts:              make(map[AccountKey]*Debt),
		collaterals:        make(map[AccountKey]decimal.Decimal),
		users:              make(map[string]*User),
		liquidity:          make(map[string]decimal.Decimal),
		disabledCollateral: make(map[AccountKey]bool),
	}
}

func (l *ScaledLedger) userRecord(user string) *User {
	u := l.users[user]
	if u == nil {
		u = &User{}
		l.users[user] = u
	}
	return u
}

// IncreaseCollateral deposits amount underlying units for user. Returns the
// scaled delta credited. A deposit with enabled=false does not count as loan
// backing: its bit stays clear unless the balance was already enabled.
func (l *ScaledLedger) IncreaseCollateral(m *state.Market, user string, amount decimal.Decimal, enabled bool) (Change, error) {
	if amount.Sign() <= 0 {
		return Change{}, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}

	scaled := fpmath.ScaledFromUnderlying(amount, m.LiquidityIndex)
	key := AccountKey{Denom: m.Denom, User: user}
	l.collaterals[key] = l.collaterals[key].Add(scaled)
	l.liquidity[m.Denom] = l.liquidity[m.Denom].Add(amount)

	rec := l.userRecord(user)
	switch {
	case enabled:
		rec.Collateral.Set(m.Index)
		delete(l.disabledCollateral, key)
	case rec.Collateral.Has(m.Index):
		// Balance already backs loans; a later credit line does not demote it.
	default:
		l.disabledCollateral[key] = true
	}

	return Change{Scaled: scaled, Underlying: amount}, nil
}

// DecreaseCollateral withdraws amount underlying units for user. A zero
// amount withdraws the entire balance. Fails with ErrInsufficientBalance if
// the scaled balance or the pool's free liquidity cannot cover it.
func (l *ScaledLedger) DecreaseCollateral(m *state.Market, user string, amount decimal.Decimal) (Change, error) {
	key := AccountKey{Denom: m.Denom, User: user}
	balance := l.collaterals[key]
	if balance.IsZero() {
		return Change{}, fmt.Errorf("%w: no %s collateral for %s", state.ErrInsufficientBalance, m.Denom, user)
	}

	var scaled decimal.Decimal
	if amount.IsZero() {
		scaled = balance
		amount = fpmath.UnderlyingFromScaled(balance, m.LiquidityIndex)
	} else {
		scaled = fpmath.ScaledFromUnderlying(amount, m.LiquidityIndex)
	}

	if scaled.GreaterThan(balance) {
		return Change{}, fmt.Errorf("%w: withdraw %s exceeds %s collateral", state.ErrInsufficientBalance, amount, m.Denom)
	}
	if amount.GreaterThan(l.liquidity[m.Denom]) {
		return Change{}, fmt.Errorf("%w: withdraw %s exceeds available %s liquidity", state.ErrInsufficientBalance, amount, m.Denom)
	}

	remaining := balance.Sub(scaled)
	if remaining.IsZero() {
		delete(l.collaterals, key)
		delete(l.disabledCollateral, key)
		l.userRecord(user).Collateral.Clear(m.Index)
	} else {
		l.collaterals[key] = remaining
	}
	l.liquidity[m.Denom] = l.liquidity[m.Denom].Sub(amount)

	return Change{Scaled: scaled, Underlying: amount}, nil
}

// IncreaseDebt lends amount underlying units to user out of pool liquidity.
// The scaled debt rounds up to at least one unit so no borrow is ever free.
func (l *ScaledLedger) IncreaseDebt(m *state.Market, user string, amount decimal.Decimal, uncollateralized bool) (Change, error) {
	if amount.Sign() <= 0 {
		return Change{}, fmt.Errorf("borrow amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(l.liquidity[m.Denom]) {
		return Change{}, fmt.Errorf("%w: borrow %s exceeds available %s liquidity", state.ErrInsufficientBalance, amount, m.Denom)
	}

	scaled := fpmath.ScaledFromUnderlying(amount, m.BorrowIndex)
	if scaled.IsZero() {
		scaled = fpmath.One
	}

	key := AccountKey{Denom: m.Denom, User: user}
	debt := l.debts[key]
	if debt == nil {
		debt = &Debt{AmountScaled: fpmath.Zero, Uncollateralized: uncollateralized}
		l.debts[key] = debt
	}
	debt.AmountScaled = debt.AmountScaled.Add(scaled)

	m.DebtTotalScaled = m.DebtTotalScaled.Add(scaled)
	l.liquidity[m.Denom] = l.liquidity[m.Denom].Sub(amount)
	l.userRecord(user).Borrowed.Set(m.Index)

	return Change{Scaled: scaled, Underlying: amount}, nil
}

// DecreaseDebt repays amount underlying units of user's debt. A zero amount
// repays the entire debt. The record is removed when the scaled balance
// returns to zero unless it is an uncollateralized credit line.
func (l *ScaledLedger) DecreaseDebt(m *state.Market, user string, amount decimal.Decimal) (Change, error) {
	key := AccountKey{Denom: m.Denom, User: user}
	debt := l.debts[key]
	if debt == nil || debt.AmountScaled.IsZero() {
		return Change{}, fmt.Errorf("%w: no %s debt for %s", state.ErrInsufficientBalance, m.Denom, user)
	}

	var scaled decimal.Decimal
	if amount.IsZero() {
		scaled = debt.AmountScaled
		amount = fpmath.UnderlyingFromScaled(scaled, m.BorrowIndex)
	} else {
		scaled = fpmath.ScaledFromUnderlying(amount, m.BorrowIndex)
	}

	if scaled.GreaterThan(debt.AmountScaled) {
		return Change{}, fmt.Errorf("%w: repay %s exceeds %s debt", state.ErrInsufficientBalance, amount, m.Denom)
	}

	debt.AmountScaled = debt.AmountScaled.Sub(scaled)
	if debt.AmountScaled.IsZero() {
		l.userRecord(user).Borrowed.Clear(m.Index)
		if !debt.Uncollateralized {
			delete(l.debts, key)
		}
	}

	m.DebtTotalScaled = m.DebtTotalScaled.Sub(scaled)
	l.liquidity[m.Denom] = l.liquidity[m.Denom].Add(amount)

	return Change{Scaled: scaled, Underlying: amount}, nil
}

// SeizeCollateral moves amount underlying units of collateral from the
// borrower's scaled balance to the liquidator's. Pool liquidity is untouched:
// the deposit changes owner, it does not leave the pool.
func (l *ScaledLedger) SeizeCollateral(m *state.Market, from, to string, amount decimal.Decimal) (Change, error) {
	fromKey := AccountKey{Denom: m.Denom, User: from}
	balance := l.collaterals[fromKey]

	scaled := fpmath.ScaledFromUnderlying(amount, m.LiquidityIndex)
	if scaled.GreaterThan(balance) {
		return Change{}, fmt.Errorf("%w: seize %s exceeds %s collateral of %s",
			state.ErrExceedsCollateral, amount, m.Denom, from)
	}

	remaining := balance.Sub(scaled)
	if remaining.IsZero() {
		delete(l.collaterals, fromKey)
		delete(l.disabledCollateral, fromKey)
		l.userRecord(from).Collateral.Clear(m.Index)
	} else {
		l.collaterals[fromKey] = remaining
	}

	toKey := AccountKey{Denom: m.Denom, User: to}
	l.collaterals[toKey] = l.collaterals[toKey].Add(scaled)
	l.userRecord(to).Collateral.Set(m.Index)
	delete(l.disabledCollateral, toKey)

	return Change{Scaled: scaled, Underlying: amount}, nil
}

// SetUncollateralized flips the credit-line flag on a user's debt record,
// creating a zero-balance record when granting a line to a user with no debt.
// Revoking the flag on a zero-balance record removes it.
func (l *ScaledLedger) SetUncollateralized(m *state.Market, user string, uncollateralized bool) {
	key := AccountKey{Denom: m.Denom, User: user}
	debt := l.debts[key]

	if uncollateralized {
		if debt == nil {
			l.debts[key] = &Debt{AmountScaled: fpmath.Zero, Uncollateralized: true}
			return
		}
		debt.Uncollateralized = true
		return
	}

	if debt == nil {
		return
	}
	debt.Uncollateralized = false
	if debt.AmountScaled.IsZero() {
		delete(l.debts, key)
	}
}

// DebitLiquidity removes amount underlying units from the pool without
// touching any scaled balance. Used when accrued protocol income leaves the
// pool on distribution.
func (l *ScaledLedger) DebitLiquidity(denom string, amount decimal.Decimal) error {
	if amount.GreaterThan(l.liquidity[denom]) {
		return fmt.Errorf("%w: debit %s exceeds available %s liquidity",
			state.ErrInsufficientBalance, amount, denom)
	}
	l.liquidity[denom] = l.liquidity[denom].Sub(amount)
	return nil
}

// === Read side ===

// DebtOf returns user's scaled debt record in market m (zero record if none).
func (l *ScaledLedger) DebtOf(m *state.Market, user string) Debt {
	debt := l.debts[AccountKey{Denom: m.Denom, User: user}]
	if debt == nil {
		return Debt{AmountScaled: fpmath.Zero}
	}
	return *debt
}

// DebtUnderlying returns user's debt in underlying units at the current
// borrow index.
func (l *ScaledLedger) DebtUnderlying(m *state.Market, user string) decimal.Decimal {
	return fpmath.UnderlyingFromScaled(l.DebtOf(m, user).AmountScaled, m.BorrowIndex)
}

// CollateralOf returns user's scaled collateral in market m.
func (l *ScaledLedger) CollateralOf(m *state.Market, user string) decimal.Decimal {
	return l.collaterals[AccountKey{Denom: m.Denom, User: user}]
}

// CollateralUnderlying returns user's collateral in underlying units at the
// current liquidity index.
func (l *ScaledLedger) CollateralUnderlying(m *state.Market, user string) decimal.Decimal {
	return fpmath.UnderlyingFromScaled(l.CollateralOf(m, user), m.LiquidityIndex)
}

// AvailableLiquidity returns the un-borrowed pool funds for denom.
func (l *ScaledLedger) AvailableLiquidity(denom string) decimal.Decimal {
	return l.liquidity[denom]
}

// UserOf returns the user's position bitmaps, or nil if the user has never
// held a position.
func (l *ScaledLedger) UserOf(user string) *User {
	return l.users[user]
}

// === Snapshot support ===

type Snapshot struct {
	Debts              map[AccountKey]Debt
	Collaterals        map[AccountKey]decimal.Decimal
	Users              map[string]User
	Liquidity          map[string]decimal.Decimal
	DisabledCollateral map[AccountKey]bool
}

// Snapshot copies the full ledger state.
func (l *ScaledLedger) Snapshot() Snapshot {
	snap := Snapshot{
		Debts:              make(map[AccountKey]Debt, len(l.debts)),
		Collaterals:        make(map[AccountKey]decimal.Decimal, len(l.collaterals)),
		Users:              make(map[string]User, len(l.users)),
		Liquidity:          make(map[string]decimal.Decimal, len(l.liquidity)),
		DisabledCollateral: make(map[AccountKey]bool, len(l.disabledCollateral)),
	}
	for k, v := range l.debts {
		snap.Debts[k] = *v
	}
	for k, v := range l.collaterals {
		snap.Collaterals[k] = v
	}
	for k, v := range l.users {
		snap.Users[k] = *v
	}
	for k, v := range l.liquidity {
		snap.Liquidity[k] = v
	}
	for k, v := range l.disabledCollateral {
		snap.DisabledCollateral[k] = v
	}
	return snap
}

// Restore replaces the ledger state with a snapshot.
func (l *ScaledLedger) Restore(snap Snapshot) {
	l.debts = make(map[AccountKey]*Debt, len(snap.Debts))
	for k, v := range snap.Debts {
		debt := v
		l.debts[k] = &debt
	}
	l.collaterals = make(map[AccountKey]decimal.Decimal, len(snap.Collaterals))
	for k, v := range snap.Collaterals {
		l.collaterals[k] = v
	}
	l.users = make(map[string]*User, len(snap.Users))
	for k, v := range snap.Users {
		u := v
		l.users[k] = &u
	}
	l.liquidity = make(map[string]decimal.Decimal, len(snap.Liquidity))
	for k, v := range snap.Liquidity {
		l.liquidity[k] = v
	}
	l.disabledCollateral = make(map[AccountKey]bool, len(snap.DisabledCollateral))
	for k, v := range snap.DisabledCollateral {
		l.disabledCollateral[k] = v
	}
}

// DebtsInMarket returns every (user, scaled debt) pair for a market.
// Used by the invariant validator and projections.
func (l *ScaledLedger) DebtsInMarket(denom string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for k, v := range l.debts {
		if k.Denom == denom {
			out[k.User] = v.AmountScaled
		}
	}
	return out
}
