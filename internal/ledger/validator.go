package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/state"
)

// InvariantValidator cross-checks the ledger against the market registry
// after each applied command. Any violation means corrupted state and is
// fatal to the core.
type InvariantValidator struct {
	ledger   *ScaledLedger
	registry *state.MarketRegistry
}

func NewInvariantValidator(ledger *ScaledLedger, registry *state.MarketRegistry) *InvariantValidator {
	return &InvariantValidator{ledger: ledger, registry: registry}
}

// Validate checks, for every market:
//   - the sum of per-user scaled debts equals the market's scaled debt total
//   - pool liquidity is non-negative
//
// and, for every user, that each bitmap bit corresponds to a nonzero scaled
// balance and vice versa. Disabled collateral balances are the one allowed
// exception: they carry a nonzero balance with a clear bit.
func (v *InvariantValidator) Validate() error {
	for _, m := range v.registry.All() {
		sum := v.ledger.sumDebtsScaled(m.Denom)
		if !sum.Equal(m.DebtTotalScaled) {
			return fmt.Errorf("market %s: sum of scaled debts %s != debt total %s",
				m.Denom, sum, m.DebtTotalScaled)
		}
		if v.ledger.liquidity[m.Denom].Sign() < 0 {
			return fmt.Errorf("market %s: negative pool liquidity %s",
				m.Denom, v.ledger.liquidity[m.Denom])
		}
	}

	for user, record := range v.ledger.users {
		if err := v.validateBitmap(user, record); err != nil {
			return err
		}
	}
	return nil
}

func (v *InvariantValidator) validateBitmap(user string, record *User) error {
	for _, m := range v.registry.All() {
		key := AccountKey{Denom: m.Denom, User: user}

		debt := v.ledger.debts[key]
		hasDebt := debt != nil && !debt.AmountScaled.IsZero()
		if record.Borrowed.Has(m.Index) != hasDebt {
			return fmt.Errorf("user %s market %s: borrow bit %v but debt present %v",
				user, m.Denom, record.Borrowed.Has(m.Index), hasDebt)
		}

		hasCollateral := !v.ledger.collaterals[key].IsZero() && !v.ledger.disabledCollateral[key]
		if record.Collateral.Has(m.Index) != hasCollateral {
			return fmt.Errorf("user %s market %s: collateral bit %v but enabled collateral present %v",
				user, m.Denom, record.Collateral.Has(m.Index), hasCollateral)
		}
		if v.ledger.disabledCollateral[key] && v.ledger.collaterals[key].IsZero() {
			return fmt.Errorf("user %s market %s: disabled-collateral marker with zero balance",
				user, m.Denom)
		}
	}
	return nil
}

func (l *ScaledLedger) sumDebtsScaled(denom string) decimal.Decimal {
	sum := fpmath.Zero
	for k, d := range l.debts {
		if k.Denom == denom {
			sum = sum.Add(d.AmountScaled)
		}
	}
	return sum
}
