package risk

import (
	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
)

// LiquidationPlan is the resolved outcome of a liquidation request: how much
// debt the liquidator actually repays, how much collateral they seize, and
// how much of their offered repay amount is refunded.
type LiquidationPlan struct {
	RepayAmount      decimal.Decimal
	Refund           decimal.Decimal
	SeizedCollateral decimal.Decimal
}

// PlanLiquidation clamps the offered repay amount to the close-factor share
// of the borrower's debt in the debt market, prices the seizable collateral
// at debt value grown by the liquidation bonus, and caps the seizure at the
// borrower's available collateral. When the cap binds, the effective repay
// amount shrinks so the liquidator never overpays for less collateral.
//
// All amounts are underlying units; debtBalance and collateralBalance are
// the borrower's accrued balances in the two markets.
func PlanLiquidation(
	offered decimal.Decimal,
	debtBalance decimal.Decimal,
	collateralBalance decimal.Decimal,
	closeFactor decimal.Decimal,
	liquidationBonus decimal.Decimal,
	debtPrice decimal.Decimal,
	collateralPrice decimal.Decimal,
) LiquidationPlan {
	maxRepay := debtBalance.Mul(closeFactor).Truncate(0)
	repay := offered
	if repay.GreaterThan(maxRepay) {
		repay = maxRepay
	}

	bonusFactor := fpmath.One.Add(liquidationBonus)
	seized := fpmath.DivTrunc(repay.Mul(debtPrice).Mul(bonusFactor), collateralPrice)

	if seized.GreaterThan(collateralBalance) {
		seized = collateralBalance
		// back out the repay amount the capped seizure is worth
		repay = fpmath.DivTrunc(seized.Mul(collateralPrice), debtPrice.Mul(bonusFactor))
	}

	return LiquidationPlan{
		RepayAmount:      repay,
		Refund:           offered.Sub(repay),
		SeizedCollateral: seized,
	}
}
