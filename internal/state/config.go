package state

import (
	"github.com/shopspring/decimal"

	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/types"
)

// Config is the lending pool global configuration singleton.
type Config struct {
	// Owner is the only address allowed to run admin commands
	Owner string
	// InsuranceFundAddress receives its share of distributed protocol income
	InsuranceFundAddress string
	// TreasuryAddress receives its share of distributed protocol income
	TreasuryAddress string
	// StakingRewardsAddress receives the remainder of distributed income
	StakingRewardsAddress string

	// CloseFactor is the max fraction of a borrower's debt one liquidation
	// call may repay
	CloseFactor decimal.Decimal
	// InsuranceFundFeeShare of distributed protocol income
	InsuranceFundFeeShare decimal.Decimal
	// TreasuryFeeShare of distributed protocol income
	TreasuryFeeShare decimal.Decimal
	// MinRepayDust is the smallest liquidation repay accepted
	MinRepayDust decimal.Decimal
}

// Validate checks the fraction bounds. Field order here fixes the order in
// which violations are reported.
func (c Config) Validate() error {
	if err := allConditionsValid([]fieldCheck{
		{fpmath.IsFraction(c.CloseFactor), "close_factor", "must be a fraction in [0, 1]"},
		{fpmath.IsFraction(c.InsuranceFundFeeShare), "insurance_fund_fee_share", "must be a fraction in [0, 1]"},
		{fpmath.IsFraction(c.TreasuryFeeShare), "treasury_fee_share", "must be a fraction in [0, 1]"},
	}); err != nil {
		return err
	}

	combined := c.InsuranceFundFeeShare.Add(c.TreasuryFeeShare)
	if combined.GreaterThan(fpmath.One) {
		return &ValidationError{
			Field:  "insurance_fund_fee_share",
			Reason: "sum of insurance and treasury fee shares exceeds one",
		}
	}

	return nil
}

// UpdateWith overlays the provided fields onto the config and re-validates
// the merged result. The whole update is rejected if any rule fails.
func (c Config) UpdateWith(cmd *types.UpdateConfig) (Config, error) {
	updated := c
	if cmd.Owner != nil {
		updated.Owner = *cmd.Owner
	}
	if cmd.CloseFactor != nil {
		updated.CloseFactor = *cmd.CloseFactor
	}
	if cmd.InsuranceFundFeeShare != nil {
		updated.InsuranceFundFeeShare = *cmd.InsuranceFundFeeShare
	}
	if cmd.TreasuryFeeShare != nil {
		updated.TreasuryFeeShare = *cmd.TreasuryFeeShare
	}
	if cmd.MinRepayDust != nil {
		updated.MinRepayDust = *cmd.MinRepayDust
	}

	if err := updated.Validate(); err != nil {
		return Config{}, err
	}
	return updated, nil
}
