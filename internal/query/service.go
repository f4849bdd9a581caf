package query

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/0xarbor/mars-core/internal/core"
	"github.com/0xarbor/mars-core/internal/state"
)

// MaxPageSize caps market listing and history page sizes.
const MaxPageSize = 100

// ErrNotFound reports a missing market, debt record or credit line.
var ErrNotFound = fmt.Errorf("not found")

// QueryService serves read-only queries. Market, config and position queries
// read committed in-memory state through the core's gate; history queries read
// from PostgreSQL projections. All responses carry as_of_sequence for
// freshness semantics.
type QueryService struct {
	db   *sql.DB
	gate *core.StateGate
}

func NewQueryService(db *sql.DB, gate *core.StateGate) *QueryService {
	return &QueryService{db: db, gate: gate}
}

// GetConfig returns the current protocol configuration.
func (qs *QueryService) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	var resp *ConfigResponse
	qs.gate.View(func(c *core.LendingCore) {
		cfg := c.ConfigState()
		resp = &ConfigResponse{
			Owner:                 cfg.Owner,
			InsuranceFundAddress:  cfg.InsuranceFundAddress,
			TreasuryAddress:       cfg.TreasuryAddress,
			StakingRewardsAddress: cfg.StakingRewardsAddress,
			CloseFactor:           cfg.CloseFactor.String(),
			InsuranceFundFeeShare: cfg.InsuranceFundFeeShare.String(),
			TreasuryFeeShare:      cfg.TreasuryFeeShare.String(),
			MinRepayDust:          cfg.MinRepayDust.String(),
			MarketCount:           c.Registry().Count(),
			AsOfSequence:          c.GetSequence(),
		}
	})
	return resp, nil
}

// GetMarket returns one money market's full state.
func (qs *QueryService) GetMarket(ctx context.Context, denom string) (*MarketResponse, error) {
	var resp *MarketResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		m, e := c.Registry().Get(denom)
		if e != nil {
			err = fmt.Errorf("%w: market %s", ErrNotFound, denom)
			return
		}
		r := marketResponse(c, m)
		resp = &r
	})
	return resp, err
}

// GetMarketByIndex resolves a market by its dense registry index.
func (qs *QueryService) GetMarketByIndex(ctx context.Context, index uint32) (*MarketResponse, error) {
	var resp *MarketResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		m, e := c.Registry().GetByIndex(index)
		if e != nil {
			err = fmt.Errorf("%w: market index %d", ErrNotFound, index)
			return
		}
		r := marketResponse(c, m)
		resp = &r
	})
	return resp, err
}

// ListMarkets returns markets ordered by denom, paginated with start_after.
func (qs *QueryService) ListMarkets(ctx context.Context, startAfter string, limit int) (*MarketListResponse, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	resp := &MarketListResponse{Markets: make([]MarketResponse, 0, limit)}
	qs.gate.View(func(c *core.LendingCore) {
		markets := c.Registry().All()
		sort.Slice(markets, func(i, j int) bool { return markets[i].Denom < markets[j].Denom })

		for _, m := range markets {
			if startAfter != "" && m.Denom <= startAfter {
				continue
			}
			if len(resp.Markets) == limit {
				next := resp.Markets[limit-1].Denom
				resp.NextAfter = &next
				break
			}
			resp.Markets = append(resp.Markets, marketResponse(c, m))
		}
		resp.AsOfSequence = c.GetSequence()
	})
	return resp, nil
}

// GetUserDebt returns a user's debt in one market.
func (qs *QueryService) GetUserDebt(ctx context.Context, user, denom string) (*DebtResponse, error) {
	var resp *DebtResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		m, e := c.Registry().Get(denom)
		if e != nil {
			err = fmt.Errorf("%w: market %s", ErrNotFound, denom)
			return
		}
		debt := c.Ledger().DebtOf(m, user)
		resp = &DebtResponse{
			User:             user,
			Denom:            denom,
			AmountScaled:     debt.AmountScaled.String(),
			Amount:           c.Ledger().DebtUnderlying(m, user).String(),
			Uncollateralized: debt.Uncollateralized,
			AsOfSequence:     c.GetSequence(),
		}
	})
	return resp, err
}

// GetUserCollateral returns a user's deposit in one market.
func (qs *QueryService) GetUserCollateral(ctx context.Context, user, denom string) (*CollateralResponse, error) {
	var resp *CollateralResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		m, e := c.Registry().Get(denom)
		if e != nil {
			err = fmt.Errorf("%w: market %s", ErrNotFound, denom)
			return
		}
		resp = &CollateralResponse{
			User:         user,
			Denom:        denom,
			AmountScaled: c.Ledger().CollateralOf(m, user).String(),
			Amount:       c.Ledger().CollateralUnderlying(m, user).String(),
			AsOfSequence: c.GetSequence(),
		}
	})
	return resp, err
}

// GetUserPosition aggregates every market the user touches plus the health
// metrics the liquidation path uses.
func (qs *QueryService) GetUserPosition(ctx context.Context, user string) (*UserPositionResponse, error) {
	var resp *UserPositionResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		seq := c.GetSequence()
		resp = &UserPositionResponse{
			User:         user,
			Collateral:   make([]CollateralResponse, 0),
			Debts:        make([]DebtResponse, 0),
			AsOfSequence: seq,
		}

		record := c.Ledger().UserOf(user)
		if record != nil {
			for _, idx := range record.Collateral.Indices() {
				m, e := c.Registry().GetByIndex(idx)
				if e != nil {
					err = e
					return
				}
				resp.Collateral = append(resp.Collateral, CollateralResponse{
					User:         user,
					Denom:        m.Denom,
					AmountScaled: c.Ledger().CollateralOf(m, user).String(),
					Amount:       c.Ledger().CollateralUnderlying(m, user).String(),
					AsOfSequence: seq,
				})
			}
			for _, idx := range record.Borrowed.Indices() {
				m, e := c.Registry().GetByIndex(idx)
				if e != nil {
					err = e
					return
				}
				debt := c.Ledger().DebtOf(m, user)
				resp.Debts = append(resp.Debts, DebtResponse{
					User:             user,
					Denom:            m.Denom,
					AmountScaled:     debt.AmountScaled.String(),
					Amount:           c.Ledger().DebtUnderlying(m, user).String(),
					Uncollateralized: debt.Uncollateralized,
					AsOfSequence:     seq,
				})
			}
		}

		pos, e := c.Health().Evaluate(user, time.Now())
		if e != nil {
			err = fmt.Errorf("evaluate position: %w", e)
			return
		}
		resp.CollateralValue = pos.CollateralValue.String()
		resp.MaxBorrowValue = pos.MaxBorrowValue.String()
		resp.LiquidationThreshold = pos.LiquidationThreshold.String()
		resp.DebtValue = pos.DebtValue.String()
		if hf, ok := pos.HealthFactor(); ok {
			s := hf.String()
			resp.HealthFactor = &s
		}
		resp.Liquidatable = pos.Liquidatable()
	})
	return resp, err
}

// GetLoanLimit returns the uncollateralized credit line for (user, denom).
func (qs *QueryService) GetLoanLimit(ctx context.Context, user, denom string) (*LoanLimitResponse, error) {
	var resp *LoanLimitResponse
	var err error
	qs.gate.View(func(c *core.LendingCore) {
		limit, ok := c.Limits().Get(denom, user)
		if !ok {
			err = fmt.Errorf("%w: loan limit for %s/%s", ErrNotFound, user, denom)
			return
		}
		resp = &LoanLimitResponse{
			User:         user,
			Denom:        denom,
			Limit:        limit.String(),
			AsOfSequence: c.GetSequence(),
		}
	})
	return resp, err
}

func marketResponse(c *core.LendingCore, m *state.Market) MarketResponse {
	return MarketResponse{
		Denom:                      m.Denom,
		Index:                      m.Index,
		AssetKind:                  m.AssetKind.String(),
		TokenAddress:               m.TokenAddress,
		BorrowIndex:                m.BorrowIndex.String(),
		LiquidityIndex:             m.LiquidityIndex.String(),
		BorrowRate:                 m.BorrowRate.String(),
		LiquidityRate:              m.LiquidityRate.String(),
		MaxLoanToValue:             m.MaxLoanToValue.String(),
		ReserveFactor:              m.ReserveFactor.String(),
		MaintenanceMargin:          m.MaintenanceMargin.String(),
		LiquidationBonus:           m.LiquidationBonus.String(),
		InterestsLastUpdated:       m.InterestsLastUpdated,
		DebtTotalScaled:            m.DebtTotalScaled.String(),
		ProtocolIncomeToDistribute: m.ProtocolIncomeToDistribute.String(),
		AvailableLiquidity:         c.Ledger().AvailableLiquidity(m.Denom).String(),
		AsOfSequence:               c.GetSequence(),
	}
}
