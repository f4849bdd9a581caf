package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xarbor/mars-core/internal/ledger"
	fpmath "github.com/0xarbor/mars-core/internal/math"
	"github.com/0xarbor/mars-core/internal/observability"
	"github.com/0xarbor/mars-core/internal/risk"
	"github.com/0xarbor/mars-core/internal/state"
	"github.com/0xarbor/mars-core/internal/types"
)

// LendingCore is the single-threaded command processor. Every command either
// commits atomically (ledger mutated, envelope hashed and logged, transfers
// queued) or is rejected with no state change. Outbound transfers are queued
// strictly after all state mutation for the command is complete.
type LendingCore struct {
	sequence          int64
	hasher            *StateHasher
	config            state.Config
	registry          *state.MarketRegistry
	ledger            *ledger.ScaledLedger
	prices            *state.PriceCache
	limits            *state.LoanLimits
	health            *risk.HealthCalculator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied command: its envelope, the balance mutations it
// produced, and the transfers the host must execute after commit.
type CoreOutput struct {
	Envelope   *types.CommandEnvelope
	Ops        []ledger.Op
	Outbound   []types.TransferMessage
	StateDelta []byte
}

func NewLendingCore(
	initialConfig state.Config,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*LendingCore, error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("initial config rejected: %w", err)
	}

	scaledLedger := ledger.NewScaledLedger()
	registry := state.NewMarketRegistry()
	prices := state.NewPriceCache()

	return &LendingCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		config:            initialConfig,
		registry:          registry,
		ledger:            scaledLedger,
		prices:            prices,
		limits:            state.NewLoanLimits(),
		health:            risk.NewHealthCalculator(scaledLedger, registry, prices),
		validator:         ledger.NewInvariantValidator(scaledLedger, registry),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// commandResult carries a handler's balance mutations, result attributes and
// queued transfers back to the pipeline.
type commandResult struct {
	ops        []ledger.Op
	attributes []types.Attribute
	outbound   []types.TransferMessage
}

// ProcessCommand is the main processing pipeline
func (c *LendingCore) ProcessCommand(cmd types.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation. Oracle prices get per-asset partitions
	// with gap tolerance; everything else shares the strict chain order.
	if priceCmd, ok := cmd.(*types.PriceUpdate); ok {
		if err := c.sequenceValidator.ValidatePriceSequence(priceCmd.Denom, priceCmd.PriceSequence); err != nil {
			return err
		}
	} else {
		if err := c.sequenceValidator.ValidateSequence(ChainPartition, cmd.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Dispatch. A handler error means the command is rejected whole:
	// handlers run all checks before the first mutation. Ordering state
	// advances only once dispatch succeeds, so a rejected command leaves its
	// sequence slot open for the command that replaces it.
	result, err := c.dispatch(cmd)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "rejected").Inc()
		}
		return err
	}

	if priceCmd, ok := cmd.(*types.PriceUpdate); ok {
		c.sequenceValidator.ObservePriceSequence(priceCmd.Denom, priceCmd.PriceSequence)
	} else {
		c.sequenceValidator.CommitSequence(ChainPartition, cmd.SourceSequence())
	}

	// Step 4: Post-apply invariant checks
	if err := c.validator.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", commandType, err))
	}

	// Step 5: State digest and hash chain. Capture the tip before hashing:
	// ComputeHash advances it to the new hash.
	stateDigest := c.computeStateDigest(result.ops)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	payload, err := json.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: command %s not serializable: %v", commandType, err))
	}

	envelope := &types.CommandEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		Asset:          cmd.Asset(),
		Timestamp:      cmd.Time(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		Attributes:     result.attributes,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Ops:        result.ops,
		Outbound:   result.outbound,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 6: Emit. Persistence is a blocking send (backpressure, nothing
	// lost); projections are non-blocking with silent drop (rebuildable from
	// the command log).
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
	}

	// Step 7: Mark as applied (add to LRU)
	c.idempotency.MarkApplied(commandType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return nil
}

// ReplayCommand re-applies a command from the persisted log during startup
// recovery. Dedup and channel emission are skipped: every replayed command is
// by definition already in Postgres, and its rows already exist. The returned
// state hash lets the caller verify the rebuilt chain against the stored one.
func (c *LendingCore) ReplayCommand(cmd types.Command) ([32]byte, error) {
	result, err := c.dispatch(cmd)
	if err != nil {
		return [32]byte{}, err
	}

	if err := c.validator.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated during replay of %s: %v",
			cmd.CommandType(), err))
	}

	stateDigest := c.computeStateDigest(result.ops)
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	c.sequence++

	// Keep the ordering state moving so live traffic resumes cleanly.
	if priceCmd, ok := cmd.(*types.PriceUpdate); ok {
		c.sequenceValidator.ObservePriceSequence(priceCmd.Denom, priceCmd.PriceSequence)
	} else {
		c.sequenceValidator.SetExpectedSequence(ChainPartition, cmd.SourceSequence()+1)
	}
	c.idempotency.MarkApplied(cmd.CommandType().String(), cmd.IdempotencyKey())

	if c.metrics != nil {
		c.metrics.ReplayCommandsTotal.Inc()
	}

	return stateHash, nil
}

func (c *LendingCore) dispatch(cmd types.Command) (commandResult, error) {
	switch m := cmd.(type) {
	case *types.InitAsset:
		return c.handleInitAsset(m)
	case *types.UpdateAsset:
		return c.handleUpdateAsset(m)
	case *types.UpdateConfig:
		return c.handleUpdateConfig(m)
	case *types.UpdateLoanLimit:
		return c.handleUpdateLoanLimit(m)
	case *types.Deposit:
		return c.handleDeposit(m)
	case *types.Withdraw:
		return c.handleWithdraw(m)
	case *types.Borrow:
		return c.handleBorrow(m)
	case *types.Repay:
		return c.handleRepay(m)
	case *types.Liquidate:
		return c.handleLiquidate(m)
	case *types.PriceUpdate:
		return c.handlePriceUpdate(m)
	case *types.DistributeIncome:
		return c.handleDistributeIncome(m)
	default:
		return commandResult{}, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// accrue brings a market's indices up to the command's block time.
func (c *LendingCore) accrue(m *state.Market, blockTime time.Time) {
	state.Accrue(m, uint64(blockTime.Unix()), c.ledger.AvailableLiquidity(m.Denom))
}

func (c *LendingCore) requireOwner(sender string) error {
	if sender != c.config.Owner {
		return fmt.Errorf("%w: sender %s is not the owner", state.ErrUnauthorized, sender)
	}
	return nil
}

// --- Admin commands ---

func (c *LendingCore) handleInitAsset(cmd *types.InitAsset) (commandResult, error) {
	if err := c.requireOwner(cmd.Sender); err != nil {
		return commandResult{}, err
	}

	kind, err := state.ParseAssetKind(cmd.AssetKind)
	if err != nil {
		return commandResult{}, err
	}

	m, err := c.registry.Create(cmd.BlockTime, cmd.Denom, kind, cmd.TokenAddress, cmd.Params)
	if err != nil {
		return commandResult{}, err
	}

	return commandResult{
		attributes: []types.Attribute{
			{Key: "action", Value: "init_asset"},
			{Key: "denom", Value: m.Denom},
			{Key: "market_index", Value: fmt.Sprintf("%d", m.Index)},
		},
	}, nil
}

func (c *LendingCore) handleUpdateAsset(cmd *types.UpdateAsset) (commandResult, error) {
	if err := c.requireOwner(cmd.Sender); err != nil {
		return commandResult{}, err
	}

	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}

	// Settle interest under the old parameters before they change
	c.accrue(m, cmd.BlockTime)

	if _, err := c.registry.Update(cmd.Denom, cmd.Params); err != nil {
		return commandResult{}, err
	}

	return commandResult{
		attributes: []types.Attribute{
			{Key: "action", Value: "update_asset"},
			{Key: "denom", Value: cmd.Denom},
		},
	}, nil
}

func (c *LendingCore) handleUpdateConfig(cmd *types.UpdateConfig) (commandResult, error) {
	if err := c.requireOwner(cmd.Sender); err != nil {
		return commandResult{}, err
	}

	updated, err := c.config.UpdateWith(cmd)
	if err != nil {
		return commandResult{}, err
	}
	c.config = updated

	return commandResult{
		attributes: []types.Attribute{
			{Key: "action", Value: "update_config"},
		},
	}, nil
}

func (c *LendingCore) handleUpdateLoanLimit(cmd *types.UpdateLoanLimit) (commandResult, error) {
	if err := c.requireOwner(cmd.Sender); err != nil {
		return commandResult{}, err
	}

	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}

	if cmd.Limit.Sign() <= 0 {
		// Revoking a credit line with debt outstanding would leave an
		// uncollateralized borrow with no limit backing it.
		if !c.ledger.DebtOf(m, cmd.User).AmountScaled.IsZero() {
			return commandResult{}, &state.ValidationError{
				Field:  "limit",
				Reason: "cannot revoke credit line while debt is outstanding",
			}
		}
	}

	c.limits.Set(cmd.Denom, cmd.User, cmd.Limit)
	c.ledger.SetUncollateralized(m, cmd.User, cmd.Limit.Sign() > 0)

	return commandResult{
		attributes: []types.Attribute{
			{Key: "action", Value: "update_uncollateralized_loan_limit"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "user", Value: cmd.User},
			{Key: "limit", Value: cmd.Limit.String()},
		},
	}, nil
}

func (c *LendingCore) handleDistributeIncome(cmd *types.DistributeIncome) (commandResult, error) {
	if err := c.requireOwner(cmd.Sender); err != nil {
		return commandResult{}, err
	}

	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}
	c.accrue(m, cmd.BlockTime)

	amount := cmd.Amount
	if amount.IsZero() {
		amount = m.ProtocolIncomeToDistribute
	}
	if amount.IsZero() {
		return commandResult{}, fmt.Errorf("%w: no protocol income accrued for %s",
			state.ErrInsufficientBalance, cmd.Denom)
	}
	if amount.GreaterThan(m.ProtocolIncomeToDistribute) {
		return commandResult{}, fmt.Errorf("%w: distribute %s exceeds accrued income %s",
			state.ErrInsufficientBalance, amount, m.ProtocolIncomeToDistribute)
	}

	insurance := amount.Mul(c.config.InsuranceFundFeeShare).Truncate(0)
	treasury := amount.Mul(c.config.TreasuryFeeShare).Truncate(0)
	staking := amount.Sub(insurance).Sub(treasury)

	if err := c.ledger.DebitLiquidity(cmd.Denom, amount); err != nil {
		return commandResult{}, err
	}
	m.ProtocolIncomeToDistribute = m.ProtocolIncomeToDistribute.Sub(amount)

	var outbound []types.TransferMessage
	if insurance.Sign() > 0 {
		outbound = append(outbound, types.TransferMessage{
			Recipient: c.config.InsuranceFundAddress,
			Denom:     cmd.Denom,
			Amount:    insurance,
			Kind:      types.TransferInsuranceFund,
		})
	}
	if treasury.Sign() > 0 {
		outbound = append(outbound, types.TransferMessage{
			Recipient: c.config.TreasuryAddress,
			Denom:     cmd.Denom,
			Amount:    treasury,
			Kind:      types.TransferTreasury,
		})
	}
	if staking.Sign() > 0 {
		outbound = append(outbound, types.TransferMessage{
			Recipient: c.config.StakingRewardsAddress,
			Denom:     cmd.Denom,
			Amount:    staking,
			Kind:      types.TransferStakingRewards,
		})
	}

	change := ledger.Change{Scaled: fpmath.Zero, Underlying: amount}
	op := ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.Denom, c.config.Owner, ledger.OpDistribute, change, cmd.BlockTime)

	return commandResult{
		ops: []ledger.Op{op},
		attributes: []types.Attribute{
			{Key: "action", Value: "distribute_protocol_income"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "amount", Value: amount.String()},
		},
		outbound: outbound,
	}, nil
}

// --- Bank commands ---

func (c *LendingCore) handleDeposit(cmd *types.Deposit) (commandResult, error) {
	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}
	c.accrue(m, cmd.BlockTime)

	// Deposits made while the sender holds a credit line in the asset still
	// earn the liquidity index but do not back loans.
	_, hasLimit := c.limits.Get(cmd.Denom, cmd.Sender)
	change, err := c.ledger.IncreaseCollateral(m, cmd.Sender, cmd.Amount, !hasLimit)
	if err != nil {
		return commandResult{}, err
	}

	op := ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.Denom, cmd.Sender, ledger.OpDeposit, change, cmd.BlockTime)

	return commandResult{
		ops: []ledger.Op{op},
		attributes: []types.Attribute{
			{Key: "action", Value: "deposit"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "user", Value: cmd.Sender},
			{Key: "amount", Value: change.Underlying.String()},
		},
	}, nil
}

func (c *LendingCore) handleWithdraw(cmd *types.Withdraw) (commandResult, error) {
	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}
	c.accrue(m, cmd.BlockTime)

	if c.ledger.CollateralOf(m, cmd.Sender).IsZero() {
		return commandResult{}, fmt.Errorf("%w: no %s collateral for %s",
			state.ErrUserNotFound, cmd.Denom, cmd.Sender)
	}

	// Zero amount withdraws the full balance
	intended := cmd.Amount
	if intended.IsZero() {
		intended = c.ledger.CollateralUnderlying(m, cmd.Sender)
	}

	// A withdrawal that pushes debt past the remaining loan-to-value
	// borrowing power is rejected before any mutation. The bound is the
	// same one borrow enforces, so a withdrawal can never open a position
	// that a borrow could not. Disabled collateral never backed any loan,
	// so pulling it out needs no check.
	record := c.ledger.UserOf(cmd.Sender)
	if record != nil && !record.Borrowed.IsEmpty() && record.Collateral.Has(m.Index) {
		pos, err := c.health.Evaluate(cmd.Sender, cmd.BlockTime)
		if err != nil {
			return commandResult{}, err
		}
		price, ok := c.prices.Get(cmd.Denom)
		if !ok {
			return commandResult{}, fmt.Errorf("%w: %s", state.ErrNoPrice, cmd.Denom)
		}
		withdrawnPower := intended.Mul(price).Mul(m.MaxLoanToValue)
		if pos.DebtValue.GreaterThan(pos.MaxBorrowValue.Sub(withdrawnPower)) {
			return commandResult{}, fmt.Errorf("%w: withdrawing %s %s would exceed the position's borrowing power",
				state.ErrInsolvent, intended, cmd.Denom)
		}
	}

	change, err := c.ledger.DecreaseCollateral(m, cmd.Sender, cmd.Amount)
	if err != nil {
		return commandResult{}, err
	}

	op := ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.Denom, cmd.Sender, ledger.OpWithdraw, change, cmd.BlockTime)

	recipient := cmd.Recipient
	if recipient == "" {
		recipient = cmd.Sender
	}

	return commandResult{
		ops: []ledger.Op{op},
		attributes: []types.Attribute{
			{Key: "action", Value: "withdraw"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "user", Value: cmd.Sender},
			{Key: "recipient", Value: recipient},
			{Key: "amount", Value: change.Underlying.String()},
		},
		outbound: []types.TransferMessage{{
			Recipient: recipient,
			Denom:     cmd.Denom,
			Amount:    change.Underlying,
			Kind:      types.TransferWithdraw,
		}},
	}, nil
}

func (c *LendingCore) handleBorrow(cmd *types.Borrow) (commandResult, error) {
	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}
	c.accrue(m, cmd.BlockTime)

	limit, hasLimit := c.limits.Get(cmd.Denom, cmd.Sender)
	uncollateralized := hasLimit

	if hasLimit {
		// Credit-line borrows bypass the collateral check but respect
		// the administratively set ceiling.
		newDebt := c.ledger.DebtUnderlying(m, cmd.Sender).Add(cmd.Amount)
		if newDebt.GreaterThan(limit) {
			return commandResult{}, fmt.Errorf("%w: borrow would exceed uncollateralized loan limit %s",
				state.ErrInsufficientBalance, limit)
		}
	} else {
		record := c.ledger.UserOf(cmd.Sender)
		if record == nil || record.Collateral.IsEmpty() {
			return commandResult{}, fmt.Errorf("%w: %s has no collateral deposited",
				state.ErrUserNotFound, cmd.Sender)
		}

		pos, err := c.health.Evaluate(cmd.Sender, cmd.BlockTime)
		if err != nil {
			return commandResult{}, err
		}
		price, ok := c.prices.Get(cmd.Denom)
		if !ok {
			return commandResult{}, fmt.Errorf("%w: %s", state.ErrNoPrice, cmd.Denom)
		}
		if !pos.CanBorrow(cmd.Amount.Mul(price)) {
			return commandResult{}, fmt.Errorf("%w: borrow of %s %s exceeds borrowing power",
				state.ErrInsolvent, cmd.Amount, cmd.Denom)
		}
	}

	change, err := c.ledger.IncreaseDebt(m, cmd.Sender, cmd.Amount, uncollateralized)
	if err != nil {
		return commandResult{}, err
	}

	op := ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.Denom, cmd.Sender, ledger.OpBorrow, change, cmd.BlockTime)

	recipient := cmd.Recipient
	if recipient == "" {
		recipient = cmd.Sender
	}

	return commandResult{
		ops: []ledger.Op{op},
		attributes: []types.Attribute{
			{Key: "action", Value: "borrow"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "user", Value: cmd.Sender},
			{Key: "recipient", Value: recipient},
			{Key: "amount", Value: change.Underlying.String()},
		},
		outbound: []types.TransferMessage{{
			Recipient: recipient,
			Denom:     cmd.Denom,
			Amount:    change.Underlying,
			Kind:      types.TransferBorrow,
		}},
	}, nil
}

func (c *LendingCore) handleRepay(cmd *types.Repay) (commandResult, error) {
	m, err := c.registry.Get(cmd.Denom)
	if err != nil {
		return commandResult{}, err
	}
	c.accrue(m, cmd.BlockTime)

	debt := c.ledger.DebtUnderlying(m, cmd.Sender)
	if debt.IsZero() {
		return commandResult{}, fmt.Errorf("%w: no %s debt for %s",
			state.ErrUserNotFound, cmd.Denom, cmd.Sender)
	}

	// Zero repays everything; an overpayment repays everything and refunds
	// the excess.
	repay := cmd.Amount
	var refund decimal.Decimal
	if repay.IsZero() || repay.GreaterThanOrEqual(debt) {
		if repay.GreaterThan(debt) {
			refund = repay.Sub(debt)
		}
		repay = fpmath.Zero // full repay
	}

	change, err := c.ledger.DecreaseDebt(m, cmd.Sender, repay)
	if err != nil {
		return commandResult{}, err
	}

	op := ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.Denom, cmd.Sender, ledger.OpRepay, change, cmd.BlockTime)

	var outbound []types.TransferMessage
	if refund.Sign() > 0 {
		outbound = append(outbound, types.TransferMessage{
			Recipient: cmd.Sender,
			Denom:     cmd.Denom,
			Amount:    refund,
			Kind:      types.TransferRefund,
		})
	}

	return commandResult{
		ops: []ledger.Op{op},
		attributes: []types.Attribute{
			{Key: "action", Value: "repay"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "user", Value: cmd.Sender},
			{Key: "amount", Value: change.Underlying.String()},
		},
		outbound: outbound,
	}, nil
}

func (c *LendingCore) handleLiquidate(cmd *types.Liquidate) (commandResult, error) {
	if cmd.Sender == cmd.Borrower {
		return commandResult{}, &state.ValidationError{
			Field:  "borrower",
			Reason: "cannot liquidate own position",
		}
	}
	if cmd.RepayAmount.LessThan(c.config.MinRepayDust) {
		return commandResult{}, fmt.Errorf("%w: %s below minimum %s",
			state.ErrRepayTooSmall, cmd.RepayAmount, c.config.MinRepayDust)
	}

	debtMarket, err := c.registry.Get(cmd.DebtDenom)
	if err != nil {
		return commandResult{}, err
	}
	collateralMarket, err := c.registry.Get(cmd.CollateralDenom)
	if err != nil {
		return commandResult{}, err
	}

	c.accrue(debtMarket, cmd.BlockTime)
	if collateralMarket != debtMarket {
		c.accrue(collateralMarket, cmd.BlockTime)
	}

	if c.ledger.UserOf(cmd.Borrower) == nil {
		return commandResult{}, fmt.Errorf("%w: %s", state.ErrUserNotFound, cmd.Borrower)
	}
	debtBalance := c.ledger.DebtUnderlying(debtMarket, cmd.Borrower)
	if debtBalance.IsZero() {
		return commandResult{}, fmt.Errorf("%w: %s has no %s debt",
			state.ErrUserNotFound, cmd.Borrower, cmd.DebtDenom)
	}
	collateralBalance := c.ledger.CollateralUnderlying(collateralMarket, cmd.Borrower)
	if collateralBalance.IsZero() {
		return commandResult{}, fmt.Errorf("%w: %s has no %s collateral",
			state.ErrExceedsCollateral, cmd.Borrower, cmd.CollateralDenom)
	}

	pos, err := c.health.Evaluate(cmd.Borrower, cmd.BlockTime)
	if err != nil {
		return commandResult{}, err
	}
	if !pos.Liquidatable() {
		return commandResult{}, fmt.Errorf("%w: debt %s within threshold %s",
			state.ErrNotLiquidatable, pos.DebtValue, pos.LiquidationThreshold)
	}

	debtPrice, ok := c.prices.Get(cmd.DebtDenom)
	if !ok {
		return commandResult{}, fmt.Errorf("%w: %s", state.ErrNoPrice, cmd.DebtDenom)
	}
	collateralPrice, ok := c.prices.Get(cmd.CollateralDenom)
	if !ok {
		return commandResult{}, fmt.Errorf("%w: %s", state.ErrNoPrice, cmd.CollateralDenom)
	}

	plan := risk.PlanLiquidation(
		cmd.RepayAmount,
		debtBalance,
		collateralBalance,
		c.config.CloseFactor,
		collateralMarket.LiquidationBonus,
		debtPrice,
		collateralPrice,
	)
	if plan.RepayAmount.Sign() <= 0 {
		return commandResult{}, fmt.Errorf("%w: no repayable debt at current prices",
			state.ErrRepayTooSmall)
	}

	debtChange, err := c.ledger.DecreaseDebt(debtMarket, cmd.Borrower, plan.RepayAmount)
	if err != nil {
		return commandResult{}, err
	}
	seizeChange, err := c.ledger.SeizeCollateral(collateralMarket, cmd.Borrower, cmd.Sender, plan.SeizedCollateral)
	if err != nil {
		// DecreaseDebt already applied; the plan caps seizure at the
		// borrower's balance so this cannot happen.
		panic(fmt.Sprintf("FATAL: planned seizure failed: %v", err))
	}

	ops := []ledger.Op{
		ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.DebtDenom, cmd.Borrower, ledger.OpRepay, debtChange, cmd.BlockTime),
		ledger.NewOp(cmd.IdempotencyKey(), c.sequence, cmd.CollateralDenom, cmd.Borrower, ledger.OpSeize, seizeChange, cmd.BlockTime),
	}
	ops[1].Counterparty = cmd.Sender

	var outbound []types.TransferMessage
	if plan.Refund.Sign() > 0 {
		outbound = append(outbound, types.TransferMessage{
			Recipient: cmd.Sender,
			Denom:     cmd.DebtDenom,
			Amount:    plan.Refund,
			Kind:      types.TransferRefund,
		})
	}

	return commandResult{
		ops: ops,
		attributes: []types.Attribute{
			{Key: "action", Value: "liquidate"},
			{Key: "liquidator", Value: cmd.Sender},
			{Key: "borrower", Value: cmd.Borrower},
			{Key: "debt_denom", Value: cmd.DebtDenom},
			{Key: "collateral_denom", Value: cmd.CollateralDenom},
			{Key: "repaid", Value: debtChange.Underlying.String()},
			{Key: "seized", Value: seizeChange.Underlying.String()},
		},
		outbound: outbound,
	}, nil
}

func (c *LendingCore) handlePriceUpdate(cmd *types.PriceUpdate) (commandResult, error) {
	if err := c.prices.Update(cmd.Denom, cmd.Price, cmd.PriceSequence, cmd.PriceTimestamp); err != nil {
		return commandResult{}, err
	}

	return commandResult{
		attributes: []types.Attribute{
			{Key: "action", Value: "price_update"},
			{Key: "denom", Value: cmd.Denom},
			{Key: "price", Value: cmd.Price.String()},
		},
	}, nil
}

// computeStateDigest builds canonical bytes over the markets and balances the
// command touched, for the state-hash chain.
func (c *LendingCore) computeStateDigest(ops []ledger.Op) []byte {
	digest := make([]byte, 0, 64+len(ops)*64)

	seen := make(map[string]bool)
	for _, op := range ops {
		digest = appendLenPrefixed(digest, op.Denom)
		digest = appendLenPrefixed(digest, op.User)
		digest = appendLenPrefixed(digest, string(op.Kind))
		digest = appendLenPrefixed(digest, op.AmountScaled.String())
		digest = appendLenPrefixed(digest, op.AmountUnderlying.String())
		seen[op.Denom] = true
	}

	// Affected market aggregates in deterministic (dense index) order
	for _, m := range c.registry.All() {
		if !seen[m.Denom] {
			continue
		}
		digest = appendLenPrefixed(digest, m.Denom)
		digest = appendLenPrefixed(digest, m.BorrowIndex.String())
		digest = appendLenPrefixed(digest, m.LiquidityIndex.String())
		digest = appendLenPrefixed(digest, m.DebtTotalScaled.String())
		digest = appendLenPrefixed(digest, c.ledger.AvailableLiquidity(m.Denom).String())
	}

	return digest
}

func appendLenPrefixed(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, []byte(s)...)
}

// --- Snapshot restore and startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Config          state.Config
	Markets         []*state.Market
	MarketCount     uint32
	Ledger          ledger.Snapshot
	Prices          map[string]*state.PricePoint
	Limits          []state.LimitEntry
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot loads a snapshot into the core; the caller then replays
// the command log tail to reach the present.
func (c *LendingCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)
	c.config = snap.Config

	for _, m := range snap.Markets {
		c.registry.SetMarket(m)
	}
	c.registry.SetMarketCount(snap.MarketCount)

	c.ledger.Restore(snap.Ledger)

	for denom, p := range snap.Prices {
		c.prices.Restore(denom, p)
	}

	for _, entry := range snap.Limits {
		c.limits.Set(entry.Denom, entry.User, entry.Limit)
	}

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *LendingCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // last applied sequence
		StateHash:       c.hasher.GetPrevHash(),
		Config:          c.config,
		Markets:         c.registry.All(),
		MarketCount:     c.registry.Count(),
		Ledger:          c.ledger.Snapshot(),
		Prices:          c.prices.All(),
		Limits:          c.limits.All(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// WarmLRU loads recent idempotency keys so redeliveries of recently applied
// commands don't hit the database.
func (c *LendingCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence the core will assign.
func (c *LendingCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *LendingCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// ConfigState returns the current global configuration.
func (c *LendingCore) ConfigState() state.Config {
	return c.config
}

// Registry exposes read access to the market set.
func (c *LendingCore) Registry() *state.MarketRegistry {
	return c.registry
}

// Ledger exposes read access to the scaled-balance ledger.
func (c *LendingCore) Ledger() *ledger.ScaledLedger {
	return c.ledger
}

// Prices exposes read access to the oracle price cache.
func (c *LendingCore) Prices() *state.PriceCache {
	return c.prices
}

// Limits exposes read access to the uncollateralized loan limits.
func (c *LendingCore) Limits() *state.LoanLimits {
	return c.limits
}

// Health exposes the position valuation calculator.
func (c *LendingCore) Health() *risk.HealthCalculator {
	return c.health
}
