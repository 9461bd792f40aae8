package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PeerLend/internal/event"
	"PeerLend/internal/market"
	"PeerLend/internal/matching"
	wad "PeerLend/internal/math"
	"PeerLend/internal/observability"
	"PeerLend/internal/oracle"
	"PeerLend/internal/pool"
	"PeerLend/internal/rates"
)

// Budgets caps the number of positions the matching engine may touch
// per operation. Partial matches past the budget fall back to the pool.
type Budgets struct {
	Supply   int
	Borrow   int
	Withdraw int
	Repay    int
}

func DefaultBudgets() Budgets {
	return Budgets{Supply: 8, Borrow: 8, Withdraw: 8, Repay: 8}
}

// Output is one committed operation, ready for the persistence worker
// and the publisher. Operation and RequestID identify the request for
// durable deduplication; both are empty for governance records and
// republished prices.
type Output struct {
	Envelope  *event.Envelope
	Operation string
	RequestID string
}

// Result reports how one position operation executed: Amount is the
// effective amount after balance caps, split into the P2P-matched and
// pool-fallback portions.
type Result struct {
	User   uuid.UUID
	Market string
	Amount *big.Int
	P2P    *big.Int
	Pool   *big.Int
	Block  uint64
}

// LiquidationResult reports both legs of a liquidation.
type LiquidationResult struct {
	Liquidator       uuid.UUID
	Borrower         uuid.UUID
	BorrowedMarket   string
	CollateralMarket string
	Repaid           *big.Int
	Seized           *big.Int
	Block            uint64
}

// Config wires an Orchestrator.
type Config struct {
	Store  *market.Store
	Pool   pool.Pool
	Oracle oracle.Oracle

	Budgets Budgets

	// StartSequence seeds the operation-log sequence, typically the
	// highest persisted sequence plus one.
	StartSequence int64

	// PersistChan receives every committed operation with a BLOCKING
	// send: the orchestrator stalls rather than lose a log record.
	PersistChan chan<- Output

	// PublishChan receives committed operations with a NON-BLOCKING
	// send; a slow publisher drops records, subscribers catch up from
	// the operation log.
	PublishChan chan<- Output

	Idempotency *IdempotencyChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// Orchestrator sequences the five position operations over the shared
// ledger: accrue indexes, run the matching engine, settle the remainder
// against the pool, and emit one operation-log record per commit.
//
// Operations are fully serialized by one mutex. Each operation is
// all-or-nothing: ledger mutations ride a store transaction, pool
// writes are deferred into a plan executed only once every phase
// succeeded, and a failing pool write compensates and rolls back.
type Orchestrator struct {
	mu sync.Mutex

	store  *market.Store
	pool   pool.Pool
	oracle oracle.Oracle
	engine *matching.Engine

	budgets  Budgets
	hasher   *StateHasher
	sequence int64

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output

	now func() time.Time
}

func NewOrchestrator(cfg Config) *Orchestrator {
	budgets := cfg.Budgets
	if budgets == (Budgets{}) {
		budgets = DefaultBudgets()
	}
	return &Orchestrator{
		store:       cfg.Store,
		pool:        cfg.Pool,
		oracle:      cfg.Oracle,
		engine:      matching.NewEngine(),
		budgets:     budgets,
		hasher:      NewStateHasher(),
		sequence:    cfg.StartSequence,
		idempotency: cfg.Idempotency,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
		now:         time.Now,
	}
}

// CreateMarket lists a pool asset on the overlay and emits the
// governance record. Indexes start at one WAD against the pool's
// current checkpoints.
func (o *Orchestrator) CreateMarket(symbol string, reserveFactorBps, cursorBps uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.pool.IsListed(symbol) {
		return fmt.Errorf("create market %s: %w", symbol, pool.ErrNotListed)
	}
	supplyIdx, err := o.pool.SupplyIndex(symbol)
	if err != nil {
		return fmt.Errorf("create market %s: %w", symbol, err)
	}
	borrowIdx, err := o.pool.BorrowIndex(symbol)
	if err != nil {
		return fmt.Errorf("create market %s: %w", symbol, err)
	}

	block := o.pool.CurrentBlock()
	m, err := o.store.CreateMarket(symbol, supplyIdx, borrowIdx, block, reserveFactorBps, cursorBps)
	if err != nil {
		return err
	}

	o.emit("create_market", "", event.EventTypeMarketCreated, m, nil, event.MarketCreatedPayload{
		Market:           symbol,
		ReserveFactorBps: reserveFactorBps,
		CursorBps:        cursorBps,
		Block:            block,
	})
	o.log.Info().Str("market", symbol).
		Uint32("reserve_factor_bps", reserveFactorBps).
		Uint32("cursor_bps", cursorBps).
		Msg("market created")
	return nil
}

// Supply deposits amount for user: matched against borrower demand
// first, the remainder deposited on the pool.
func (o *Orchestrator) Supply(requestID string, user uuid.UUID, symbol string, amount *big.Int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	const op = "supply"
	start := o.now()
	if err := o.checkRequest(op, requestID, amount); err != nil {
		return nil, o.reject(op, err)
	}

	tx := o.store.Begin()
	m := tx.Market(symbol)
	if m == nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s", ErrMarketNotCreated, symbol))
	}
	if m.Pause.SupplyPaused {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: supply %s", ErrMarketPaused, symbol))
	}
	if err := rates.Accrue(tx, m, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", symbol, err))
	}

	tx.EnterMarket(user, symbol)
	plan := newPoolPlan()

	matched := o.engine.MatchBorrowers(tx, m, amount, o.budgets.Supply)

	pos := tx.SupplyPosition(user, symbol)
	if matched.Sign() > 0 {
		inP2P := wad.WadDiv(matched, m.P2PSupplyIndex)
		pos.InP2P.Add(pos.InP2P, inP2P)
		m.Delta.P2PSupplyAmount.Add(m.Delta.P2PSupplyAmount, inP2P)
		if err := o.planRepay(plan, symbol, matched); err != nil {
			tx.Rollback()
			return nil, o.reject(op, err)
		}
	}

	remainder := new(big.Int).Sub(amount, matched)
	if remainder.Sign() > 0 {
		pos.OnPool.Add(pos.OnPool, wad.WadDiv(remainder, m.LastPoolSupplyIndex))
		plan.add(actionSupply, symbol, remainder)
	}
	o.engine.RefreshSupplier(tx, symbol, user)

	if err := plan.execute(o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	tx.Commit()

	res := &Result{User: user, Market: symbol, Amount: wad.Clone(amount), P2P: matched, Pool: remainder, Block: m.LastUpdateBlock}
	o.commitOperation(op, requestID, event.EventTypeSupplied, m, res, nil, start)
	return res, nil
}

// Borrow draws amount for user against their collateral across entered
// markets: matched against supplier liquidity first, the remainder
// borrowed from the pool.
func (o *Orchestrator) Borrow(requestID string, user uuid.UUID, symbol string, amount *big.Int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	const op = "borrow"
	start := o.now()
	if err := o.checkRequest(op, requestID, amount); err != nil {
		return nil, o.reject(op, err)
	}

	tx := o.store.Begin()
	m := tx.Market(symbol)
	if m == nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s", ErrMarketNotCreated, symbol))
	}
	if m.Pause.BorrowPaused {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: borrow %s", ErrMarketPaused, symbol))
	}
	if m.Pause.Deprecated {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s", ErrBorrowOnDeprecatedMarket, symbol))
	}
	if err := rates.Accrue(tx, m, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", symbol, err))
	}

	tx.EnterMarket(user, symbol)

	data, err := o.liquidityData(tx, user, symbol, amount, nil)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	if data.Debt.Cmp(data.MaxDebt) > 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: debt %s exceeds capacity %s", ErrUnauthorizedBorrow, data.Debt, data.MaxDebt))
	}

	plan := newPoolPlan()
	matched := o.engine.MatchSuppliers(tx, m, amount, o.budgets.Borrow)

	pos := tx.BorrowPosition(user, symbol)
	if matched.Sign() > 0 {
		inP2P := wad.WadDiv(matched, m.P2PBorrowIndex)
		pos.InP2P.Add(pos.InP2P, inP2P)
		m.Delta.P2PBorrowAmount.Add(m.Delta.P2PBorrowAmount, inP2P)
		plan.add(actionWithdraw, symbol, matched)
	}

	remainder := new(big.Int).Sub(amount, matched)
	if remainder.Sign() > 0 {
		pos.OnPool.Add(pos.OnPool, wad.WadDiv(remainder, m.LastPoolBorrowIndex))
		plan.add(actionBorrow, symbol, remainder)
	}
	o.engine.RefreshBorrower(tx, symbol, user)

	if err := plan.execute(o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	tx.Commit()

	res := &Result{User: user, Market: symbol, Amount: wad.Clone(amount), P2P: matched, Pool: remainder, Block: m.LastUpdateBlock}
	o.commitOperation(op, requestID, event.EventTypeBorrowed, m, res, nil, start)
	return res, nil
}

// Withdraw redeems up to amount of user's supply, paying receiver. The
// on-pool balance is redeemed first; the in-P2P remainder is funded by
// promoting other suppliers, then by demoting matched borrowers, and
// any final shortfall by the overlay borrowing from the pool itself.
func (o *Orchestrator) Withdraw(requestID string, user uuid.UUID, symbol string, amount *big.Int, receiver uuid.UUID) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	const op = "withdraw"
	start := o.now()
	if err := o.checkRequest(op, requestID, amount); err != nil {
		return nil, o.reject(op, err)
	}

	tx := o.store.Begin()
	m := tx.Market(symbol)
	if m == nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s", ErrMarketNotCreated, symbol))
	}
	if m.Pause.WithdrawPaused {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: withdraw %s", ErrMarketPaused, symbol))
	}
	if err := rates.Accrue(tx, m, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", symbol, err))
	}
	if wad.WadDiv(amount, m.LastPoolSupplyIndex).Sign() == 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s of %s", ErrAmountTooSmall, amount, symbol))
	}

	amount = wad.Min(amount, supplyBalance(tx, m, user))
	if amount.Sign() == 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: no %s supply balance", ErrAmountTooSmall, symbol))
	}

	data, err := o.liquidityData(tx, user, symbol, nil, amount)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	if data.Debt.Cmp(data.MaxDebt) > 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: debt %s exceeds capacity %s", ErrUnauthorizedWithdraw, data.Debt, data.MaxDebt))
	}

	plan := newPoolPlan()
	res, err := o.withdrawPhases(tx, plan, m, user, amount)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}

	if err := plan.execute(o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	tx.Commit()

	o.commitOperation(op, requestID, event.EventTypeWithdrawn, m, res, &receiver, start)
	return res, nil
}

// Repay pays down up to amount of onBehalf's debt, funded by payer. The
// on-pool debt is repaid first; the in-P2P remainder settles the
// overlay's carried borrow delta and accrued spread fee, then promotes
// other borrowers, then demotes matched suppliers back to the pool.
func (o *Orchestrator) Repay(requestID string, payer, onBehalf uuid.UUID, symbol string, amount *big.Int) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	const op = "repay"
	start := o.now()
	if err := o.checkRequest(op, requestID, amount); err != nil {
		return nil, o.reject(op, err)
	}

	tx := o.store.Begin()
	m := tx.Market(symbol)
	if m == nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s", ErrMarketNotCreated, symbol))
	}
	if m.Pause.RepayPaused {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: repay %s", ErrMarketPaused, symbol))
	}
	if err := rates.Accrue(tx, m, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", symbol, err))
	}

	amount = wad.Min(amount, borrowBalance(tx, m, onBehalf))
	if amount.Sign() == 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: no %s borrow balance", ErrAmountTooSmall, symbol))
	}

	plan := newPoolPlan()
	res, err := o.repayPhases(tx, plan, m, onBehalf, amount)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}

	if err := plan.execute(o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	tx.Commit()

	var payerField *uuid.UUID
	if payer != onBehalf {
		payerField = &payer
	}
	o.commitRepay(op, requestID, m, res, payerField, start)
	return res, nil
}

// Liquidate repays part of an undercollateralized borrower's debt and
// seizes a discounted slice of their collateral for the liquidator,
// using the pool's own close factor, incentive, and seize formula.
func (o *Orchestrator) Liquidate(requestID string, liquidator, borrower uuid.UUID, borrowedSymbol, collateralSymbol string, amount *big.Int) (*LiquidationResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	const op = "liquidate"
	start := o.now()
	if err := o.checkRequest(op, requestID, amount); err != nil {
		return nil, o.reject(op, err)
	}

	tx := o.store.Begin()
	mB := tx.Market(borrowedSymbol)
	mC := tx.Market(collateralSymbol)
	if mB == nil || mC == nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: %s/%s", ErrMarketNotCreated, borrowedSymbol, collateralSymbol))
	}
	if mB.Pause.LiquidatePaused || mC.Pause.LiquidatePaused {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: liquidate %s/%s", ErrMarketPaused, borrowedSymbol, collateralSymbol))
	}
	if err := rates.Accrue(tx, mB, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", borrowedSymbol, err))
	}
	if err := rates.Accrue(tx, mC, o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("accrue %s: %w", collateralSymbol, err))
	}

	// Deprecated markets are liquidatable without a health check so
	// positions can be wound down.
	if !mB.Pause.Deprecated {
		data, err := o.liquidityData(tx, borrower, "", nil, nil)
		if err != nil {
			tx.Rollback()
			return nil, o.reject(op, err)
		}
		if data.Debt.Cmp(data.MaxDebt) <= 0 {
			tx.Rollback()
			return nil, o.reject(op, fmt.Errorf("%w: debt %s within capacity %s", ErrBorrowerHealthy, data.Debt, data.MaxDebt))
		}
	}

	maxRepay := wad.WadMul(o.pool.CloseFactor(), borrowBalance(tx, mB, borrower))
	amount = wad.Min(amount, maxRepay)
	if amount.Sign() == 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: nothing to repay for %s", ErrAmountTooSmall, borrowedSymbol))
	}

	borrowedPrice, err := o.oracle.Price(borrowedSymbol)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("price %s: %w", borrowedSymbol, err))
	}
	collateralPrice, err := o.oracle.Price(collateralSymbol)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("price %s: %w", collateralSymbol, err))
	}

	// The pool's own seize formula:
	//   seize = repaid * incentive * borrowedPrice / collateralPrice
	seize := wad.WadDiv(wad.WadMul(wad.WadMul(amount, o.pool.LiquidationIncentive()), borrowedPrice), collateralPrice)
	if seize.Cmp(supplyBalance(tx, mC, borrower)) > 0 {
		tx.Rollback()
		return nil, o.reject(op, fmt.Errorf("%w: seize %s of %s", ErrSeizeAboveCollateral, seize, collateralSymbol))
	}

	plan := newPoolPlan()
	repaid, err := o.repayPhases(tx, plan, mB, borrower, amount)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	seized, err := o.withdrawPhases(tx, plan, mC, borrower, seize)
	if err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}

	if err := plan.execute(o.pool); err != nil {
		tx.Rollback()
		return nil, o.reject(op, err)
	}
	tx.Commit()

	res := &LiquidationResult{
		Liquidator:       liquidator,
		Borrower:         borrower,
		BorrowedMarket:   borrowedSymbol,
		CollateralMarket: collateralSymbol,
		Repaid:           repaid.Amount,
		Seized:           seized.Amount,
		Block:            mB.LastUpdateBlock,
	}
	o.commitLiquidation(op, requestID, mB, res, start)
	return res, nil
}

// withdrawPhases runs the soft/transfer/hard withdraw sequence for an
// amount already capped at the user's supply balance. Ledger and plan
// mutations only; the caller executes the plan and commits.
func (o *Orchestrator) withdrawPhases(tx *market.Tx, plan *poolPlan, m *market.Market, user uuid.UUID, amount *big.Int) (*Result, error) {
	pos := tx.SupplyPosition(user, m.Symbol)
	remaining := wad.Clone(amount)
	fromPool := new(big.Int)
	executed := new(big.Int)

	// Soft withdraw: redeem the on-pool balance directly, bounded by
	// what the pool can actually pay out right now.
	cash, err := plan.availableCash(o.pool, m.Symbol)
	if err != nil {
		return nil, err
	}
	onPoolUnderlying := wad.WadMul(pos.OnPool, m.LastPoolSupplyIndex)
	soft := wad.Min(onPoolUnderlying, remaining, cash)
	if soft.Sign() > 0 {
		pos.OnPool.Sub(pos.OnPool, wad.Min(wad.WadDiv(soft, m.LastPoolSupplyIndex), pos.OnPool))
		plan.add(actionWithdraw, m.Symbol, soft)
		remaining.Sub(remaining, soft)
		fromPool.Set(soft)
		executed.Add(executed, soft)
	}

	if remaining.Sign() > 0 {
		// Give up the claims covering the whole remainder: the P2P claim
		// first, then any on-pool claim the soft phase could not redeem
		// for lack of pool cash. The phases below fund all of it, so the
		// cash-stuck on-pool portion flows through the hard path instead
		// of silently staying behind.
		inP2PUnderlying := wad.WadMul(pos.InP2P, m.P2PSupplyIndex)
		reduced := wad.Min(inP2PUnderlying, remaining)
		inP2P := wad.WadDiv(reduced, m.P2PSupplyIndex)
		pos.InP2P.Sub(pos.InP2P, wad.Min(inP2P, pos.InP2P))
		m.Delta.SubSupplyAmount(wad.Min(inP2P, m.Delta.P2PSupplyAmount))

		stuck := new(big.Int).Sub(remaining, reduced)
		if stuck.Sign() > 0 {
			pos.OnPool.Sub(pos.OnPool, wad.Min(wad.WadDiv(stuck, m.LastPoolSupplyIndex), pos.OnPool))
			fromPool.Add(fromPool, stuck)
		}
		executed.Add(executed, remaining)

		// Transfer withdraw: replace the claim with promoted pool
		// suppliers, bounded by pool liquidity.
		if remaining.Sign() > 0 {
			cash, err = plan.availableCash(o.pool, m.Symbol)
			if err != nil {
				return nil, err
			}
			matched := o.engine.MatchSuppliers(tx, m, wad.Min(remaining, cash), o.budgets.Withdraw)
			plan.add(actionWithdraw, m.Symbol, matched)
			remaining.Sub(remaining, matched)
		}

		// Hard withdraw: demote matched borrowers to pool debt; any
		// shortfall becomes borrow delta the overlay carries, funded by
		// the overlay borrowing from the pool itself.
		if remaining.Sign() > 0 {
			unmatched := o.engine.UnmatchBorrowers(tx, m, remaining, o.budgets.Withdraw)
			shortfall := new(big.Int).Sub(remaining, unmatched)
			if shortfall.Sign() > 0 {
				m.Delta.P2PBorrowDelta.Add(m.Delta.P2PBorrowDelta, wad.WadDiv(shortfall, m.LastPoolBorrowIndex))
			}
			plan.add(actionBorrow, m.Symbol, remaining)
			remaining.SetInt64(0)
		}
	}

	o.engine.RefreshSupplier(tx, m.Symbol, user)
	tx.ExitMarketIfEmpty(user, m.Symbol)

	return &Result{
		User:   user,
		Market: m.Symbol,
		Amount: executed,
		P2P:    new(big.Int).Sub(executed, fromPool),
		Pool:   fromPool,
		Block:  m.LastUpdateBlock,
	}, nil
}

// repayPhases runs the soft/fee/transfer/hard repay sequence for an
// amount already capped at the borrower's balance.
func (o *Orchestrator) repayPhases(tx *market.Tx, plan *poolPlan, m *market.Market, user uuid.UUID, amount *big.Int) (*Result, error) {
	pos := tx.BorrowPosition(user, m.Symbol)
	remaining := wad.Clone(amount)
	fromPool := new(big.Int)
	executed := new(big.Int)

	// Soft repay: pay the on-pool debt directly.
	onPoolUnderlying := wad.WadMul(pos.OnPool, m.LastPoolBorrowIndex)
	soft := wad.Min(onPoolUnderlying, remaining)
	if soft.Sign() > 0 {
		pos.OnPool.Sub(pos.OnPool, wad.Min(wad.WadDiv(soft, m.LastPoolBorrowIndex), pos.OnPool))
		if err := o.planRepay(plan, m.Symbol, soft); err != nil {
			return nil, err
		}
		remaining.Sub(remaining, soft)
		fromPool.Set(soft)
		executed.Add(executed, soft)
	}

	if remaining.Sign() > 0 {
		// Retire the P2P debt claim; the phases below allocate the
		// funds the borrower handed over.
		inP2PUnderlying := wad.WadMul(pos.InP2P, m.P2PBorrowIndex)
		reduced := wad.Min(inP2PUnderlying, remaining)
		inP2P := wad.WadDiv(reduced, m.P2PBorrowIndex)
		pos.InP2P.Sub(pos.InP2P, wad.Min(inP2P, pos.InP2P))
		m.Delta.SubBorrowAmount(wad.Min(inP2P, m.Delta.P2PBorrowAmount))
		remaining = wad.Clone(reduced)
		executed.Add(executed, reduced)

		// Settle the borrow delta the overlay carries on the pool.
		if remaining.Sign() > 0 && m.Delta.P2PBorrowDelta.Sign() > 0 {
			deltaUnderlying := wad.WadMul(m.Delta.P2PBorrowDelta, m.LastPoolBorrowIndex)
			take := wad.Min(deltaUnderlying, remaining)
			if take.Cmp(deltaUnderlying) == 0 {
				m.Delta.P2PBorrowDelta.SetInt64(0)
			} else {
				m.Delta.SubBorrowDelta(wad.Min(wad.WadDiv(take, m.LastPoolBorrowIndex), m.Delta.P2PBorrowDelta))
			}
			if err := o.planRepay(plan, m.Symbol, take); err != nil {
				return nil, err
			}
			remaining.Sub(remaining, take)
		}

		// Net out the accrued reserve-factor fee: the spread between
		// live borrow-side and supply-side P2P claims. The fee stays
		// with the overlay, so no pool movement.
		if remaining.Sign() > 0 {
			fee := o.accruedFee(m)
			feeRepaid := wad.Min(fee, remaining)
			remaining.Sub(remaining, feeRepaid)
		}

		// Transfer repay: promote other pool borrowers into the slot.
		if remaining.Sign() > 0 {
			matched := o.engine.MatchBorrowers(tx, m, remaining, o.budgets.Repay)
			if err := o.planRepay(plan, m.Symbol, matched); err != nil {
				return nil, err
			}
			remaining.Sub(remaining, matched)
		}

		// Hard repay: demote matched suppliers back to the pool; any
		// shortfall becomes supply delta, deposited by the overlay.
		if remaining.Sign() > 0 {
			unmatched := o.engine.UnmatchSuppliers(tx, m, remaining, o.budgets.Repay)
			shortfall := new(big.Int).Sub(remaining, unmatched)
			if shortfall.Sign() > 0 {
				m.Delta.P2PSupplyDelta.Add(m.Delta.P2PSupplyDelta, wad.WadDiv(shortfall, m.LastPoolSupplyIndex))
			}
			plan.add(actionSupply, m.Symbol, remaining)
			remaining.SetInt64(0)
		}
	}

	o.engine.RefreshBorrower(tx, m.Symbol, user)
	tx.ExitMarketIfEmpty(user, m.Symbol)

	return &Result{
		User:   user,
		Market: m.Symbol,
		Amount: executed,
		P2P:    new(big.Int).Sub(executed, fromPool),
		Pool:   fromPool,
		Block:  m.LastUpdateBlock,
	}, nil
}

// accruedFee is the reserve-factor revenue embedded in the P2P books:
// live borrow-side claims net of delta backing, minus the supply-side
// equivalent. Clamped at zero; transient negatives are rounding noise.
func (o *Orchestrator) accruedFee(m *market.Market) *big.Int {
	borrowSide := wad.WadMul(m.Delta.P2PBorrowAmount, m.P2PBorrowIndex)
	borrowSide.Sub(borrowSide, wad.WadMul(m.Delta.P2PBorrowDelta, m.LastPoolBorrowIndex))

	supplySide := wad.WadMul(m.Delta.P2PSupplyAmount, m.P2PSupplyIndex)
	supplySide.Sub(supplySide, wad.WadMul(m.Delta.P2PSupplyDelta, m.LastPoolSupplyIndex))

	fee := borrowSide.Sub(borrowSide, supplySide)
	if fee.Sign() < 0 {
		fee.SetInt64(0)
	}
	return fee
}

// planRepay schedules a pool repayment capped at the overlay's actual
// outstanding pool debt, since over-repaying fails the whole call.
func (o *Orchestrator) planRepay(plan *poolPlan, symbol string, amount *big.Int) error {
	debt, err := plan.outstandingDebt(o.pool, symbol)
	if err != nil {
		return err
	}
	plan.add(actionRepay, symbol, wad.Min(amount, debt))
	return nil
}

func (o *Orchestrator) checkRequest(op, requestID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if o.idempotency != nil && requestID != "" && o.idempotency.IsDuplicate(op, requestID) {
		return fmt.Errorf("%w: %s %s", ErrDuplicateRequest, op, requestID)
	}
	return nil
}

func (o *Orchestrator) commitOperation(op, requestID string, et event.EventType, m *market.Market, res *Result, receiver *uuid.UUID, start time.Time) {
	payload := event.OperationPayload{
		User:     res.User,
		Market:   res.Market,
		Amount:   res.Amount.String(),
		P2P:      res.P2P.String(),
		Pool:     res.Pool.String(),
		Block:    res.Block,
		Receiver: receiver,
	}
	o.emit(op, requestID, et, m, &res.User, payload)
	o.finish(op, requestID, res.Market, res.P2P, res.Pool, start)
	o.log.Info().Str("op", op).Str("market", res.Market).
		Stringer("user", res.User).
		Str("amount", res.Amount.String()).
		Str("p2p", res.P2P.String()).
		Str("pool", res.Pool.String()).
		Msg("operation committed")
}

func (o *Orchestrator) commitRepay(op, requestID string, m *market.Market, res *Result, payer *uuid.UUID, start time.Time) {
	payload := event.OperationPayload{
		User:   res.User,
		Market: res.Market,
		Amount: res.Amount.String(),
		P2P:    res.P2P.String(),
		Pool:   res.Pool.String(),
		Block:  res.Block,
		Payer:  payer,
	}
	o.emit(op, requestID, event.EventTypeRepaid, m, &res.User, payload)
	o.finish(op, requestID, res.Market, res.P2P, res.Pool, start)
	o.log.Info().Str("op", op).Str("market", res.Market).
		Stringer("user", res.User).
		Str("amount", res.Amount.String()).
		Msg("operation committed")
}

func (o *Orchestrator) commitLiquidation(op, requestID string, m *market.Market, res *LiquidationResult, start time.Time) {
	payload := event.LiquidationPayload{
		Liquidator:       res.Liquidator,
		Borrower:         res.Borrower,
		BorrowedMarket:   res.BorrowedMarket,
		CollateralMarket: res.CollateralMarket,
		Repaid:           res.Repaid.String(),
		Seized:           res.Seized.String(),
		Block:            res.Block,
	}
	o.emit(op, requestID, event.EventTypeLiquidated, m, &res.Liquidator, payload)
	o.finish(op, requestID, res.BorrowedMarket, res.Repaid, new(big.Int), start)
	o.log.Info().Str("op", op).
		Str("borrowed_market", res.BorrowedMarket).
		Str("collateral_market", res.CollateralMarket).
		Stringer("borrower", res.Borrower).
		Str("repaid", res.Repaid.String()).
		Str("seized", res.Seized.String()).
		Msg("liquidation committed")
}

// emit appends one record to the operation log: hash-chained envelope,
// blocking send to persistence, non-blocking send to the publisher.
func (o *Orchestrator) emit(op, requestID string, et event.EventType, m *market.Market, user *uuid.UUID, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("core: marshal %s payload: %v", et, err))
	}

	var symbol *string
	var digest []byte
	if m != nil {
		s := m.Symbol
		symbol = &s
		digest = marketDigest(m)
	}

	prev := o.hasher.GetPrevHash()
	env := &event.Envelope{
		Sequence:  o.sequence,
		EventType: et,
		Market:    symbol,
		User:      user,
		Timestamp: o.now(),
		Payload:   data,
		StateHash: o.hasher.ComputeHash(o.sequence, digest),
		PrevHash:  prev,
	}
	o.sequence++

	out := Output{Envelope: env, Operation: op, RequestID: requestID}
	if o.persistChan != nil {
		o.persistChan <- out
	}
	if o.publishChan != nil {
		select {
		case o.publishChan <- out:
		default:
			if o.metrics != nil {
				o.metrics.PublishDrops.Inc()
			}
		}
	}
	if o.metrics != nil {
		o.metrics.OrchestratorSequence.Set(float64(o.sequence))
	}
}

// Sequence returns the next operation-log sequence, i.e. one past the
// last committed record.
func (o *Orchestrator) Sequence() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sequence
}

func (o *Orchestrator) finish(op, requestID, symbol string, p2p, poolAmt *big.Int, start time.Time) {
	if o.idempotency != nil && requestID != "" {
		o.idempotency.MarkProcessed(op, requestID)
	}
	if o.metrics == nil {
		return
	}
	o.metrics.OperationsExecuted.WithLabelValues(op).Inc()
	o.metrics.OperationDuration.WithLabelValues(op).Observe(o.now().Sub(start).Seconds())
	o.metrics.MatchedVolume.WithLabelValues(op).Add(observability.WadFloat(p2p))
	o.metrics.FallbackVolume.WithLabelValues(op).Add(observability.WadFloat(poolAmt))
	o.store.View(func(tx *market.Tx) {
		m := tx.Market(symbol)
		if m == nil {
			return
		}
		o.metrics.P2PSupplyDelta.WithLabelValues(symbol).Set(observability.WadFloat(m.Delta.P2PSupplyDelta))
		o.metrics.P2PBorrowDelta.WithLabelValues(symbol).Set(observability.WadFloat(m.Delta.P2PBorrowDelta))
		o.metrics.P2PSupplyAmount.WithLabelValues(symbol).Set(observability.WadFloat(m.Delta.P2PSupplyAmount))
		o.metrics.P2PBorrowAmount.WithLabelValues(symbol).Set(observability.WadFloat(m.Delta.P2PBorrowAmount))
	})
}

// reject classifies and counts a failed operation.
func (o *Orchestrator) reject(op string, err error) error {
	if o.metrics != nil {
		o.metrics.OperationsRejected.WithLabelValues(op, rejectReason(err)).Inc()
	}
	o.log.Warn().Str("op", op).Err(err).Msg("operation rejected")
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrAmountTooSmall):
		return "amount_too_small"
	case errors.Is(err, ErrMarketNotCreated):
		return "market_not_created"
	case errors.Is(err, ErrMarketPaused):
		return "market_paused"
	case errors.Is(err, ErrBorrowOnDeprecatedMarket):
		return "market_deprecated"
	case errors.Is(err, ErrUnauthorizedBorrow), errors.Is(err, ErrUnauthorizedWithdraw):
		return "insufficient_collateral"
	case errors.Is(err, ErrBorrowerHealthy):
		return "borrower_healthy"
	case errors.Is(err, ErrSeizeAboveCollateral):
		return "seize_above_collateral"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, oracle.ErrPriceUnavailable):
		return "price_unavailable"
	default:
		return "pool_failure"
	}
}
