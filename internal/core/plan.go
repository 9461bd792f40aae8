package core

import (
	"fmt"
	"math/big"

	"PeerLend/internal/pool"
)

type poolAction int

const (
	actionSupply poolAction = iota
	actionWithdraw
	actionBorrow
	actionRepay
)

func (a poolAction) String() string {
	switch a {
	case actionSupply:
		return "supply"
	case actionWithdraw:
		return "withdraw"
	case actionBorrow:
		return "borrow"
	case actionRepay:
		return "repay"
	default:
		return "unknown"
	}
}

type poolStep struct {
	action poolAction
	symbol string
	amount *big.Int
}

// poolPlan defers the pool writes of one operation until every ledger
// phase has succeeded. Ledger failures therefore never need to unwind a
// pool call: the transaction rolls back and the plan is discarded.
//
// Reads against the pool during the phases go through availableCash and
// outstandingDebt, which overlay the not-yet-executed steps so later
// phases see the liquidity earlier phases already claimed.
type poolPlan struct {
	steps []poolStep

	cashAdj map[string]*big.Int
	debtAdj map[string]*big.Int
}

func newPoolPlan() *poolPlan {
	return &poolPlan{
		cashAdj: make(map[string]*big.Int),
		debtAdj: make(map[string]*big.Int),
	}
}

func (pp *poolPlan) add(action poolAction, symbol string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	amt := new(big.Int).Set(amount)
	pp.steps = append(pp.steps, poolStep{action: action, symbol: symbol, amount: amt})

	switch action {
	case actionSupply, actionRepay:
		pp.adjust(pp.cashAdj, symbol, amt, 1)
	case actionWithdraw, actionBorrow:
		pp.adjust(pp.cashAdj, symbol, amt, -1)
	}
	switch action {
	case actionBorrow:
		pp.adjust(pp.debtAdj, symbol, amt, 1)
	case actionRepay:
		pp.adjust(pp.debtAdj, symbol, amt, -1)
	}
}

func (pp *poolPlan) adjust(m map[string]*big.Int, symbol string, amt *big.Int, sign int) {
	cur, ok := m[symbol]
	if !ok {
		cur = new(big.Int)
		m[symbol] = cur
	}
	if sign > 0 {
		cur.Add(cur, amt)
	} else {
		cur.Sub(cur, amt)
	}
}

// availableCash is the market's withdrawable liquidity net of planned
// steps, clamped at zero.
func (pp *poolPlan) availableCash(p pool.Pool, symbol string) (*big.Int, error) {
	cash, err := p.Cash(symbol)
	if err != nil {
		return nil, err
	}
	if adj, ok := pp.cashAdj[symbol]; ok {
		cash = new(big.Int).Add(cash, adj)
	}
	if cash.Sign() < 0 {
		cash = new(big.Int)
	}
	return cash, nil
}

// outstandingDebt is the overlay's own pool debt net of planned steps,
// clamped at zero. Repays are capped here since over-repaying the pool
// fails the whole call.
func (pp *poolPlan) outstandingDebt(p pool.Pool, symbol string) (*big.Int, error) {
	debt, err := p.Debt(symbol)
	if err != nil {
		return nil, err
	}
	if adj, ok := pp.debtAdj[symbol]; ok {
		debt = new(big.Int).Add(debt, adj)
	}
	if debt.Sign() < 0 {
		debt = new(big.Int)
	}
	return debt, nil
}

// execute runs the planned steps in order. On failure it re-applies the
// already-executed steps inverted, in reverse order, so the pool is
// restored before the caller rolls the ledger back. A failing
// compensation means pool and ledger have diverged, which is not a
// state this process can keep running in.
func (pp *poolPlan) execute(p pool.Pool) error {
	for i, step := range pp.steps {
		if err := pp.apply(p, step.action, step.symbol, step.amount); err != nil {
			for j := i - 1; j >= 0; j-- {
				undo := pp.steps[j]
				if cerr := pp.apply(p, inverse(undo.action), undo.symbol, undo.amount); cerr != nil {
					panic(fmt.Sprintf("core: pool compensation failed: %v (after %v)", cerr, err))
				}
			}
			return fmt.Errorf("pool %s %s: %w", step.action, step.symbol, err)
		}
	}
	return nil
}

func (pp *poolPlan) apply(p pool.Pool, action poolAction, symbol string, amount *big.Int) error {
	switch action {
	case actionSupply:
		return p.Supply(symbol, amount)
	case actionWithdraw:
		return p.Withdraw(symbol, amount)
	case actionBorrow:
		return p.Borrow(symbol, amount)
	case actionRepay:
		return p.Repay(symbol, amount)
	default:
		panic(fmt.Sprintf("core: unknown pool action %d", action))
	}
}

func inverse(a poolAction) poolAction {
	switch a {
	case actionSupply:
		return actionWithdraw
	case actionWithdraw:
		return actionSupply
	case actionBorrow:
		return actionRepay
	case actionRepay:
		return actionBorrow
	default:
		panic(fmt.Sprintf("core: unknown pool action %d", a))
	}
}
