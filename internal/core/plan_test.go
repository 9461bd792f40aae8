package core

import (
	"errors"
	"math/big"
	"testing"

	wad "PeerLend/internal/math"
	"PeerLend/internal/pool"
)

// failingPool rejects borrows while passing everything else through,
// to force the compensation path mid-plan.
type failingPool struct {
	*pool.SimulatedPool
	failBorrow bool
}

func (p *failingPool) Borrow(symbol string, amount *big.Int) error {
	if p.failBorrow {
		return errors.New("borrow rejected")
	}
	return p.SimulatedPool.Borrow(symbol, amount)
}

func newPlanPool(t *testing.T) *failingPool {
	t.Helper()
	p := pool.NewSimulatedPool()
	if err := p.ListMarket("USDC", wad.FromUnits(10_000), wad.BpsMul(wad.Wad, 8000), pool.DefaultJumpRate()); err != nil {
		t.Fatal(err)
	}
	return &failingPool{SimulatedPool: p}
}

func TestPlanExecutesStepsInOrder(t *testing.T) {
	p := newPlanPool(t)

	plan := newPoolPlan()
	plan.add(actionSupply, "USDC", wad.FromUnits(100))
	plan.add(actionWithdraw, "USDC", wad.FromUnits(40))
	if err := plan.execute(p); err != nil {
		t.Fatalf("execute: %v", err)
	}

	bal, err := p.SupplyBalance("USDC")
	if err != nil {
		t.Fatal(err)
	}
	assertEq(t, "supply balance", bal, wad.FromUnits(60))
}

func TestPlanCompensatesOnFailure(t *testing.T) {
	p := newPlanPool(t)
	p.failBorrow = true
	startCash, err := p.Cash("USDC")
	if err != nil {
		t.Fatal(err)
	}

	plan := newPoolPlan()
	plan.add(actionSupply, "USDC", wad.FromUnits(100))
	plan.add(actionBorrow, "USDC", wad.FromUnits(50))
	if err := plan.execute(p); err == nil {
		t.Fatal("execute succeeded, want error")
	}

	// The supply that went through before the failure was unwound.
	bal, err := p.SupplyBalance("USDC")
	if err != nil {
		t.Fatal(err)
	}
	assertEq(t, "supply balance", bal, new(big.Int))

	cash, err := p.Cash("USDC")
	if err != nil {
		t.Fatal(err)
	}
	assertEq(t, "cash", cash, startCash)
}

func TestPlanZeroAmountIsNoop(t *testing.T) {
	plan := newPoolPlan()
	plan.add(actionSupply, "USDC", new(big.Int))
	if len(plan.steps) != 0 {
		t.Fatalf("got %d steps, want 0", len(plan.steps))
	}
}

func TestPlanCashOverlay(t *testing.T) {
	p := newPlanPool(t)

	plan := newPoolPlan()
	plan.add(actionBorrow, "USDC", wad.FromUnits(9_000))

	// Later phases must see the cash already claimed by earlier steps.
	cash, err := plan.availableCash(p, "USDC")
	if err != nil {
		t.Fatal(err)
	}
	assertEq(t, "overlaid cash", cash, wad.FromUnits(1_000))
}

func TestPlanDebtOverlay(t *testing.T) {
	p := newPlanPool(t)
	if err := p.SimulatedPool.Borrow("USDC", wad.FromUnits(500)); err != nil {
		t.Fatal(err)
	}

	plan := newPoolPlan()
	plan.add(actionRepay, "USDC", wad.FromUnits(300))

	debt, err := plan.outstandingDebt(p, "USDC")
	if err != nil {
		t.Fatal(err)
	}
	assertEq(t, "overlaid debt", debt, wad.FromUnits(200))
}
