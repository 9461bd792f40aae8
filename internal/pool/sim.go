package pool

import (
	"fmt"
	"math/big"
	"sync"

	wad "PeerLend/internal/math"
)

// BlocksPerYear matches the 15-second block cadence used by the
// classic Compound jump-rate deployments.
const BlocksPerYear = 2_102_400

// JumpRateParams is the per-market interest model: a base rate plus a
// utilization multiplier, with a steeper jump slope above the kink.
// All fields are WAD-scaled annual rates except Kink (WAD utilization).
type JumpRateParams struct {
	BaseRate   *big.Int
	Multiplier *big.Int
	Jump       *big.Int
	Kink       *big.Int
}

// DefaultJumpRate mirrors a typical stablecoin market configuration:
// 2% base, 10% slope, 200% jump slope above an 80% kink.
func DefaultJumpRate() JumpRateParams {
	return JumpRateParams{
		BaseRate:   wad.BpsMul(wad.Wad, 200),
		Multiplier: wad.BpsMul(wad.Wad, 1000),
		Jump:       wad.BpsMul(wad.Wad, 20_000),
		Kink:       wad.BpsMul(wad.Wad, 8000),
	}
}

type simMarket struct {
	cash          *big.Int
	totalBorrows  *big.Int
	reserves      *big.Int
	reserveFactor *big.Int // WAD fraction of borrow interest kept

	supplyIndex  *big.Int
	borrowIndex  *big.Int
	accrualBlock uint64

	rate             JumpRateParams
	collateralFactor *big.Int

	// Overlay's own position against this market.
	clientSupply *big.Int // pool supply units (underlying / supplyIndex)
	clientDebt   *big.Int // borrow principal units (underlying / borrowIndex)
}

// SimulatedPool is an in-memory Compound-style money market used by the
// default deployment and the test suite. Interest accrues lazily on
// access from a shared block counter.
type SimulatedPool struct {
	mu      sync.Mutex
	block   uint64
	markets map[string]*simMarket

	closeFactor          *big.Int
	liquidationIncentive *big.Int
}

func NewSimulatedPool() *SimulatedPool {
	return &SimulatedPool{
		block:   1,
		markets: make(map[string]*simMarket),
		// 50% close factor, 8% liquidation bonus.
		closeFactor:          wad.BpsMul(wad.Wad, 5000),
		liquidationIncentive: new(big.Int).Add(wad.Clone(wad.Wad), wad.BpsMul(wad.Wad, 800)),
	}
}

// ListMarket registers a market with initial liquidity and a
// collateral factor (WAD).
func (p *SimulatedPool) ListMarket(symbol string, initialCash, collateralFactor *big.Int, rate JumpRateParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.markets[symbol]; ok {
		return fmt.Errorf("pool: market %s already listed", symbol)
	}
	p.markets[symbol] = &simMarket{
		cash:             wad.Clone(initialCash),
		totalBorrows:     new(big.Int),
		reserves:         new(big.Int),
		reserveFactor:    wad.BpsMul(wad.Wad, 1000),
		supplyIndex:      wad.Clone(wad.Wad),
		borrowIndex:      wad.Clone(wad.Wad),
		accrualBlock:     p.block,
		rate:             rate,
		collateralFactor: wad.Clone(collateralFactor),
		clientSupply:     new(big.Int),
		clientDebt:       new(big.Int),
	}
	return nil
}

// AdvanceBlocks moves the block counter forward; interest accrues
// lazily when each market is next touched.
func (p *SimulatedPool) AdvanceBlocks(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block += n
}

// SetCloseFactor overrides the close factor (WAD).
func (p *SimulatedPool) SetCloseFactor(v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeFactor = wad.Clone(v)
}

// SetLiquidationIncentive overrides the liquidation incentive (WAD,
// e.g. 1.08 WAD for an 8% bonus).
func (p *SimulatedPool) SetLiquidationIncentive(v *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.liquidationIncentive = wad.Clone(v)
}

func (p *SimulatedPool) market(symbol string) (*simMarket, error) {
	m, ok := p.markets[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotListed, symbol)
	}
	p.accrue(m)
	return m, nil
}

// utilization = borrows / (cash + borrows - reserves)
func utilization(m *simMarket) *big.Int {
	total := new(big.Int).Add(m.cash, m.totalBorrows)
	total.Sub(total, m.reserves)
	if total.Sign() <= 0 || m.totalBorrows.Sign() == 0 {
		return new(big.Int)
	}
	return wad.WadDiv(m.totalBorrows, total)
}

// borrowRatePerBlock applies the jump-rate model to current
// utilization and scales the annual rate down to one block.
func borrowRatePerBlock(m *simMarket) *big.Int {
	util := utilization(m)

	var annual *big.Int
	if util.Cmp(m.rate.Kink) <= 0 {
		annual = new(big.Int).Add(wad.WadMul(util, m.rate.Multiplier), m.rate.BaseRate)
	} else {
		normal := new(big.Int).Add(wad.WadMul(m.rate.Kink, m.rate.Multiplier), m.rate.BaseRate)
		excess := new(big.Int).Sub(util, m.rate.Kink)
		annual = new(big.Int).Add(wad.WadMul(excess, m.rate.Jump), normal)
	}
	return annual.Quo(annual, big.NewInt(BlocksPerYear))
}

// accrue compounds both indexes from the market's last accrual block to
// the current block using simple per-period interest.
func (p *SimulatedPool) accrue(m *simMarket) {
	if p.block <= m.accrualBlock {
		return
	}
	elapsed := new(big.Int).SetUint64(p.block - m.accrualBlock)
	m.accrualBlock = p.block

	borrowRate := borrowRatePerBlock(m)
	interestFactor := new(big.Int).Mul(borrowRate, elapsed)

	interest := wad.WadMul(m.totalBorrows, interestFactor)
	m.totalBorrows.Add(m.totalBorrows, interest)
	m.reserves.Add(m.reserves, wad.WadMul(interest, m.reserveFactor))

	growth := new(big.Int).Add(wad.Clone(wad.Wad), interestFactor)
	m.borrowIndex = wad.WadMul(m.borrowIndex, growth)

	// Supply side earns the borrow interest net of reserves, spread
	// over all supplied cash.
	supplyBase := new(big.Int).Add(m.cash, m.totalBorrows)
	supplyBase.Sub(supplyBase, m.reserves)
	if supplyBase.Sign() > 0 {
		netInterest := new(big.Int).Sub(interest, wad.WadMul(interest, m.reserveFactor))
		supplyGrowth := new(big.Int).Add(wad.Clone(wad.Wad), wad.WadDiv(netInterest, supplyBase))
		m.supplyIndex = wad.WadMul(m.supplyIndex, supplyGrowth)
	}
}

func (p *SimulatedPool) CurrentBlock() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block
}

func (p *SimulatedPool) IsListed(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.markets[symbol]
	return ok
}

func (p *SimulatedPool) SupplyIndex(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.Clone(m.supplyIndex), nil
}

func (p *SimulatedPool) BorrowIndex(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.Clone(m.borrowIndex), nil
}

func (p *SimulatedPool) Cash(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.Clone(m.cash), nil
}

func (p *SimulatedPool) SupplyBalance(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.WadMul(m.clientSupply, m.supplyIndex), nil
}

func (p *SimulatedPool) Debt(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.WadMul(m.clientDebt, m.borrowIndex), nil
}

func (p *SimulatedPool) CollateralFactor(symbol string) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return nil, err
	}
	return wad.Clone(m.collateralFactor), nil
}

func (p *SimulatedPool) CloseFactor() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wad.Clone(p.closeFactor)
}

func (p *SimulatedPool) LiquidationIncentive() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wad.Clone(p.liquidationIncentive)
}

func (p *SimulatedPool) Supply(symbol string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMintFailed, err)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrMintFailed)
	}
	m.cash.Add(m.cash, amount)
	m.clientSupply.Add(m.clientSupply, wad.WadDiv(amount, m.supplyIndex))
	return nil
}

func (p *SimulatedPool) Withdraw(symbol string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedeemFailed, err)
	}
	units := wad.WadDiv(amount, m.supplyIndex)
	if amount.Sign() <= 0 || units.Cmp(m.clientSupply) > 0 || amount.Cmp(m.cash) > 0 {
		return fmt.Errorf("%w: %s exceeds redeemable balance or cash", ErrRedeemFailed, amount)
	}
	m.cash.Sub(m.cash, amount)
	m.clientSupply.Sub(m.clientSupply, units)
	return nil
}

func (p *SimulatedPool) Borrow(symbol string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBorrowFailed, err)
	}
	if amount.Sign() <= 0 || amount.Cmp(m.cash) > 0 {
		return fmt.Errorf("%w: %s exceeds market cash", ErrBorrowFailed, amount)
	}
	m.cash.Sub(m.cash, amount)
	m.totalBorrows.Add(m.totalBorrows, amount)
	m.clientDebt.Add(m.clientDebt, wad.WadDiv(amount, m.borrowIndex))
	return nil
}

func (p *SimulatedPool) Repay(symbol string, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market(symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRepayFailed, err)
	}
	debt := wad.WadMul(m.clientDebt, m.borrowIndex)
	// Over-repaying reverts, matching cToken behavior; callers cap at
	// the overlay's actual debt.
	if amount.Sign() <= 0 || amount.Cmp(debt) > 0 {
		return fmt.Errorf("%w: %s exceeds outstanding debt %s", ErrRepayFailed, amount, debt)
	}
	units := wad.Min(wad.WadDiv(amount, m.borrowIndex), m.clientDebt)
	m.cash.Add(m.cash, amount)
	if amount.Cmp(m.totalBorrows) > 0 {
		m.totalBorrows.SetInt64(0)
	} else {
		m.totalBorrows.Sub(m.totalBorrows, amount)
	}
	m.clientDebt.Sub(m.clientDebt, units)
	return nil
}
