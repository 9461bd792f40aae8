package market

import (
	"math/big"

	"github.com/google/uuid"

	wad "PeerLend/internal/math"
)

// Delta is the per-market reconciliation record between the two P2P
// sides. The deltas are pool-unit denominated: the portion of one
// side's P2P claims not actually backed by a live match on the other
// side, currently sitting on the pool. The amounts are P2P-unit
// denominated totals of claims outstanding.
type Delta struct {
	P2PSupplyDelta  *big.Int
	P2PBorrowDelta  *big.Int
	P2PSupplyAmount *big.Int
	P2PBorrowAmount *big.Int
}

func NewDelta() Delta {
	return Delta{
		P2PSupplyDelta:  new(big.Int),
		P2PBorrowDelta:  new(big.Int),
		P2PSupplyAmount: new(big.Int),
		P2PBorrowAmount: new(big.Int),
	}
}

func (d Delta) clone() Delta {
	return Delta{
		P2PSupplyDelta:  wad.Clone(d.P2PSupplyDelta),
		P2PBorrowDelta:  wad.Clone(d.P2PBorrowDelta),
		P2PSupplyAmount: wad.Clone(d.P2PSupplyAmount),
		P2PBorrowAmount: wad.Clone(d.P2PBorrowAmount),
	}
}

// Sub decreases field v by amount. Subtracting more than is stored
// signals an accounting bug upstream and panics: silent clamping would
// hide ledger corruption.
func deltaSub(v, amount *big.Int) {
	if amount.Cmp(v) > 0 {
		panic("market: delta underflow")
	}
	v.Sub(v, amount)
}

func (d Delta) SubSupplyDelta(amount *big.Int)  { deltaSub(d.P2PSupplyDelta, amount) }
func (d Delta) SubBorrowDelta(amount *big.Int)  { deltaSub(d.P2PBorrowDelta, amount) }
func (d Delta) SubSupplyAmount(amount *big.Int) { deltaSub(d.P2PSupplyAmount, amount) }
func (d Delta) SubBorrowAmount(amount *big.Int) { deltaSub(d.P2PBorrowAmount, amount) }

// PauseStatus holds the governance pause flags, one per user-facing
// operation.
type PauseStatus struct {
	SupplyPaused    bool
	BorrowPaused    bool
	WithdrawPaused  bool
	RepayPaused     bool
	LiquidatePaused bool
	Deprecated      bool
}

// Market is the per-asset overlay state. Indexes are WAD-scaled and
// monotonically non-decreasing; they are mutated only by index accrual.
// Parameters are mutated only through the governance surface.
type Market struct {
	Symbol string

	P2PSupplyIndex *big.Int
	P2PBorrowIndex *big.Int

	// Pool index checkpoints taken at the last accrual.
	LastPoolSupplyIndex *big.Int
	LastPoolBorrowIndex *big.Int
	LastUpdateBlock     uint64

	// Governance parameters, both in basis points.
	ReserveFactorBps  uint32
	P2PIndexCursorBps uint32

	Delta Delta
	Pause PauseStatus

	Version int64
}

func (m *Market) clone() *Market {
	cp := *m
	cp.P2PSupplyIndex = wad.Clone(m.P2PSupplyIndex)
	cp.P2PBorrowIndex = wad.Clone(m.P2PBorrowIndex)
	cp.LastPoolSupplyIndex = wad.Clone(m.LastPoolSupplyIndex)
	cp.LastPoolBorrowIndex = wad.Clone(m.LastPoolBorrowIndex)
	cp.Delta = m.Delta.clone()
	return &cp
}

// Position is one side of a user's balance in one market. OnPool is in
// the pool's own scaled units (grows with the pool index); InP2P is in
// P2P units (grows with the P2P index). A user's underlying balance is
// onPool*poolIndex + inP2P*p2pIndex.
type Position struct {
	OnPool *big.Int
	InP2P  *big.Int
}

func NewPosition() *Position {
	return &Position{OnPool: new(big.Int), InP2P: new(big.Int)}
}

func (p *Position) IsZero() bool {
	return p.OnPool.Sign() == 0 && p.InP2P.Sign() == 0
}

func (p *Position) clone() *Position {
	return &Position{OnPool: wad.Clone(p.OnPool), InP2P: wad.Clone(p.InP2P)}
}

// PositionKey identifies a position record.
type PositionKey struct {
	User   uuid.UUID
	Market string
}

// Params are the store-wide tunables consulted by the matching engine.
type Params struct {
	// MaxSortedUsers caps every ordered position set.
	MaxSortedUsers int

	// DustThreshold snaps near-zero balances to exactly zero before
	// set membership is refreshed.
	DustThreshold *big.Int
}
