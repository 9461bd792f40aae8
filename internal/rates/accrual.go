package rates

import (
	"fmt"
	"math/big"

	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/pool"
)

// Params carries everything the P2P index computation needs: the last
// committed P2P indexes, the pool's indexes now and at the last
// checkpoint, the market's rate parameters, and the outstanding delta.
type Params struct {
	LastP2PSupplyIndex *big.Int
	LastP2PBorrowIndex *big.Int

	PoolSupplyIndex *big.Int
	PoolBorrowIndex *big.Int

	LastPoolSupplyIndex *big.Int
	LastPoolBorrowIndex *big.Int

	ReserveFactorBps  uint32
	P2PIndexCursorBps uint32

	Delta market.Delta
}

// Indexes is the result of one accrual computation.
type Indexes struct {
	P2PSupplyIndex *big.Int
	P2PBorrowIndex *big.Int
}

// ComputeIndexes advances both P2P indexes by the pool's growth since
// the last checkpoint. It is pure: balance previews call it without
// touching the store.
//
// The P2P growth rate is a cursor-positioned blend of the pool's supply
// and borrow growth, with the reserve factor clawing part of each
// side's spread advantage back toward the pool rate. Claims sitting
// idle as delta earn the pool rate instead, blended in proportionally
// via the delta share.
func ComputeIndexes(p Params) Indexes {
	poolSupplyGrowth := wad.WadDiv(p.PoolSupplyIndex, p.LastPoolSupplyIndex)
	poolBorrowGrowth := wad.WadDiv(p.PoolBorrowIndex, p.LastPoolBorrowIndex)

	p2pGrowth := wad.BpsBlend(poolSupplyGrowth, poolBorrowGrowth, p.P2PIndexCursorBps)

	// Reserve-factor skim: suppliers give back part of their upside
	// over the pool supply rate, borrowers pay part of their saving
	// under the pool borrow rate. Clamped when the pool spread inverts.
	p2pSupplyGrowth := new(big.Int).Sub(p2pGrowth, wad.BpsMul(wad.SafeSub(p2pGrowth, poolSupplyGrowth), p.ReserveFactorBps))
	p2pBorrowGrowth := new(big.Int).Add(p2pGrowth, wad.BpsMul(wad.SafeSub(poolBorrowGrowth, p2pGrowth), p.ReserveFactorBps))

	return Indexes{
		P2PSupplyIndex: growIndex(p.LastP2PSupplyIndex, p2pSupplyGrowth, poolSupplyGrowth,
			p.Delta.P2PSupplyDelta, p.Delta.P2PSupplyAmount, p.LastPoolSupplyIndex),
		P2PBorrowIndex: growIndex(p.LastP2PBorrowIndex, p2pBorrowGrowth, poolBorrowGrowth,
			p.Delta.P2PBorrowDelta, p.Delta.P2PBorrowAmount, p.LastPoolBorrowIndex),
	}
}

// growIndex applies one side's growth to its index. With no delta the
// index simply grows at the P2P rate; otherwise the share of claims
// that is delta-backed grows at the pool rate instead.
func growIndex(index, p2pGrowth, poolGrowth, delta, amount, lastPoolIndex *big.Int) *big.Int {
	if delta.Sign() == 0 || amount.Sign() == 0 {
		return wad.WadMul(index, p2pGrowth)
	}

	share := wad.Min(
		wad.WadDiv(wad.WadMul(delta, lastPoolIndex), wad.WadMul(amount, index)),
		wad.Wad,
	)

	blend := new(big.Int).Add(
		wad.WadMul(new(big.Int).Sub(wad.Wad, share), p2pGrowth),
		wad.WadMul(share, poolGrowth),
	)
	return wad.WadMul(index, blend)
}

// Accrue brings a market's P2P indexes up to the pool's current state
// and advances the checkpoint. Idempotent within a block: a second call
// at the same pool block is a no-op. Must run inside the caller's
// transaction before any balance is read or mutated.
func Accrue(tx *market.Tx, m *market.Market, p pool.Pool) error {
	block := p.CurrentBlock()
	if block == m.LastUpdateBlock {
		return nil
	}

	poolSupplyIndex, err := p.SupplyIndex(m.Symbol)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", m.Symbol, err)
	}
	poolBorrowIndex, err := p.BorrowIndex(m.Symbol)
	if err != nil {
		return fmt.Errorf("accrue %s: %w", m.Symbol, err)
	}

	next := ComputeIndexes(Params{
		LastP2PSupplyIndex:  m.P2PSupplyIndex,
		LastP2PBorrowIndex:  m.P2PBorrowIndex,
		PoolSupplyIndex:     poolSupplyIndex,
		PoolBorrowIndex:     poolBorrowIndex,
		LastPoolSupplyIndex: m.LastPoolSupplyIndex,
		LastPoolBorrowIndex: m.LastPoolBorrowIndex,
		ReserveFactorBps:    m.ReserveFactorBps,
		P2PIndexCursorBps:   m.P2PIndexCursorBps,
		Delta:               m.Delta,
	})

	m.P2PSupplyIndex = next.P2PSupplyIndex
	m.P2PBorrowIndex = next.P2PBorrowIndex
	m.LastPoolSupplyIndex = poolSupplyIndex
	m.LastPoolBorrowIndex = poolBorrowIndex
	m.LastUpdateBlock = block
	return nil
}

// Preview computes the indexes a market would have after accrual,
// without mutating anything. Used by balance getters.
func Preview(m *market.Market, p pool.Pool) (Indexes, error) {
	if p.CurrentBlock() == m.LastUpdateBlock {
		return Indexes{
			P2PSupplyIndex: wad.Clone(m.P2PSupplyIndex),
			P2PBorrowIndex: wad.Clone(m.P2PBorrowIndex),
		}, nil
	}

	poolSupplyIndex, err := p.SupplyIndex(m.Symbol)
	if err != nil {
		return Indexes{}, fmt.Errorf("preview %s: %w", m.Symbol, err)
	}
	poolBorrowIndex, err := p.BorrowIndex(m.Symbol)
	if err != nil {
		return Indexes{}, fmt.Errorf("preview %s: %w", m.Symbol, err)
	}

	return ComputeIndexes(Params{
		LastP2PSupplyIndex:  m.P2PSupplyIndex,
		LastP2PBorrowIndex:  m.P2PBorrowIndex,
		PoolSupplyIndex:     poolSupplyIndex,
		PoolBorrowIndex:     poolBorrowIndex,
		LastPoolSupplyIndex: m.LastPoolSupplyIndex,
		LastPoolBorrowIndex: m.LastPoolBorrowIndex,
		ReserveFactorBps:    m.ReserveFactorBps,
		P2PIndexCursorBps:   m.P2PIndexCursorBps,
		Delta:               m.Delta,
	}), nil
}
