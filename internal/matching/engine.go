package matching

import (
	"math/big"

	"github.com/google/uuid"

	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/sets"
)

// Engine moves liquidity between the pool venue and the P2P venue for
// one market at a time, greedily from the largest position down, under
// an explicit iteration budget (positions touched). A budget of zero
// disables matching for the call: the caller falls back to the pool.
//
// Every match or unmatch step mutates the delta ledger and the touched
// position inside the caller's transaction, so the two can never
// disagree on outstanding P2P exposure.
//
// All amounts in and out are WAD underlying. The engine reads pool
// indexes from the market's checkpoints, which the caller must have
// refreshed via accrual in the same transaction.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// MatchSuppliers satisfies borrow-side demand from supplier liquidity:
// first from the supply delta (claims already P2P-committed but idle on
// the pool), then by promoting on-pool suppliers, largest first.
// Returns the underlying matched; a partial result means the set ran
// dry or the budget ran out, and the caller routes the remainder to the
// pool.
func (e *Engine) MatchSuppliers(tx *market.Tx, m *market.Market, amount *big.Int, budget int) *big.Int {
	remaining := wad.Clone(amount)
	matched := new(big.Int)

	consumeDelta(m.Delta.P2PSupplyDelta, m.LastPoolSupplyIndex, remaining, matched)

	ms := tx.Sets(m.Symbol)
	promoted := new(big.Int)
	for remaining.Sign() > 0 && budget > 0 {
		user := ms.PoolSuppliers.Head()
		if user == uuid.Nil {
			break
		}
		budget--

		pos := tx.SupplyPosition(user, m.Symbol)
		onPool := wad.WadMul(pos.OnPool, m.LastPoolSupplyIndex)
		take := wad.Min(onPool, remaining)
		if take.Sign() == 0 {
			ms.PoolSuppliers.Remove(user)
			continue
		}

		pos.OnPool.Sub(pos.OnPool, wad.Min(wad.WadDiv(take, m.LastPoolSupplyIndex), pos.OnPool))
		pos.InP2P.Add(pos.InP2P, wad.WadDiv(take, m.P2PSupplyIndex))
		e.RefreshSupplier(tx, m.Symbol, user)

		promoted.Add(promoted, take)
		remaining.Sub(remaining, take)
	}

	// Newly promoted claims enter the P2P supply total; the delta
	// portion was already counted there.
	m.Delta.P2PSupplyAmount.Add(m.Delta.P2PSupplyAmount, wad.WadDiv(promoted, m.P2PSupplyIndex))
	return matched.Add(matched, promoted)
}

// MatchBorrowers satisfies supply-side demand from borrower demand:
// first from the borrow delta, then by promoting on-pool borrowers,
// largest first.
func (e *Engine) MatchBorrowers(tx *market.Tx, m *market.Market, amount *big.Int, budget int) *big.Int {
	remaining := wad.Clone(amount)
	matched := new(big.Int)

	consumeDelta(m.Delta.P2PBorrowDelta, m.LastPoolBorrowIndex, remaining, matched)

	ms := tx.Sets(m.Symbol)
	promoted := new(big.Int)
	for remaining.Sign() > 0 && budget > 0 {
		user := ms.PoolBorrowers.Head()
		if user == uuid.Nil {
			break
		}
		budget--

		pos := tx.BorrowPosition(user, m.Symbol)
		onPool := wad.WadMul(pos.OnPool, m.LastPoolBorrowIndex)
		take := wad.Min(onPool, remaining)
		if take.Sign() == 0 {
			ms.PoolBorrowers.Remove(user)
			continue
		}

		pos.OnPool.Sub(pos.OnPool, wad.Min(wad.WadDiv(take, m.LastPoolBorrowIndex), pos.OnPool))
		pos.InP2P.Add(pos.InP2P, wad.WadDiv(take, m.P2PBorrowIndex))
		e.RefreshBorrower(tx, m.Symbol, user)

		promoted.Add(promoted, take)
		remaining.Sub(remaining, take)
	}

	m.Delta.P2PBorrowAmount.Add(m.Delta.P2PBorrowAmount, wad.WadDiv(promoted, m.P2PBorrowIndex))
	return matched.Add(matched, promoted)
}

// UnmatchSuppliers demotes in-P2P suppliers back to the pool, largest
// first, for up to amount underlying. The demoted claims leave the P2P
// supply total; the caller is responsible for creating a supply delta
// for any shortfall and for placing the funds on the pool. Returns the
// underlying unmatched.
func (e *Engine) UnmatchSuppliers(tx *market.Tx, m *market.Market, amount *big.Int, budget int) *big.Int {
	remaining := wad.Clone(amount)
	unmatched := new(big.Int)

	ms := tx.Sets(m.Symbol)
	for remaining.Sign() > 0 && budget > 0 {
		user := ms.P2PSuppliers.Head()
		if user == uuid.Nil {
			break
		}
		budget--

		pos := tx.SupplyPosition(user, m.Symbol)
		inP2P := wad.WadMul(pos.InP2P, m.P2PSupplyIndex)
		take := wad.Min(inP2P, remaining)
		if take.Sign() == 0 {
			ms.P2PSuppliers.Remove(user)
			continue
		}

		pos.InP2P.Sub(pos.InP2P, wad.Min(wad.WadDiv(take, m.P2PSupplyIndex), pos.InP2P))
		pos.OnPool.Add(pos.OnPool, wad.WadDiv(take, m.LastPoolSupplyIndex))
		e.RefreshSupplier(tx, m.Symbol, user)

		unmatched.Add(unmatched, take)
		remaining.Sub(remaining, take)
	}

	m.Delta.SubSupplyAmount(wad.Min(wad.WadDiv(unmatched, m.P2PSupplyIndex), m.Delta.P2PSupplyAmount))
	return unmatched
}

// UnmatchBorrowers demotes in-P2P borrowers back to pool borrowing,
// largest first. The caller creates a borrow delta for any shortfall
// and takes on the corresponding pool borrow.
func (e *Engine) UnmatchBorrowers(tx *market.Tx, m *market.Market, amount *big.Int, budget int) *big.Int {
	remaining := wad.Clone(amount)
	unmatched := new(big.Int)

	ms := tx.Sets(m.Symbol)
	for remaining.Sign() > 0 && budget > 0 {
		user := ms.P2PBorrowers.Head()
		if user == uuid.Nil {
			break
		}
		budget--

		pos := tx.BorrowPosition(user, m.Symbol)
		inP2P := wad.WadMul(pos.InP2P, m.P2PBorrowIndex)
		take := wad.Min(inP2P, remaining)
		if take.Sign() == 0 {
			ms.P2PBorrowers.Remove(user)
			continue
		}

		pos.InP2P.Sub(pos.InP2P, wad.Min(wad.WadDiv(take, m.P2PBorrowIndex), pos.InP2P))
		pos.OnPool.Add(pos.OnPool, wad.WadDiv(take, m.LastPoolBorrowIndex))
		e.RefreshBorrower(tx, m.Symbol, user)

		unmatched.Add(unmatched, take)
		remaining.Sub(remaining, take)
	}

	m.Delta.SubBorrowAmount(wad.Min(wad.WadDiv(unmatched, m.P2PBorrowIndex), m.Delta.P2PBorrowAmount))
	return unmatched
}

// consumeDelta takes as much of remaining as the delta can cover,
// moving it into matched. Deltas are stranded liquidity already
// P2P-committed, so they are reconciled before any fresh matching.
func consumeDelta(delta, poolIndex, remaining, matched *big.Int) {
	if delta.Sign() == 0 || remaining.Sign() == 0 {
		return
	}
	deltaUnderlying := wad.WadMul(delta, poolIndex)
	take := wad.Min(deltaUnderlying, remaining)
	if take.Cmp(deltaUnderlying) == 0 {
		delta.SetInt64(0)
	} else {
		delta.Sub(delta, wad.Min(wad.WadDiv(take, poolIndex), delta))
	}
	matched.Add(matched, take)
	remaining.Sub(remaining, take)
}

// RefreshSupplier snaps the user's supply balances to the dust
// threshold and refreshes both supply-side set memberships. The
// remove+reinsert cycle is skipped when a value did not change.
func (e *Engine) RefreshSupplier(tx *market.Tx, symbol string, user uuid.UUID) {
	pos := tx.SupplyPosition(user, symbol)
	params := tx.Params()
	ms := tx.Sets(symbol)

	snapDust(pos.OnPool, params.DustThreshold)
	snapDust(pos.InP2P, params.DustThreshold)

	refreshEntry(ms.PoolSuppliers, user, pos.OnPool, params.MaxSortedUsers)
	refreshEntry(ms.P2PSuppliers, user, pos.InP2P, params.MaxSortedUsers)
}

// RefreshBorrower is the borrow-side counterpart of RefreshSupplier.
func (e *Engine) RefreshBorrower(tx *market.Tx, symbol string, user uuid.UUID) {
	pos := tx.BorrowPosition(user, symbol)
	params := tx.Params()
	ms := tx.Sets(symbol)

	snapDust(pos.OnPool, params.DustThreshold)
	snapDust(pos.InP2P, params.DustThreshold)

	refreshEntry(ms.PoolBorrowers, user, pos.OnPool, params.MaxSortedUsers)
	refreshEntry(ms.P2PBorrowers, user, pos.InP2P, params.MaxSortedUsers)
}

func refreshEntry(s *sets.OrderedSet, user uuid.UUID, value *big.Int, cap int) {
	if s.ValueOf(user).Cmp(value) == 0 {
		return
	}
	s.Remove(user)
	s.Insert(user, value, cap)
}

func snapDust(v, dust *big.Int) {
	if v.Sign() > 0 && v.Cmp(dust) < 0 {
		v.SetInt64(0)
	}
}
