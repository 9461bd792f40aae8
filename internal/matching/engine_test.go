package matching_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PeerLend/internal/market"
	"PeerLend/internal/matching"
	wad "PeerLend/internal/math"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	carol = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

func newTestStore(t *testing.T) *market.Store {
	t.Helper()
	s := market.NewStore(market.Params{MaxSortedUsers: 8, DustThreshold: big.NewInt(100)})
	if _, err := s.CreateMarket("USDC", wad.Wad, wad.Wad, 1, 1000, 5000); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return s
}

// seedSupplier gives user an on-pool supply balance and registers it in
// the sorted sets, the way a supply operation would.
func seedSupplier(tx *market.Tx, e *matching.Engine, user uuid.UUID, units int64) {
	tx.SupplyPosition(user, "USDC").OnPool.Set(wad.FromUnits(units))
	e.RefreshSupplier(tx, "USDC", user)
}

func seedBorrower(tx *market.Tx, e *matching.Engine, user uuid.UUID, units int64) {
	tx.BorrowPosition(user, "USDC").OnPool.Set(wad.FromUnits(units))
	e.RefreshBorrower(tx, "USDC", user)
}

func TestMatchSuppliers_LargestFirst(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedSupplier(tx, e, alice, 100)
	seedSupplier(tx, e, bob, 60)
	m := tx.Market("USDC")

	matched := e.MatchSuppliers(tx, m, wad.FromUnits(120), 10)
	if matched.Cmp(wad.FromUnits(120)) != 0 {
		t.Fatalf("matched: got %s, want %s", matched, wad.FromUnits(120))
	}

	a := tx.SupplyPosition(alice, "USDC")
	if a.OnPool.Sign() != 0 || a.InP2P.Cmp(wad.FromUnits(100)) != 0 {
		t.Errorf("alice: got onPool=%s inP2P=%s, want fully promoted", a.OnPool, a.InP2P)
	}
	b := tx.SupplyPosition(bob, "USDC")
	if b.OnPool.Cmp(wad.FromUnits(40)) != 0 || b.InP2P.Cmp(wad.FromUnits(20)) != 0 {
		t.Errorf("bob: got onPool=%s inP2P=%s, want 40/20", b.OnPool, b.InP2P)
	}

	if got := m.Delta.P2PSupplyAmount; got.Cmp(wad.FromUnits(120)) != 0 {
		t.Errorf("p2p supply amount: got %s, want %s", got, wad.FromUnits(120))
	}

	ms := tx.Sets("USDC")
	if head := ms.PoolSuppliers.Head(); head != bob {
		t.Errorf("pool suppliers head: got %v, want bob", head)
	}
	if head := ms.P2PSuppliers.Head(); head != alice {
		t.Errorf("p2p suppliers head: got %v, want alice", head)
	}
}

func TestMatchSuppliers_BudgetBoundsWalk(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedSupplier(tx, e, alice, 100)
	seedSupplier(tx, e, bob, 60)
	m := tx.Market("USDC")

	matched := e.MatchSuppliers(tx, m, wad.FromUnits(120), 1)
	if matched.Cmp(wad.FromUnits(100)) != 0 {
		t.Fatalf("matched: got %s, want only alice's 100", matched)
	}
	b := tx.SupplyPosition(bob, "USDC")
	if b.InP2P.Sign() != 0 {
		t.Errorf("bob should be untouched, got inP2P=%s", b.InP2P)
	}
}

func TestMatchSuppliers_DeltaConsumedFirst(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedSupplier(tx, e, alice, 100)
	m := tx.Market("USDC")
	m.Delta.P2PSupplyDelta.Set(wad.FromUnits(30))
	m.Delta.P2PSupplyAmount.Set(wad.FromUnits(30))

	matched := e.MatchSuppliers(tx, m, wad.FromUnits(50), 10)
	if matched.Cmp(wad.FromUnits(50)) != 0 {
		t.Fatalf("matched: got %s, want %s", matched, wad.FromUnits(50))
	}
	if m.Delta.P2PSupplyDelta.Sign() != 0 {
		t.Errorf("supply delta: got %s, want fully consumed", m.Delta.P2PSupplyDelta)
	}
	// Only the freshly promoted 20 joins the P2P total; the delta's 30
	// was already in it.
	if got := m.Delta.P2PSupplyAmount; got.Cmp(wad.FromUnits(50)) != 0 {
		t.Errorf("p2p supply amount: got %s, want %s", got, wad.FromUnits(50))
	}
	a := tx.SupplyPosition(alice, "USDC")
	if a.OnPool.Cmp(wad.FromUnits(80)) != 0 || a.InP2P.Cmp(wad.FromUnits(20)) != 0 {
		t.Errorf("alice: got onPool=%s inP2P=%s, want 80/20", a.OnPool, a.InP2P)
	}
}

func TestMatchSuppliers_ZeroBudgetDeltaOnly(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedSupplier(tx, e, alice, 100)
	m := tx.Market("USDC")
	m.Delta.P2PSupplyDelta.Set(wad.FromUnits(30))
	m.Delta.P2PSupplyAmount.Set(wad.FromUnits(30))

	matched := e.MatchSuppliers(tx, m, wad.FromUnits(50), 0)
	if matched.Cmp(wad.FromUnits(30)) != 0 {
		t.Fatalf("matched: got %s, want delta's 30 only", matched)
	}
	a := tx.SupplyPosition(alice, "USDC")
	if a.InP2P.Sign() != 0 {
		t.Errorf("alice should be untouched, got inP2P=%s", a.InP2P)
	}
}

func TestMatchBorrowers_PromotesAndTracks(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedBorrower(tx, e, carol, 70)
	m := tx.Market("USDC")

	matched := e.MatchBorrowers(tx, m, wad.FromUnits(40), 10)
	if matched.Cmp(wad.FromUnits(40)) != 0 {
		t.Fatalf("matched: got %s, want %s", matched, wad.FromUnits(40))
	}
	c := tx.BorrowPosition(carol, "USDC")
	if c.OnPool.Cmp(wad.FromUnits(30)) != 0 || c.InP2P.Cmp(wad.FromUnits(40)) != 0 {
		t.Errorf("carol: got onPool=%s inP2P=%s, want 30/40", c.OnPool, c.InP2P)
	}
	if got := m.Delta.P2PBorrowAmount; got.Cmp(wad.FromUnits(40)) != 0 {
		t.Errorf("p2p borrow amount: got %s, want %s", got, wad.FromUnits(40))
	}
}

func TestUnmatchSuppliers_DemotesLargestFirst(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	tx.SupplyPosition(alice, "USDC").InP2P.Set(wad.FromUnits(50))
	e.RefreshSupplier(tx, "USDC", alice)
	m := tx.Market("USDC")
	m.Delta.P2PSupplyAmount.Set(wad.FromUnits(50))

	unmatched := e.UnmatchSuppliers(tx, m, wad.FromUnits(20), 10)
	if unmatched.Cmp(wad.FromUnits(20)) != 0 {
		t.Fatalf("unmatched: got %s, want %s", unmatched, wad.FromUnits(20))
	}
	a := tx.SupplyPosition(alice, "USDC")
	if a.OnPool.Cmp(wad.FromUnits(20)) != 0 || a.InP2P.Cmp(wad.FromUnits(30)) != 0 {
		t.Errorf("alice: got onPool=%s inP2P=%s, want 20/30", a.OnPool, a.InP2P)
	}
	if got := m.Delta.P2PSupplyAmount; got.Cmp(wad.FromUnits(30)) != 0 {
		t.Errorf("p2p supply amount: got %s, want %s", got, wad.FromUnits(30))
	}
}

func TestUnmatchBorrowers_ShortfallLeftToCaller(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	tx.BorrowPosition(bob, "USDC").InP2P.Set(wad.FromUnits(80))
	e.RefreshBorrower(tx, "USDC", bob)
	m := tx.Market("USDC")
	m.Delta.P2PBorrowAmount.Set(wad.FromUnits(80))

	unmatched := e.UnmatchBorrowers(tx, m, wad.FromUnits(100), 10)
	if unmatched.Cmp(wad.FromUnits(80)) != 0 {
		t.Fatalf("unmatched: got %s, want 80 with a 20 shortfall", unmatched)
	}
	b := tx.BorrowPosition(bob, "USDC")
	if b.OnPool.Cmp(wad.FromUnits(80)) != 0 || b.InP2P.Sign() != 0 {
		t.Errorf("bob: got onPool=%s inP2P=%s, want fully demoted", b.OnPool, b.InP2P)
	}
	if got := m.Delta.P2PBorrowAmount; got.Sign() != 0 {
		t.Errorf("p2p borrow amount: got %s, want 0", got)
	}
}

func TestRefreshSupplier_SnapsDustToZero(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	// Below the 100-wei dust threshold.
	tx.SupplyPosition(alice, "USDC").OnPool.SetInt64(99)
	e.RefreshSupplier(tx, "USDC", alice)

	if got := tx.SupplyPosition(alice, "USDC").OnPool; got.Sign() != 0 {
		t.Errorf("onPool: got %s, want snapped to zero", got)
	}
	if tx.Sets("USDC").PoolSuppliers.Contains(alice) {
		t.Error("alice should not be ranked with a dust balance")
	}
}

func TestMatchSuppliers_SkipsStaleZeroHead(t *testing.T) {
	s := newTestStore(t)
	e := matching.NewEngine()

	tx := s.Begin()
	defer tx.Rollback()
	seedSupplier(tx, e, alice, 100)
	// Drain alice's balance without refreshing her set entry, as if a
	// concurrent phase had already consumed it.
	tx.SupplyPosition(alice, "USDC").OnPool.SetInt64(0)
	seedSupplier(tx, e, bob, 60)
	m := tx.Market("USDC")

	matched := e.MatchSuppliers(tx, m, wad.FromUnits(50), 10)
	if matched.Cmp(wad.FromUnits(50)) != 0 {
		t.Fatalf("matched: got %s, want %s from bob", matched, wad.FromUnits(50))
	}
	if tx.Sets("USDC").PoolSuppliers.Contains(alice) {
		t.Error("stale zero-balance entry should be dropped")
	}
}
