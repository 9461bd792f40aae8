package market_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
)

var (
	alice = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	bob   = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func newTestStore(t *testing.T) *market.Store {
	t.Helper()
	s := market.NewStore(market.Params{MaxSortedUsers: 8, DustThreshold: big.NewInt(100)})
	if _, err := s.CreateMarket("USDC", wad.Wad, wad.Wad, 1, 1000, 5000); err != nil {
		t.Fatalf("create market: %v", err)
	}
	return s
}

func TestCreateMarket_Duplicate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateMarket("USDC", wad.Wad, wad.Wad, 1, 0, 0); err == nil {
		t.Fatal("expected duplicate market error")
	}
}

func TestCreateMarket_BpsOutOfRange(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateMarket("WETH", wad.Wad, wad.Wad, 1, 10_001, 0); err == nil {
		t.Fatal("expected bps range error")
	}
}

func TestTx_CommitKeepsMutations(t *testing.T) {
	s := newTestStore(t)

	tx := s.Begin()
	p := tx.SupplyPosition(alice, "USDC")
	p.OnPool.Set(wad.FromUnits(100))
	tx.EnterMarket(alice, "USDC")
	tx.Commit()

	tx = s.Begin()
	defer tx.Rollback()
	got := tx.SupplyPosition(alice, "USDC")
	if got.OnPool.Cmp(wad.FromUnits(100)) != 0 {
		t.Errorf("onPool: got %s, want %s", got.OnPool, wad.FromUnits(100))
	}
	if markets := tx.EnteredMarkets(alice); len(markets) != 1 || markets[0] != "USDC" {
		t.Errorf("entered markets: got %v, want [USDC]", markets)
	}
}

func TestTx_RollbackRestoresEverything(t *testing.T) {
	s := newTestStore(t)

	// Seed committed state.
	tx := s.Begin()
	tx.SupplyPosition(alice, "USDC").OnPool.Set(wad.FromUnits(50))
	tx.EnterMarket(alice, "USDC")
	tx.Sets("USDC").PoolSuppliers.Insert(alice, wad.FromUnits(50), 8)
	tx.Commit()

	// Mutate everything, then roll back.
	tx = s.Begin()
	m := tx.Market("USDC")
	m.Delta.P2PSupplyAmount.Set(wad.FromUnits(999))
	tx.SupplyPosition(alice, "USDC").OnPool.SetInt64(0)
	tx.BorrowPosition(bob, "USDC").OnPool.Set(wad.FromUnits(7))
	tx.EnterMarket(bob, "USDC")
	tx.Sets("USDC").PoolSuppliers.Remove(alice)
	tx.Rollback()

	tx = s.Begin()
	defer tx.Rollback()
	if tx.Market("USDC").Delta.P2PSupplyAmount.Sign() != 0 {
		t.Error("market delta not rolled back")
	}
	if tx.SupplyPosition(alice, "USDC").OnPool.Cmp(wad.FromUnits(50)) != 0 {
		t.Error("position not rolled back")
	}
	if !tx.BorrowPosition(bob, "USDC").IsZero() {
		t.Error("created position not deleted on rollback")
	}
	if got := tx.EnteredMarkets(bob); len(got) != 0 {
		t.Errorf("entered markets not rolled back: %v", got)
	}
	if !tx.Sets("USDC").PoolSuppliers.Contains(alice) {
		t.Error("ordered set not rolled back")
	}
}

func TestTx_ExitMarketIfEmpty(t *testing.T) {
	s := newTestStore(t)

	tx := s.Begin()
	tx.SupplyPosition(alice, "USDC").OnPool.Set(wad.FromUnits(10))
	tx.EnterMarket(alice, "USDC")
	tx.Commit()

	// Non-empty: exit is a no-op.
	tx = s.Begin()
	tx.ExitMarketIfEmpty(alice, "USDC")
	if got := tx.EnteredMarkets(alice); len(got) != 1 {
		t.Fatalf("should still be a member, got %v", got)
	}

	// Zero both sides: exit removes membership.
	tx.SupplyPosition(alice, "USDC").OnPool.SetInt64(0)
	tx.ExitMarketIfEmpty(alice, "USDC")
	if got := tx.EnteredMarkets(alice); len(got) != 0 {
		t.Errorf("membership should be removed, got %v", got)
	}
	tx.Commit()
}

func TestGovernance_ParamBounds(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetReserveFactor("USDC", 10_001); err == nil {
		t.Error("expected reserve factor range error")
	}
	if err := s.SetP2PIndexCursor("USDC", 10_001); err == nil {
		t.Error("expected cursor range error")
	}
	if err := s.SetReserveFactor("WBTC", 0); err == nil {
		t.Error("expected unknown market error")
	}
	if err := s.SetReserveFactor("USDC", 2500); err != nil {
		t.Errorf("valid update rejected: %v", err)
	}
	s.View(func(tx *market.Tx) {
		if got := tx.Market("USDC").ReserveFactorBps; got != 2500 {
			t.Errorf("reserve factor: got %d, want 2500", got)
		}
	})
}

func TestDelta_UnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on delta underflow")
		}
	}()
	d := market.NewDelta()
	d.SubSupplyAmount(big.NewInt(1))
}
