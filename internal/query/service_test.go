package query_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PeerLend/internal/core"
	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/oracle"
	"PeerLend/internal/pool"
	"PeerLend/internal/query"
)

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob   = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
)

// newQuerySystem wires a store, simulated pool, oracle, orchestrator,
// and query service against two markets. All activity stays within one
// block, so indexes are exactly one WAD and previewed balances equal
// scaled units.
func newQuerySystem(t *testing.T) (*core.Orchestrator, *query.Service, *oracle.MemoryOracle) {
	t.Helper()

	p := pool.NewSimulatedPool()
	if err := p.ListMarket("USDC", wad.FromUnits(100_000), wad.BpsMul(wad.Wad, 8000), pool.DefaultJumpRate()); err != nil {
		t.Fatalf("list USDC: %v", err)
	}
	if err := p.ListMarket("WETH", wad.FromUnits(100), wad.BpsMul(wad.Wad, 8000), pool.DefaultJumpRate()); err != nil {
		t.Fatalf("list WETH: %v", err)
	}

	orc := oracle.NewMemoryOracle()
	orc.SetPrice("USDC", wad.Clone(wad.Wad))
	orc.SetPrice("WETH", wad.FromUnits(2000))

	store := market.NewStore(market.Params{
		MaxSortedUsers: 8,
		DustThreshold:  big.NewInt(1000),
	})

	o := core.NewOrchestrator(core.Config{
		Store:  store,
		Pool:   p,
		Oracle: orc,
		Logger: zerolog.Nop(),
	})
	if err := o.CreateMarket("USDC", 1000, 5000); err != nil {
		t.Fatalf("create USDC: %v", err)
	}
	if err := o.CreateMarket("WETH", 1000, 5000); err != nil {
		t.Fatalf("create WETH: %v", err)
	}

	qs := query.NewService(query.Config{
		Store:    store,
		Pool:     p,
		Oracle:   orc,
		Sequence: o.Sequence,
		Logger:   zerolog.Nop(),
	})
	return o, qs, orc
}

func TestGetBalanceReflectsPositions(t *testing.T) {
	o, qs, _ := newQuerySystem(t)

	if _, err := o.Supply("", alice, "USDC", wad.FromUnits(1000)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := o.Supply("", bob, "WETH", wad.FromUnits(1)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := o.Borrow("", bob, "USDC", wad.FromUnits(600)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	got, err := qs.GetBalance(context.Background(), alice, "USDC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.SupplyOnPool != wad.FromUnits(400).String() {
		t.Errorf("SupplyOnPool = %s, want %s", got.SupplyOnPool, wad.FromUnits(400))
	}
	if got.SupplyInP2P != wad.FromUnits(600).String() {
		t.Errorf("SupplyInP2P = %s, want %s", got.SupplyInP2P, wad.FromUnits(600))
	}
	if got.SupplyTotal != wad.FromUnits(1000).String() {
		t.Errorf("SupplyTotal = %s, want %s", got.SupplyTotal, wad.FromUnits(1000))
	}
	if got.BorrowTotal != "0" {
		t.Errorf("BorrowTotal = %s, want 0", got.BorrowTotal)
	}

	got, err = qs.GetBalance(context.Background(), bob, "USDC")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got.BorrowInP2P != wad.FromUnits(600).String() {
		t.Errorf("BorrowInP2P = %s, want %s", got.BorrowInP2P, wad.FromUnits(600))
	}
	if got.BorrowOnPool != "0" {
		t.Errorf("BorrowOnPool = %s, want 0", got.BorrowOnPool)
	}
}

func TestGetBalanceUnknownMarket(t *testing.T) {
	_, qs, _ := newQuerySystem(t)

	_, err := qs.GetBalance(context.Background(), alice, "DOGE")
	if !errors.Is(err, query.ErrMarketNotFound) {
		t.Fatalf("err = %v, want ErrMarketNotFound", err)
	}
}

func TestGetMarketExposesDeltasAndParams(t *testing.T) {
	o, qs, _ := newQuerySystem(t)

	got, err := qs.GetMarket(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.P2PSupplyIndex != wad.Wad.String() {
		t.Errorf("P2PSupplyIndex = %s, want %s", got.P2PSupplyIndex, wad.Wad)
	}
	if got.ReserveFactorBps != 1000 || got.P2PIndexCursorBps != 5000 {
		t.Errorf("params = %d/%d, want 1000/5000", got.ReserveFactorBps, got.P2PIndexCursorBps)
	}
	if got.P2PSupplyDelta != "0" || got.P2PBorrowDelta != "0" {
		t.Errorf("deltas = %s/%s, want 0/0", got.P2PSupplyDelta, got.P2PBorrowDelta)
	}
	if got.Deprecated {
		t.Error("Deprecated = true for a fresh market")
	}

	// Governance changes surface on the next read.
	if err := o.SetPauseStatus("USDC", market.PauseStatus{BorrowPaused: true}); err != nil {
		t.Fatalf("SetPauseStatus: %v", err)
	}
	got, err = qs.GetMarket(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if !got.BorrowPaused {
		t.Error("BorrowPaused = false after pause")
	}
}

func TestListMarketsSorted(t *testing.T) {
	_, qs, _ := newQuerySystem(t)

	got, err := qs.ListMarkets(context.Background())
	if err != nil {
		t.Fatalf("ListMarkets: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Symbol != "USDC" || got[1].Symbol != "WETH" {
		t.Errorf("symbols = %s, %s; want USDC, WETH", got[0].Symbol, got[1].Symbol)
	}
}

func TestGetAccountHealth(t *testing.T) {
	o, qs, _ := newQuerySystem(t)

	if _, err := o.Supply("", bob, "WETH", wad.FromUnits(1)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := o.Borrow("", bob, "USDC", wad.FromUnits(1000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	got, err := qs.GetAccount(context.Background(), bob)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	// 1 WETH at 2000 plus 1000 borrowed USDC held nowhere: collateral
	// counts only supply positions.
	if got.Collateral != wad.FromUnits(2000).String() {
		t.Errorf("Collateral = %s, want %s", got.Collateral, wad.FromUnits(2000))
	}
	if got.MaxDebt != wad.FromUnits(1600).String() {
		t.Errorf("MaxDebt = %s, want %s", got.MaxDebt, wad.FromUnits(1600))
	}
	if got.Debt != wad.FromUnits(1000).String() {
		t.Errorf("Debt = %s, want %s", got.Debt, wad.FromUnits(1000))
	}
	if !got.Healthy {
		t.Error("Healthy = false for a collateralized account")
	}
	if len(got.Positions) != 2 {
		t.Fatalf("len(Positions) = %d, want 2", len(got.Positions))
	}
}

func TestGetAccountUnhealthyAfterPriceDrop(t *testing.T) {
	o, qs, orc := newQuerySystem(t)

	if _, err := o.Supply("", bob, "WETH", wad.FromUnits(1)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if _, err := o.Borrow("", bob, "USDC", wad.FromUnits(1500)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	got, err := qs.GetAccount(context.Background(), bob)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !got.Healthy {
		t.Fatal("Healthy = false before price drop")
	}

	// A price collapse flips the health bit without any operation.
	orc.SetPrice("WETH", wad.FromUnits(1700))
	got, err = qs.GetAccount(context.Background(), bob)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Healthy {
		t.Error("Healthy = true after price drop")
	}
	if got.MaxDebt != wad.FromUnits(1360).String() {
		t.Errorf("MaxDebt = %s, want %s", got.MaxDebt, wad.FromUnits(1360))
	}
}

func TestHistoryWithoutDatabase(t *testing.T) {
	_, qs, _ := newQuerySystem(t)

	_, err := qs.History(context.Background(), nil, nil, 10, nil)
	if !errors.Is(err, query.ErrHistoryUnavailable) {
		t.Fatalf("err = %v, want ErrHistoryUnavailable", err)
	}
}

func TestAsOfSequenceTracksCommits(t *testing.T) {
	o, qs, _ := newQuerySystem(t)

	got, err := qs.GetMarket(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	// Two CreateMarket records committed, so the watermark sits at 1.
	if got.AsOfSequence != 1 {
		t.Errorf("AsOfSequence = %d, want 1", got.AsOfSequence)
	}

	if _, err := o.Supply("", alice, "USDC", wad.FromUnits(100)); err != nil {
		t.Fatalf("supply: %v", err)
	}
	got, err = qs.GetMarket(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if got.AsOfSequence != 2 {
		t.Errorf("AsOfSequence = %d, want 2", got.AsOfSequence)
	}
}
