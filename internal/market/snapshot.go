package market

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	wad "PeerLend/internal/math"
	"PeerLend/internal/sets"
)

// Serializable snapshot of the whole store. Big integers travel as
// decimal strings: WAD values overflow int64 and JSON numbers lose
// precision past 2^53.

type MarketDump struct {
	Symbol string `json:"symbol"`

	P2PSupplyIndex      string `json:"p2pSupplyIndex"`
	P2PBorrowIndex      string `json:"p2pBorrowIndex"`
	LastPoolSupplyIndex string `json:"lastPoolSupplyIndex"`
	LastPoolBorrowIndex string `json:"lastPoolBorrowIndex"`
	LastUpdateBlock     uint64 `json:"lastUpdateBlock"`

	ReserveFactorBps  uint32 `json:"reserveFactorBps"`
	P2PIndexCursorBps uint32 `json:"p2pIndexCursorBps"`

	P2PSupplyDelta  string `json:"p2pSupplyDelta"`
	P2PBorrowDelta  string `json:"p2pBorrowDelta"`
	P2PSupplyAmount string `json:"p2pSupplyAmount"`
	P2PBorrowAmount string `json:"p2pBorrowAmount"`

	Pause   PauseStatus `json:"pause"`
	Version int64       `json:"version"`
}

type PositionDump struct {
	User   uuid.UUID `json:"user"`
	Market string    `json:"market"`
	Side   string    `json:"side"` // "supply" or "borrow"
	OnPool string    `json:"onPool"`
	InP2P  string    `json:"inP2P"`
}

type Dump struct {
	Markets   []MarketDump           `json:"markets"`
	Positions []PositionDump         `json:"positions"`
	Entered   map[uuid.UUID][]string `json:"entered"`
}

// Dump serializes the full store state in deterministic order.
func (s *Store) Dump() *Dump {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Dump{Entered: make(map[uuid.UUID][]string, len(s.entered))}

	symbols := make([]string, 0, len(s.markets))
	for sym := range s.markets {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		m := s.markets[sym]
		d.Markets = append(d.Markets, MarketDump{
			Symbol:              m.Symbol,
			P2PSupplyIndex:      m.P2PSupplyIndex.String(),
			P2PBorrowIndex:      m.P2PBorrowIndex.String(),
			LastPoolSupplyIndex: m.LastPoolSupplyIndex.String(),
			LastPoolBorrowIndex: m.LastPoolBorrowIndex.String(),
			LastUpdateBlock:     m.LastUpdateBlock,
			ReserveFactorBps:    m.ReserveFactorBps,
			P2PIndexCursorBps:   m.P2PIndexCursorBps,
			P2PSupplyDelta:      m.Delta.P2PSupplyDelta.String(),
			P2PBorrowDelta:      m.Delta.P2PBorrowDelta.String(),
			P2PSupplyAmount:     m.Delta.P2PSupplyAmount.String(),
			P2PBorrowAmount:     m.Delta.P2PBorrowAmount.String(),
			Pause:               m.Pause,
			Version:             m.Version,
		})
	}

	d.Positions = append(d.Positions, dumpPositions(s.supply, "supply")...)
	d.Positions = append(d.Positions, dumpPositions(s.borrow, "borrow")...)
	sort.Slice(d.Positions, func(i, j int) bool {
		a, b := d.Positions[i], d.Positions[j]
		if a.Market != b.Market {
			return a.Market < b.Market
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.User.String() < b.User.String()
	})

	for user, markets := range s.entered {
		cp := make([]string, len(markets))
		copy(cp, markets)
		d.Entered[user] = cp
	}

	return d
}

func dumpPositions(positions map[PositionKey]*Position, side string) []PositionDump {
	out := make([]PositionDump, 0, len(positions))
	for key, pos := range positions {
		if pos.IsZero() {
			continue
		}
		out = append(out, PositionDump{
			User:   key.User,
			Market: key.Market,
			Side:   side,
			OnPool: pos.OnPool.String(),
			InP2P:  pos.InP2P.String(),
		})
	}
	return out
}

// Restore replaces the store's state with the dump, rebuilding the
// ordered position sets from the restored positions. Only callable
// before the store serves traffic.
func (s *Store) Restore(d *Dump) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	markets := make(map[string]*Market, len(d.Markets))
	marketSets := make(map[string]*MarketSets, len(d.Markets))
	for _, md := range d.Markets {
		m := &Market{
			Symbol:            md.Symbol,
			LastUpdateBlock:   md.LastUpdateBlock,
			ReserveFactorBps:  md.ReserveFactorBps,
			P2PIndexCursorBps: md.P2PIndexCursorBps,
			Pause:             md.Pause,
			Version:           md.Version,
			Delta:             NewDelta(),
		}
		var err error
		if m.P2PSupplyIndex, err = parseWad(md.Symbol, "p2pSupplyIndex", md.P2PSupplyIndex); err != nil {
			return err
		}
		if m.P2PBorrowIndex, err = parseWad(md.Symbol, "p2pBorrowIndex", md.P2PBorrowIndex); err != nil {
			return err
		}
		if m.LastPoolSupplyIndex, err = parseWad(md.Symbol, "lastPoolSupplyIndex", md.LastPoolSupplyIndex); err != nil {
			return err
		}
		if m.LastPoolBorrowIndex, err = parseWad(md.Symbol, "lastPoolBorrowIndex", md.LastPoolBorrowIndex); err != nil {
			return err
		}
		if m.Delta.P2PSupplyDelta, err = parseWad(md.Symbol, "p2pSupplyDelta", md.P2PSupplyDelta); err != nil {
			return err
		}
		if m.Delta.P2PBorrowDelta, err = parseWad(md.Symbol, "p2pBorrowDelta", md.P2PBorrowDelta); err != nil {
			return err
		}
		if m.Delta.P2PSupplyAmount, err = parseWad(md.Symbol, "p2pSupplyAmount", md.P2PSupplyAmount); err != nil {
			return err
		}
		if m.Delta.P2PBorrowAmount, err = parseWad(md.Symbol, "p2pBorrowAmount", md.P2PBorrowAmount); err != nil {
			return err
		}
		markets[md.Symbol] = m
		marketSets[md.Symbol] = newMarketSets()
	}

	supply := make(map[PositionKey]*Position)
	borrow := make(map[PositionKey]*Position)
	for _, pd := range d.Positions {
		ms, ok := marketSets[pd.Market]
		if !ok {
			return fmt.Errorf("restore: position references unknown market %s", pd.Market)
		}

		onPool, err := parseWad(pd.Market, "onPool", pd.OnPool)
		if err != nil {
			return err
		}
		inP2P, err := parseWad(pd.Market, "inP2P", pd.InP2P)
		if err != nil {
			return err
		}
		pos := &Position{OnPool: onPool, InP2P: inP2P}
		key := PositionKey{User: pd.User, Market: pd.Market}

		switch pd.Side {
		case "supply":
			supply[key] = pos
			restoreEntry(ms.PoolSuppliers, pd.User, onPool, s.params.MaxSortedUsers)
			restoreEntry(ms.P2PSuppliers, pd.User, inP2P, s.params.MaxSortedUsers)
		case "borrow":
			borrow[key] = pos
			restoreEntry(ms.PoolBorrowers, pd.User, onPool, s.params.MaxSortedUsers)
			restoreEntry(ms.P2PBorrowers, pd.User, inP2P, s.params.MaxSortedUsers)
		default:
			return fmt.Errorf("restore: unknown position side %q", pd.Side)
		}
	}

	entered := make(map[uuid.UUID][]string, len(d.Entered))
	for user, list := range d.Entered {
		cp := make([]string, len(list))
		copy(cp, list)
		entered[user] = cp
	}

	s.markets = markets
	s.marketSets = marketSets
	s.supply = supply
	s.borrow = borrow
	s.entered = entered
	return nil
}

func restoreEntry(set *sets.OrderedSet, user uuid.UUID, value *big.Int, cap int) {
	if value.Sign() > 0 {
		set.Insert(user, wad.Clone(value), cap)
	}
}

func parseWad(symbol, field, v string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, fmt.Errorf("restore %s: bad %s %q", symbol, field, v)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("restore %s: negative %s", symbol, field)
	}
	return n, nil
}
