package market

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"

	wad "PeerLend/internal/math"
	"PeerLend/internal/sets"
)

// MarketSets bundles the four ordered position sets of one market:
// suppliers and borrowers, each split by venue.
type MarketSets struct {
	PoolSuppliers *sets.OrderedSet
	P2PSuppliers  *sets.OrderedSet
	PoolBorrowers *sets.OrderedSet
	P2PBorrowers  *sets.OrderedSet
}

func newMarketSets() *MarketSets {
	return &MarketSets{
		PoolSuppliers: sets.NewOrderedSet(),
		P2PSuppliers:  sets.NewOrderedSet(),
		PoolBorrowers: sets.NewOrderedSet(),
		P2PBorrowers:  sets.NewOrderedSet(),
	}
}

// Store owns all overlay ledger state: markets, deltas, positions,
// ordered sets, and entered-market lists. It is handed explicitly to
// the accrual, matching, and orchestration layers; there are no ambient
// globals.
//
// Execution is serialized: one mutex orders all operations totally, so
// every operation observes the fully committed state of its
// predecessors and cross-market operations need no lock ordering.
type Store struct {
	mu sync.Mutex

	markets    map[string]*Market
	marketSets map[string]*MarketSets
	supply     map[PositionKey]*Position
	borrow     map[PositionKey]*Position
	entered    map[uuid.UUID][]string

	params Params
}

func NewStore(params Params) *Store {
	if params.MaxSortedUsers <= 0 {
		params.MaxSortedUsers = 16
	}
	if params.DustThreshold == nil {
		params.DustThreshold = new(big.Int)
	}
	return &Store{
		markets:    make(map[string]*Market),
		marketSets: make(map[string]*MarketSets),
		supply:     make(map[PositionKey]*Position),
		borrow:     make(map[PositionKey]*Position),
		entered:    make(map[uuid.UUID][]string),
		params:     params,
	}
}

// CreateMarket registers a new market with its indexes initialized to
// one WAD against the given pool checkpoints.
func (s *Store) CreateMarket(symbol string, poolSupplyIndex, poolBorrowIndex *big.Int, block uint64, reserveFactorBps, cursorBps uint32) (*Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[symbol]; ok {
		return nil, fmt.Errorf("market %s already created", symbol)
	}
	if reserveFactorBps > 10_000 || cursorBps > 10_000 {
		return nil, fmt.Errorf("market %s: bps parameter out of range", symbol)
	}

	m := &Market{
		Symbol:              symbol,
		P2PSupplyIndex:      wad.Clone(wad.Wad),
		P2PBorrowIndex:      wad.Clone(wad.Wad),
		LastPoolSupplyIndex: wad.Clone(poolSupplyIndex),
		LastPoolBorrowIndex: wad.Clone(poolBorrowIndex),
		LastUpdateBlock:     block,
		ReserveFactorBps:    reserveFactorBps,
		P2PIndexCursorBps:   cursorBps,
		Delta:               NewDelta(),
	}
	s.markets[symbol] = m
	s.marketSets[symbol] = newMarketSets()
	return m, nil
}

// IsCreated reports whether symbol is a listed market.
func (s *Store) IsCreated(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markets[symbol]
	return ok
}

// MarketSymbols returns all listed market symbols, sorted.
func (s *Store) MarketSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.markets))
	for sym := range s.markets {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Params returns the current store tunables.
func (s *Store) Params() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Params{
		MaxSortedUsers: s.params.MaxSortedUsers,
		DustThreshold:  wad.Clone(s.params.DustThreshold),
	}
}

// SetMaxSortedUsers updates the ordered-set cap. Existing oversized
// sets shrink lazily as members are reinserted.
func (s *Store) SetMaxSortedUsers(n int) error {
	if n <= 0 {
		return fmt.Errorf("max sorted users must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.MaxSortedUsers = n
	return nil
}

// SetDustThreshold updates the dust threshold.
func (s *Store) SetDustThreshold(v *big.Int) error {
	if v.Sign() < 0 {
		return fmt.Errorf("dust threshold must be non-negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.DustThreshold = wad.Clone(v)
	return nil
}

// Begin opens a transaction. The store mutex is held until Commit or
// Rollback; mutations are recorded in an undo log so a failed
// multi-phase operation leaves no partial state behind.
func (s *Store) Begin() *Tx {
	s.mu.Lock()
	return &Tx{
		store:        s,
		marketSnaps:  make(map[string]*Market),
		setSnaps:     make(map[string]*MarketSets),
		supplySnaps:  make(map[PositionKey]*Position),
		borrowSnaps:  make(map[PositionKey]*Position),
		enteredSnaps: make(map[uuid.UUID][]string),
	}
}

// View runs fn with the store locked, for read-only access. fn must not
// mutate anything it is handed.
func (s *Store) View(fn func(v *Tx)) {
	tx := s.Begin()
	defer tx.Rollback()
	fn(tx)
}

// Tx is a serialized unit of work over the store. Record snapshots are
// taken lazily on first access; Rollback restores them, Commit drops
// them. Only one Tx exists at a time.
type Tx struct {
	store *Store
	done  bool

	marketSnaps  map[string]*Market
	setSnaps     map[string]*MarketSets
	supplySnaps  map[PositionKey]*Position
	borrowSnaps  map[PositionKey]*Position
	enteredSnaps map[uuid.UUID][]string

	// Position keys created inside this transaction; deleted on
	// rollback rather than restored.
	createdSupply []PositionKey
	createdBorrow []PositionKey
}

// Market returns the live market record, snapshotting it on first
// access. Returns nil when the market is not created.
func (tx *Tx) Market(symbol string) *Market {
	m, ok := tx.store.markets[symbol]
	if !ok {
		return nil
	}
	if _, snapped := tx.marketSnaps[symbol]; !snapped {
		tx.marketSnaps[symbol] = m.clone()
	}
	return m
}

// Sets returns the live ordered sets of a market, snapshotting them on
// first access.
func (tx *Tx) Sets(symbol string) *MarketSets {
	ms, ok := tx.store.marketSets[symbol]
	if !ok {
		return nil
	}
	if _, snapped := tx.setSnaps[symbol]; !snapped {
		tx.setSnaps[symbol] = &MarketSets{
			PoolSuppliers: ms.PoolSuppliers.Snapshot(),
			P2PSuppliers:  ms.P2PSuppliers.Snapshot(),
			PoolBorrowers: ms.PoolBorrowers.Snapshot(),
			P2PBorrowers:  ms.P2PBorrowers.Snapshot(),
		}
	}
	return ms
}

// SupplyPosition returns the user's supply-side position, creating a
// zero position lazily.
func (tx *Tx) SupplyPosition(user uuid.UUID, symbol string) *Position {
	return tx.position(tx.store.supply, tx.supplySnaps, &tx.createdSupply, user, symbol)
}

// BorrowPosition returns the user's borrow-side position, creating a
// zero position lazily.
func (tx *Tx) BorrowPosition(user uuid.UUID, symbol string) *Position {
	return tx.position(tx.store.borrow, tx.borrowSnaps, &tx.createdBorrow, user, symbol)
}

func (tx *Tx) position(live map[PositionKey]*Position, snaps map[PositionKey]*Position, created *[]PositionKey, user uuid.UUID, symbol string) *Position {
	key := PositionKey{User: user, Market: symbol}
	p, ok := live[key]
	if !ok {
		p = NewPosition()
		live[key] = p
		*created = append(*created, key)
		return p
	}
	if _, snapped := snaps[key]; !snapped {
		if contains(*created, key) {
			return p
		}
		snaps[key] = p.clone()
	}
	return p
}

func contains(keys []PositionKey, key PositionKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// EnteredMarkets returns a copy of the user's entered-market list.
func (tx *Tx) EnteredMarkets(user uuid.UUID) []string {
	cur := tx.store.entered[user]
	out := make([]string, len(cur))
	copy(out, cur)
	return out
}

// EnterMarket appends symbol to the user's entered list if absent.
func (tx *Tx) EnterMarket(user uuid.UUID, symbol string) {
	cur := tx.store.entered[user]
	for _, s := range cur {
		if s == symbol {
			return
		}
	}
	tx.snapshotEntered(user)
	tx.store.entered[user] = append(cur, symbol)
}

// ExitMarketIfEmpty removes symbol from the user's entered list by
// swap-and-pop once both balances on both sides are zero.
func (tx *Tx) ExitMarketIfEmpty(user uuid.UUID, symbol string) {
	key := PositionKey{User: user, Market: symbol}
	if p, ok := tx.store.supply[key]; ok && !p.IsZero() {
		return
	}
	if p, ok := tx.store.borrow[key]; ok && !p.IsZero() {
		return
	}
	cur := tx.store.entered[user]
	for i, s := range cur {
		if s == symbol {
			tx.snapshotEntered(user)
			cur = tx.store.entered[user]
			cur[i] = cur[len(cur)-1]
			tx.store.entered[user] = cur[:len(cur)-1]
			return
		}
	}
}

func (tx *Tx) snapshotEntered(user uuid.UUID) {
	if _, snapped := tx.enteredSnaps[user]; snapped {
		return
	}
	cur := tx.store.entered[user]
	cp := make([]string, len(cur))
	copy(cp, cur)
	tx.enteredSnaps[user] = cp
}

// Params returns the store tunables without re-locking.
func (tx *Tx) Params() Params {
	return tx.store.params
}

// Commit releases the transaction, keeping all mutations.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	tx.done = true
	for sym := range tx.marketSnaps {
		tx.store.markets[sym].Version++
	}
	tx.store.mu.Unlock()
}

// Rollback restores every snapshotted record and deletes records
// created inside the transaction.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true

	for sym, snap := range tx.marketSnaps {
		tx.store.markets[sym] = snap
	}
	for sym, snap := range tx.setSnaps {
		live := tx.store.marketSets[sym]
		live.PoolSuppliers.Restore(snap.PoolSuppliers)
		live.P2PSuppliers.Restore(snap.P2PSuppliers)
		live.PoolBorrowers.Restore(snap.PoolBorrowers)
		live.P2PBorrowers.Restore(snap.P2PBorrowers)
	}
	for key, snap := range tx.supplySnaps {
		tx.store.supply[key] = snap
	}
	for key, snap := range tx.borrowSnaps {
		tx.store.borrow[key] = snap
	}
	for _, key := range tx.createdSupply {
		delete(tx.store.supply, key)
	}
	for _, key := range tx.createdBorrow {
		delete(tx.store.borrow, key)
	}
	for user, snap := range tx.enteredSnaps {
		if len(snap) == 0 {
			delete(tx.store.entered, user)
		} else {
			tx.store.entered[user] = snap
		}
	}
	tx.store.mu.Unlock()
}
