package sets

import (
	"math/big"
	"sort"

	"github.com/google/uuid"
)

// OrderedSet is a bounded collection of (user, value) pairs ranked
// descending by value. One set exists per market, per side (supply or
// borrow), per venue (on pool or in P2P). The matching engine always
// takes the head — the largest position — so the number of users
// touched for a given amount is bounded.
//
// Entries are never updated in place: a balance change is a Remove
// followed by an Insert.
type OrderedSet struct {
	entries []entry
	values  map[uuid.UUID]*big.Int
}

type entry struct {
	user  uuid.UUID
	value *big.Int
}

func NewOrderedSet() *OrderedSet {
	return &OrderedSet{
		values: make(map[uuid.UUID]*big.Int),
	}
}

// Insert ranks user at the position its value warrants. A zero value is
// a no-op. If the set would exceed cap, the smallest-valued member is
// evicted; when the new entry itself is the smallest, it is the one
// left out. Size never exceeds cap.
func (s *OrderedSet) Insert(user uuid.UUID, value *big.Int, cap int) {
	if value.Sign() == 0 || cap <= 0 {
		return
	}
	if _, ok := s.values[user]; ok {
		s.Remove(user)
	}

	v := new(big.Int).Set(value)

	// First index with a strictly smaller value: ties keep arrival order.
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].value.Cmp(v) < 0
	})

	s.entries = append(s.entries, entry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = entry{user: user, value: v}
	s.values[user] = v

	if len(s.entries) > cap {
		evicted := s.entries[len(s.entries)-1]
		s.entries = s.entries[:len(s.entries)-1]
		delete(s.values, evicted.user)
	}
}

// Remove deletes user's entry if present; no-op otherwise.
func (s *OrderedSet) Remove(user uuid.UUID) {
	v, ok := s.values[user]
	if !ok {
		return
	}
	delete(s.values, user)

	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].value.Cmp(v) <= 0
	})
	for ; i < len(s.entries); i++ {
		if s.entries[i].user == user {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
	panic("sets: index out of sync with entries")
}

// Head returns the largest-valued member, or uuid.Nil if the set is
// empty.
func (s *OrderedSet) Head() uuid.UUID {
	if len(s.entries) == 0 {
		return uuid.Nil
	}
	return s.entries[0].user
}

// ValueOf returns the last-recorded value for user, or zero if absent.
// Callers use it to skip the remove+reinsert cycle when a balance did
// not actually change.
func (s *OrderedSet) ValueOf(user uuid.UUID) *big.Int {
	if v, ok := s.values[user]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Contains reports whether user has an entry.
func (s *OrderedSet) Contains(user uuid.UUID) bool {
	_, ok := s.values[user]
	return ok
}

func (s *OrderedSet) Len() int {
	return len(s.entries)
}

// Snapshot returns a deep copy used by the store's undo log.
func (s *OrderedSet) Snapshot() *OrderedSet {
	cp := &OrderedSet{
		entries: make([]entry, len(s.entries)),
		values:  make(map[uuid.UUID]*big.Int, len(s.values)),
	}
	for i, e := range s.entries {
		v := new(big.Int).Set(e.value)
		cp.entries[i] = entry{user: e.user, value: v}
		cp.values[e.user] = v
	}
	return cp
}

// Restore replaces this set's contents with those of snap.
func (s *OrderedSet) Restore(snap *OrderedSet) {
	s.entries = snap.entries
	s.values = snap.values
}
