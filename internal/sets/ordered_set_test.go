package sets_test

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"PeerLend/internal/sets"
)

func u(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func TestInsert_RanksDescending(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 10)
	s.Insert(u(2), big.NewInt(300), 10)
	s.Insert(u(3), big.NewInt(200), 10)

	if got := s.Head(); got != u(2) {
		t.Errorf("head: got %s, want %s", got, u(2))
	}
	if s.Len() != 3 {
		t.Errorf("len: got %d, want 3", s.Len())
	}
}

func TestInsert_CapEvictsSmallest(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 2)
	s.Insert(u(2), big.NewInt(300), 2)
	s.Insert(u(3), big.NewInt(200), 2)

	if s.Len() != 2 {
		t.Fatalf("len: got %d, want 2", s.Len())
	}
	if s.Contains(u(1)) {
		t.Error("smallest member should have been evicted")
	}
	if got := s.Head(); got != u(2) {
		t.Errorf("head: got %s, want %s", got, u(2))
	}
}

func TestInsert_NewSmallestLeftOutWhenFull(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(300), 2)
	s.Insert(u(2), big.NewInt(200), 2)
	s.Insert(u(3), big.NewInt(100), 2)

	if s.Len() != 2 {
		t.Fatalf("len: got %d, want 2", s.Len())
	}
	if s.Contains(u(3)) {
		t.Error("entry smaller than all members should not displace them")
	}
}

func TestInsert_ZeroValueIgnored(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), new(big.Int), 10)
	if s.Len() != 0 {
		t.Errorf("len: got %d, want 0", s.Len())
	}
}

func TestInsert_ReplacesExistingEntry(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 10)
	s.Insert(u(2), big.NewInt(200), 10)
	s.Insert(u(1), big.NewInt(300), 10)

	if s.Len() != 2 {
		t.Fatalf("len: got %d, want 2", s.Len())
	}
	if got := s.Head(); got != u(1) {
		t.Errorf("head: got %s, want %s", got, u(1))
	}
	if got := s.ValueOf(u(1)); got.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("value: got %s, want 300", got)
	}
}

func TestRemove_AbsentIsNoop(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 10)
	s.Remove(u(2))
	if s.Len() != 1 {
		t.Errorf("len: got %d, want 1", s.Len())
	}
}

func TestRemove_WithTies(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 10)
	s.Insert(u(2), big.NewInt(100), 10)
	s.Insert(u(3), big.NewInt(100), 10)

	s.Remove(u(2))
	if s.Contains(u(2)) {
		t.Error("removed entry still present")
	}
	if !s.Contains(u(1)) || !s.Contains(u(3)) {
		t.Error("tie neighbors must survive removal")
	}
}

func TestHead_EmptyReturnsNil(t *testing.T) {
	s := sets.NewOrderedSet()
	if got := s.Head(); got != uuid.Nil {
		t.Errorf("got %s, want uuid.Nil", got)
	}
}

func TestValueOf_AbsentIsZero(t *testing.T) {
	s := sets.NewOrderedSet()
	if got := s.ValueOf(u(9)); got.Sign() != 0 {
		t.Errorf("got %s, want 0", got)
	}
}

func TestCapInvariant_ManyInserts(t *testing.T) {
	s := sets.NewOrderedSet()
	const cap = 8
	for i := 1; i <= 100; i++ {
		s.Insert(u(i), big.NewInt(int64(i)), cap)
		if s.Len() > cap {
			t.Fatalf("cap exceeded after insert %d: len=%d", i, s.Len())
		}
	}
	// Survivors are the largest values.
	for i := 93; i <= 100; i++ {
		if !s.Contains(u(i)) {
			t.Errorf("expected user %d to survive", i)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := sets.NewOrderedSet()
	s.Insert(u(1), big.NewInt(100), 10)
	s.Insert(u(2), big.NewInt(200), 10)

	snap := s.Snapshot()

	s.Remove(u(2))
	s.Insert(u(3), big.NewInt(50), 10)

	s.Restore(snap)
	if s.Len() != 2 || !s.Contains(u(2)) || s.Contains(u(3)) {
		t.Error("restore did not return set to snapshot state")
	}
	if got := s.Head(); got != u(2) {
		t.Errorf("head after restore: got %s, want %s", got, u(2))
	}
}
