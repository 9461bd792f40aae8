package market

import "fmt"

// The governance surface mutates market parameters only; indexes and
// deltas stay out of its reach.

// SetReserveFactor updates a market's reserve factor (bps).
func (s *Store) SetReserveFactor(symbol string, bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("reserve factor %d out of range [0, 10000]", bps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not created", symbol)
	}
	m.ReserveFactorBps = bps
	m.Version++
	return nil
}

// SetP2PIndexCursor updates the position of the P2P rate within the
// pool spread (bps).
func (s *Store) SetP2PIndexCursor(symbol string, bps uint32) error {
	if bps > 10_000 {
		return fmt.Errorf("p2p index cursor %d out of range [0, 10000]", bps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not created", symbol)
	}
	m.P2PIndexCursorBps = bps
	m.Version++
	return nil
}

// SetPauseStatus replaces a market's pause flags.
func (s *Store) SetPauseStatus(symbol string, pause PauseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s not created", symbol)
	}
	m.Pause = pause
	m.Version++
	return nil
}
