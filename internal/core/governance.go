package core

import (
	"fmt"
	"math/big"

	"PeerLend/internal/event"
	"PeerLend/internal/market"
	"PeerLend/internal/rates"
)

// Governance surface: parameter changes accrue the market first so the
// old parameter applies up to the current block, then take effect and
// land in the operation log like any other state change.

// SetReserveFactor updates a market's reserve factor (bps).
func (o *Orchestrator) SetReserveFactor(symbol string, bps uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.accrueMarket(symbol)
	if err != nil {
		return err
	}
	if err := o.store.SetReserveFactor(symbol, bps); err != nil {
		return err
	}
	v := bps
	o.emit("set_market_params", "", event.EventTypeMarketParamsUpdated, m, nil, event.MarketParamsPayload{
		Market:           symbol,
		ReserveFactorBps: &v,
	})
	o.log.Info().Str("market", symbol).Uint32("reserve_factor_bps", bps).Msg("reserve factor updated")
	return nil
}

// SetP2PIndexCursor updates the position of the matched rate within the
// pool spread (bps).
func (o *Orchestrator) SetP2PIndexCursor(symbol string, bps uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.accrueMarket(symbol)
	if err != nil {
		return err
	}
	if err := o.store.SetP2PIndexCursor(symbol, bps); err != nil {
		return err
	}
	v := bps
	o.emit("set_market_params", "", event.EventTypeMarketParamsUpdated, m, nil, event.MarketParamsPayload{
		Market:    symbol,
		CursorBps: &v,
	})
	o.log.Info().Str("market", symbol).Uint32("cursor_bps", bps).Msg("p2p index cursor updated")
	return nil
}

// SetPauseStatus replaces a market's pause flags.
func (o *Orchestrator) SetPauseStatus(symbol string, pause market.PauseStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, err := o.accrueMarket(symbol)
	if err != nil {
		return err
	}
	if err := o.store.SetPauseStatus(symbol, pause); err != nil {
		return err
	}
	o.emit("set_market_params", "", event.EventTypeMarketParamsUpdated, m, nil, event.MarketParamsPayload{
		Market:          symbol,
		SupplyPaused:    &pause.SupplyPaused,
		BorrowPaused:    &pause.BorrowPaused,
		WithdrawPaused:  &pause.WithdrawPaused,
		RepayPaused:     &pause.RepayPaused,
		LiquidatePaused: &pause.LiquidatePaused,
		Deprecated:      &pause.Deprecated,
	})
	o.log.Info().Str("market", symbol).
		Bool("deprecated", pause.Deprecated).
		Msg("pause status updated")
	return nil
}

// SetMatchBudgets replaces the per-operation matching budgets. A zero
// budget disables walking for that operation; delta consumption still
// runs.
func (o *Orchestrator) SetMatchBudgets(b Budgets) error {
	if b.Supply < 0 || b.Borrow < 0 || b.Withdraw < 0 || b.Repay < 0 {
		return fmt.Errorf("negative match budget")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.budgets = b
	o.log.Info().
		Int("supply", b.Supply).Int("borrow", b.Borrow).
		Int("withdraw", b.Withdraw).Int("repay", b.Repay).
		Msg("match budgets updated")
	return nil
}

// SetMaxSortedUsers updates the ordered-set cap.
func (o *Orchestrator) SetMaxSortedUsers(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.SetMaxSortedUsers(n); err != nil {
		return err
	}
	o.log.Info().Int("max_sorted_users", n).Msg("ordered-set cap updated")
	return nil
}

// SetDustThreshold updates the dust snap threshold (wei).
func (o *Orchestrator) SetDustThreshold(v *big.Int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.SetDustThreshold(v); err != nil {
		return err
	}
	o.log.Info().Str("dust_threshold", v.String()).Msg("dust threshold updated")
	return nil
}

func (o *Orchestrator) accrueMarket(symbol string) (*market.Market, error) {
	tx := o.store.Begin()
	m := tx.Market(symbol)
	if m == nil {
		tx.Rollback()
		return nil, fmt.Errorf("%w: %s", ErrMarketNotCreated, symbol)
	}
	if err := rates.Accrue(tx, m, o.pool); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("accrue %s: %w", symbol, err)
	}
	tx.Commit()
	return m, nil
}
