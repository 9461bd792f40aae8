package core

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"PeerLend/internal/market"
	wad "PeerLend/internal/math"
	"PeerLend/internal/rates"
)

// LiquidityData aggregates a user's position across every entered
// market, valued at oracle prices. All three fields are WAD underlying
// value in the oracle's quote unit.
type LiquidityData struct {
	// Collateral is the total supply-side value.
	Collateral *big.Int
	// MaxDebt is the collateral discounted by each market's collateral
	// factor: the borrow capacity.
	MaxDebt *big.Int
	// Debt is the total borrow-side value.
	Debt *big.Int
}

// liquidityData walks the user's entered markets, accrues each one, and
// sums collateral and debt values. A hypothetical borrow or withdraw in
// hypoMarket is applied on top so callers can ask "would this operation
// leave the user collateralized".
//
// A zero oracle price fails the whole computation: proceeding on a dead
// price would let positions look either risk-free or seizable at will.
func (o *Orchestrator) liquidityData(tx *market.Tx, user uuid.UUID, hypoMarket string, hypoBorrow, hypoWithdraw *big.Int) (*LiquidityData, error) {
	data := &LiquidityData{
		Collateral: new(big.Int),
		MaxDebt:    new(big.Int),
		Debt:       new(big.Int),
	}

	for _, symbol := range tx.EnteredMarkets(user) {
		m := tx.Market(symbol)
		if err := rates.Accrue(tx, m, o.pool); err != nil {
			return nil, fmt.Errorf("accrue %s: %w", symbol, err)
		}

		price, err := o.oracle.Price(symbol)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", symbol, err)
		}
		cf, err := o.pool.CollateralFactor(symbol)
		if err != nil {
			return nil, fmt.Errorf("collateral factor %s: %w", symbol, err)
		}

		supplyValue := wad.WadMul(supplyBalance(tx, m, user), price)
		debtValue := wad.WadMul(borrowBalance(tx, m, user), price)

		if symbol == hypoMarket {
			if hypoBorrow != nil {
				debtValue.Add(debtValue, wad.WadMul(hypoBorrow, price))
			}
			if hypoWithdraw != nil {
				supplyValue.Sub(supplyValue, wad.Min(wad.WadMul(hypoWithdraw, price), supplyValue))
			}
		}

		data.Collateral.Add(data.Collateral, supplyValue)
		data.MaxDebt.Add(data.MaxDebt, wad.WadMul(supplyValue, cf))
		data.Debt.Add(data.Debt, debtValue)
	}

	return data, nil
}

// supplyBalance is the user's total supply-side underlying in one
// market: on-pool units at the pool index plus in-P2P units at the P2P
// index. Callers must have accrued the market first.
func supplyBalance(tx *market.Tx, m *market.Market, user uuid.UUID) *big.Int {
	pos := tx.SupplyPosition(user, m.Symbol)
	out := wad.WadMul(pos.OnPool, m.LastPoolSupplyIndex)
	return out.Add(out, wad.WadMul(pos.InP2P, m.P2PSupplyIndex))
}

// borrowBalance is the borrow-side counterpart of supplyBalance.
func borrowBalance(tx *market.Tx, m *market.Market, user uuid.UUID) *big.Int {
	pos := tx.BorrowPosition(user, m.Symbol)
	out := wad.WadMul(pos.OnPool, m.LastPoolBorrowIndex)
	return out.Add(out, wad.WadMul(pos.InP2P, m.P2PBorrowIndex))
}
