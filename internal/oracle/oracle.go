package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	wad "PeerLend/internal/math"
)

// ErrPriceUnavailable is returned when an oracle has no usable price.
// Liquidity and liquidation checks must not proceed on it.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// Oracle quotes the underlying price of each market's asset, WAD-scaled
// in a common reference unit.
type Oracle interface {
	Price(symbol string) (*big.Int, error)
}

// MemoryOracle is an in-memory price table fed by governance or the
// NATS price ingestion worker. A zero or missing price is reported as
// unavailable, never as zero.
type MemoryOracle struct {
	mu     sync.RWMutex
	prices map[string]*big.Int
}

func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{prices: make(map[string]*big.Int)}
}

// SetPrice records a price; non-positive prices clear the entry.
func (o *MemoryOracle) SetPrice(symbol string, price *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if price == nil || price.Sign() <= 0 {
		delete(o.prices, symbol)
		return
	}
	o.prices[symbol] = wad.Clone(price)
}

func (o *MemoryOracle) Price(symbol string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[symbol]
	if !ok || p.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return wad.Clone(p), nil
}
