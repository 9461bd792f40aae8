package pool

import (
	"errors"
	"math/big"
)

// Failures of the underlying pool are fatal to the overlay operation
// that triggered them: the orchestrator aborts and rolls back. Each
// write path signals distinctly so integrators can tell a rejected
// deposit from a rejected redemption.
var (
	ErrMintFailed   = errors.New("pool: mint failed")
	ErrRedeemFailed = errors.New("pool: redeem failed")
	ErrBorrowFailed = errors.New("pool: borrow failed")
	ErrRepayFailed  = errors.New("pool: repay failed")
	ErrNotListed    = errors.New("pool: market not listed")
)

// Pool is the underlying Compound-style money market the overlay sits
// on. Indexes and rates are consulted read-only; the write operations
// move the overlay's own pool position and are the fallback for any
// liquidity the matching engine could not place peer-to-peer.
//
// All amounts are WAD-scaled underlying units. SupplyIndex is the
// pool's exchange rate (underlying per pool supply unit) and
// BorrowIndex its borrow accumulator; both are monotonically
// non-decreasing.
type Pool interface {
	CurrentBlock() uint64
	IsListed(symbol string) bool

	SupplyIndex(symbol string) (*big.Int, error)
	BorrowIndex(symbol string) (*big.Int, error)

	// Cash is the market's withdrawable liquidity.
	Cash(symbol string) (*big.Int, error)

	// SupplyBalance is the overlay's own redeemable underlying.
	SupplyBalance(symbol string) (*big.Int, error)

	// Debt is the overlay's own outstanding borrow in underlying.
	Debt(symbol string) (*big.Int, error)

	CollateralFactor(symbol string) (*big.Int, error)
	CloseFactor() *big.Int
	LiquidationIncentive() *big.Int

	Supply(symbol string, amount *big.Int) error
	Withdraw(symbol string, amount *big.Int) error
	Borrow(symbol string, amount *big.Int) error
	Repay(symbol string, amount *big.Int) error
}
