package core

import "errors"

// Every rejected operation reports a named condition so integrators can
// tell "your collateral is insufficient" from "the pool rejected this
// call" from "amount too small to matter". All of these reject before
// any ledger or pool mutation.
var (
	// ErrZeroAmount rejects an operation with a zero amount.
	ErrZeroAmount = errors.New("core: zero amount")

	// ErrAmountTooSmall rejects an amount that rounds to zero in
	// pool-index units and therefore could not change any balance.
	ErrAmountTooSmall = errors.New("core: amount rounds to zero")

	// ErrMarketNotCreated rejects operations against unlisted markets.
	ErrMarketNotCreated = errors.New("core: market not created")

	// ErrMarketPaused rejects the operation while its pause flag is set.
	ErrMarketPaused = errors.New("core: operation paused for market")

	// ErrBorrowOnDeprecatedMarket rejects new borrows once a market is
	// flagged deprecated.
	ErrBorrowOnDeprecatedMarket = errors.New("core: market deprecated")

	// ErrUnauthorizedBorrow means the hypothetical post-borrow position
	// would be undercollateralized.
	ErrUnauthorizedBorrow = errors.New("core: insufficient collateral for borrow")

	// ErrUnauthorizedWithdraw means removing the collateral would leave
	// outstanding debt undercollateralized.
	ErrUnauthorizedWithdraw = errors.New("core: insufficient collateral for withdraw")

	// ErrBorrowerHealthy rejects liquidation of a collateralized borrower.
	ErrBorrowerHealthy = errors.New("core: borrower position is healthy")

	// ErrSeizeAboveCollateral means the seize amount implied by the
	// liquidation formula exceeds the borrower's collateral balance.
	ErrSeizeAboveCollateral = errors.New("core: seize exceeds collateral balance")

	// ErrDuplicateRequest rejects a replayed request ID; the original
	// operation already committed.
	ErrDuplicateRequest = errors.New("core: duplicate request")
)
