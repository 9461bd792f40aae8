package event

import "github.com/google/uuid"

// Amounts are serialized as decimal strings: WAD-scaled values overflow
// int64 and JSON numbers lose precision past 2^53.

// OperationPayload is the payload for the five position operations.
// P2P and Pool split the executed amount by venue.
type OperationPayload struct {
	User   uuid.UUID `json:"user"`
	Market string    `json:"market"`
	Amount string    `json:"amount"`
	P2P    string    `json:"p2p"`
	Pool   string    `json:"pool"`
	Block  uint64    `json:"block"`

	// Withdraw only: where the funds went.
	Receiver *uuid.UUID `json:"receiver,omitempty"`
	// Repay only: on-behalf-of payer, when distinct from User.
	Payer *uuid.UUID `json:"payer,omitempty"`
}

// LiquidationPayload records both legs of a liquidation.
type LiquidationPayload struct {
	Liquidator       uuid.UUID `json:"liquidator"`
	Borrower         uuid.UUID `json:"borrower"`
	BorrowedMarket   string    `json:"borrowedMarket"`
	CollateralMarket string    `json:"collateralMarket"`
	Repaid           string    `json:"repaid"`
	Seized           string    `json:"seized"`
	Block            uint64    `json:"block"`
}

type MarketCreatedPayload struct {
	Market           string `json:"market"`
	ReserveFactorBps uint32 `json:"reserveFactorBps"`
	CursorBps        uint32 `json:"cursorBps"`
	Block            uint64 `json:"block"`
}

type MarketParamsPayload struct {
	Market           string  `json:"market"`
	ReserveFactorBps *uint32 `json:"reserveFactorBps,omitempty"`
	CursorBps        *uint32 `json:"cursorBps,omitempty"`

	// Pause flag changes ride the same record; nil means untouched.
	SupplyPaused    *bool `json:"supplyPaused,omitempty"`
	BorrowPaused    *bool `json:"borrowPaused,omitempty"`
	WithdrawPaused  *bool `json:"withdrawPaused,omitempty"`
	RepayPaused     *bool `json:"repayPaused,omitempty"`
	LiquidatePaused *bool `json:"liquidatePaused,omitempty"`
	Deprecated      *bool `json:"deprecated,omitempty"`
}

// PriceUpdatePayload is the normalized oracle price record republished
// to downstream consumers.
type PriceUpdatePayload struct {
	Market      string `json:"market"`
	Price       string `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestampUs"`
}
