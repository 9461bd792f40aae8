package query

import "github.com/google/uuid"

// BalanceResponse is one user's position in one market, valued at the
// previewed indexes. All amounts are WAD underlying as decimal strings.
type BalanceResponse struct {
	User   uuid.UUID `json:"user"`
	Market string    `json:"market"`

	SupplyOnPool string `json:"supply_on_pool"`
	SupplyInP2P  string `json:"supply_in_p2p"`
	SupplyTotal  string `json:"supply_total"`

	BorrowOnPool string `json:"borrow_on_pool"`
	BorrowInP2P  string `json:"borrow_in_p2p"`
	BorrowTotal  string `json:"borrow_total"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketResponse is the full per-market overlay state. Indexes are the
// previewed values a read at this instant would accrue to, not the last
// committed checkpoint.
type MarketResponse struct {
	Symbol string `json:"symbol"`

	P2PSupplyIndex  string `json:"p2p_supply_index"`
	P2PBorrowIndex  string `json:"p2p_borrow_index"`
	PoolSupplyIndex string `json:"pool_supply_index"`
	PoolBorrowIndex string `json:"pool_borrow_index"`

	ReserveFactorBps  uint32 `json:"reserve_factor_bps"`
	P2PIndexCursorBps uint32 `json:"p2p_index_cursor_bps"`

	P2PSupplyDelta  string `json:"p2p_supply_delta"`
	P2PBorrowDelta  string `json:"p2p_borrow_delta"`
	P2PSupplyAmount string `json:"p2p_supply_amount"`
	P2PBorrowAmount string `json:"p2p_borrow_amount"`

	SupplyPaused    bool `json:"supply_paused"`
	BorrowPaused    bool `json:"borrow_paused"`
	WithdrawPaused  bool `json:"withdraw_paused"`
	RepayPaused     bool `json:"repay_paused"`
	LiquidatePaused bool `json:"liquidate_paused"`
	Deprecated      bool `json:"deprecated"`

	LastUpdateBlock uint64 `json:"last_update_block"`
	Version         int64  `json:"version"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// AccountPosition is one market's contribution to an account view.
type AccountPosition struct {
	Market      string `json:"market"`
	SupplyTotal string `json:"supply_total"`
	BorrowTotal string `json:"borrow_total"`
	SupplyValue string `json:"supply_value"`
	BorrowValue string `json:"borrow_value"`
}

// AccountResponse is a user's cross-market health view: every entered
// market valued at oracle prices, with the same collateral arithmetic
// the operation guards use.
type AccountResponse struct {
	User      uuid.UUID         `json:"user"`
	Positions []AccountPosition `json:"positions"`

	Collateral string `json:"collateral"`
	MaxDebt    string `json:"max_debt"`
	Debt       string `json:"debt"`
	Healthy    bool   `json:"healthy"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// EventRecord is one operation-log row for history queries.
type EventRecord struct {
	Sequence  int64      `json:"sequence"`
	EventType string     `json:"event_type"`
	Market    *string    `json:"market,omitempty"`
	User      *uuid.UUID `json:"user,omitempty"`
	Payload   []byte     `json:"payload"`
	Operation string     `json:"operation,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
	Timestamp int64      `json:"timestamp"`
}
