package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSupplied
	EventTypeBorrowed
	EventTypeWithdrawn
	EventTypeRepaid
	EventTypeLiquidated
	EventTypeMarketCreated
	EventTypeMarketParamsUpdated
	EventTypePriceUpdated
)

// Envelope wraps every record in the operation log
type Envelope struct {
	// Global monotonic sequence assigned by the orchestrator
	Sequence int64

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	Market *string

	// Initiating user (nullable for governance events)
	User *uuid.UUID

	// Wall-clock time the operation committed
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of the affected market's state AFTER this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

func (et EventType) String() string {
	switch et {
	case EventTypeSupplied:
		return "Supplied"
	case EventTypeBorrowed:
		return "Borrowed"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeRepaid:
		return "Repaid"
	case EventTypeLiquidated:
		return "Liquidated"
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeMarketParamsUpdated:
		return "MarketParamsUpdated"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	default:
		return "Unknown"
	}
}
