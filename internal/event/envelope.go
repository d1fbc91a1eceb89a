package event

import (
	"time"
)

// EventType discriminator for record payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOrderCreated
	EventTypeOrderCanceled
	EventTypePositionOpened
	EventTypeTriggerSet
	EventTypeTriggerChanged
	EventTypePositionClosed
	EventTypeCommissionWithdrawn
	EventTypePoolFunded
)

// Envelope wraps every record in the ledger's event log
type Envelope struct {
	// Global monotonic sequence assigned by the settlement engine
	Sequence int64

	// Stable idempotency key of the command that produced this record
	IdempotencyKey string

	// Record type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock; supplied by the caller)
	Timestamp time.Time

	// JSON-encoded record payload
	Payload []byte

	// SHA-256 of ledger state AFTER applying this record
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}

// Record is the interface all transition records implement
type Record interface {
	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeOrderCreated:
		return "OrderCreated"
	case EventTypeOrderCanceled:
		return "OrderCanceled"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypeTriggerSet:
		return "TriggerSet"
	case EventTypeTriggerChanged:
		return "TriggerChanged"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeCommissionWithdrawn:
		return "CommissionWithdrawn"
	case EventTypePoolFunded:
		return "PoolFunded"
	default:
		return "Unknown"
	}
}

// EventTypeFromString maps a stored discriminator name back to its EventType.
func EventTypeFromString(s string) EventType {
	switch s {
	case "OrderCreated":
		return EventTypeOrderCreated
	case "OrderCanceled":
		return EventTypeOrderCanceled
	case "PositionOpened":
		return EventTypePositionOpened
	case "TriggerSet":
		return EventTypeTriggerSet
	case "TriggerChanged":
		return EventTypeTriggerChanged
	case "PositionClosed":
		return EventTypePositionClosed
	case "CommissionWithdrawn":
		return EventTypeCommissionWithdrawn
	case "PoolFunded":
		return EventTypePoolFunded
	default:
		return EventTypeUnknown
	}
}
