package xctype

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// OrderStatus is the order lifecycle state. FILLED, CANCELLED, EXPIRED
// and REJECTED are terminal — no further transition is valid once
// reached.
type OrderStatus string

const (
	Pending          OrderStatus = "PENDING"
	Open             OrderStatus = "OPEN"
	PartiallyFilled  OrderStatus = "PARTIALLY_FILLED"
	Filled           OrderStatus = "FILLED"
	Cancelled        OrderStatus = "CANCELLED"
	Expired          OrderStatus = "EXPIRED"
	Rejected         OrderStatus = "REJECTED"
	// PendingCancel is the internal-only substate tracked while a cancel
	// request is outstanding and the exchange has not yet confirmed it.
	PendingCancel OrderStatus = "PENDING_CANCEL"
)

// Terminal reports whether status admits no further transition.
func (s OrderStatus) Terminal() bool {
	switch s {
	case Filled, Cancelled, Expired, Rejected:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the edges of the order lifecycle machine.
// PendingCancel is reachable from Open or PartiallyFilled and resolves to
// one of the terminal states on the next execution report.
var validTransitions = map[OrderStatus]map[OrderStatus]bool{
	Pending: {
		Open: true, Rejected: true, Cancelled: true, Filled: true, PartiallyFilled: true,
	},
	Open: {
		PartiallyFilled: true, Filled: true, Cancelled: true, Expired: true, PendingCancel: true,
	},
	PartiallyFilled: {
		PartiallyFilled: true, Filled: true, Cancelled: true, Expired: true, PendingCancel: true,
	},
	PendingCancel: {
		Cancelled: true, Filled: true, PartiallyFilled: true, Expired: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is legal.
// A no-op transition (from == to) is always legal. No transition out of a
// terminal state is ever legal.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return validTransitions[from][to]
}

// Order is the canonical representation of a working or completed order.
// InternalID is the primary identifier this core allocates and uses as the
// wire client_order_id; ExchangeID is assigned by the venue and may be
// absent during the pending window.
type Order struct {
	InternalID    string
	ExchangeID    string // empty until the venue assigns one
	ClientOrderID string // alias of InternalID for wire use

	Symbol Symbol
	Side   OrderSide
	Type   OrderType

	Price         decimal.Decimal // required for Limit
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	RemainingSize decimal.Decimal

	Status OrderStatus

	CreatedAt   time.Time
	LastUpdated time.Time
	TTL         time.Duration
	ExpiresAt   time.Time

	SessionID     string
	ParentOrderID string
	Purpose       string
	PricingMetadata map[string]any
}

// Invariant checks filled + remaining == size.
func (o *Order) Invariant() bool {
	return o.FilledSize.Add(o.RemainingSize).Equal(o.Size)
}
