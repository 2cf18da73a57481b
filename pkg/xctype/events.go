package xctype

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType is a closed set of tagged variants, replacing a dynamic
// payload union with an explicit Type field selecting the payload.
type EventType string

const (
	EventConnected              EventType = "Connected"
	EventDisconnected           EventType = "Disconnected"
	EventOrderBookUpdate        EventType = "OrderBookUpdate"
	EventTrade                  EventType = "Trade"
	EventTicker                 EventType = "Ticker"
	EventOrderUpdate            EventType = "OrderUpdate"
	EventOrderFilled            EventType = "OrderFilled"
	EventOrderCancelled         EventType = "OrderCancelled"
	EventOrderPartiallyFilled   EventType = "OrderPartiallyFilled"
	EventBalancesUpdated        EventType = "BalancesUpdated"
	EventUnreconciledExchange   EventType = "UnreconciledExchangeUpdate"
	EventError                  EventType = "Error"
)

// Event is the single envelope every consumer of the Adapter Facade
// receives. Payload holds one of the *Payload types below, selected by
// Type.
type Event struct {
	Type      EventType
	Venue     string
	Timestamp time.Time
	Payload   any
}

// OrderBookUpdatePayload is emitted after every applied delta or
// snapshot.
type OrderBookUpdatePayload struct {
	Symbol    Symbol
	Bids      []Level
	Asks      []Level
	Timestamp int64
	Sequence  int64
	Crossed   bool
}

// TradePayload is a public trade print.
type TradePayload struct {
	Symbol    Symbol
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      OrderSide
	TradeID   string
	Timestamp time.Time
}

// TickerPayload is a best-bid/ask/last-price summary.
type TickerPayload struct {
	Symbol    Symbol
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// OrderUpdatePayload accompanies OrderUpdate, OrderFilled, OrderCancelled,
// and OrderPartiallyFilled events. For OrderPartiallyFilled, Fill carries
// the triggering fill and Order reflects cumulative filled_size/avg price.
type OrderUpdatePayload struct {
	Order Order
	Fill  *Fill
}

// BalancesUpdatedPayload carries the full balance snapshot known after an
// update.
type BalancesUpdatedPayload struct {
	Balances map[string]Balance
}

// UnreconciledKind distinguishes the two shapes an unreconciled update
// can take.
type UnreconciledKind string

const (
	UnreconciledFill  UnreconciledKind = "fill"
	UnreconciledOrder UnreconciledKind = "order"
)

// UnreconciledExchangeUpdatePayload is emitted when no owning order is
// found in the current session — never silently dropped.
type UnreconciledExchangeUpdatePayload struct {
	Kind            UnreconciledKind
	ExchangeOrderID string
	ClientOrderID   string
	SessionID       string
	Fill            *Fill
	RawStatus       string
}

// ErrorKind is the closed set of error categories.
type ErrorKind string

const (
	ErrTransport       ErrorKind = "Transport"
	ErrTimeout         ErrorKind = "Timeout"
	ErrProtocol        ErrorKind = "Protocol"
	ErrAuth            ErrorKind = "Auth"
	ErrValidation      ErrorKind = "Validation"
	ErrVenue           ErrorKind = "Venue"
	ErrReconciliation  ErrorKind = "Reconciliation"
)

// ErrorPayload accompanies the Error event.
type ErrorPayload struct {
	Kind    ErrorKind
	Message string
	ReqID   string
	Cause   error
}
