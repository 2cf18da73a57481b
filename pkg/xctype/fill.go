package xctype

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiquidityIndicator tags a fill's maker/taker status, which determines the
// fee rate applied by the venue.
type LiquidityIndicator string

const (
	Maker   LiquidityIndicator = "maker"
	Taker   LiquidityIndicator = "taker"
	Unknown LiquidityIndicator = "unknown"
)

// Fee describes the fee charged on a fill. Reconstructed is set when the
// fee was not reported directly and was instead derived from
// cost * current_fee_rate.
type Fee struct {
	Amount        decimal.Decimal
	Currency      string
	Rate          decimal.Decimal
	Reconstructed bool
}

// Fill records a single execution against an order. Invariant: the sum of
// fill sizes for an order never exceeds order.Size.
type Fill struct {
	FillID          string
	InternalOrderID string
	ExchangeOrderID string
	Symbol          Symbol
	Side            OrderSide
	Price           decimal.Decimal
	Size            decimal.Decimal
	Cost            decimal.Decimal
	Fee             Fee
	Timestamp       time.Time
	Liquidity       LiquidityIndicator
	SessionID       string
	TradeID         string
	ExecutionID     string
}

// DedupKey identifies a fill for the reconciler's dedup set: (order_id,
// timestamp).
func (f Fill) DedupKey() string {
	return f.InternalOrderID + "|" + f.Timestamp.UTC().Format(time.RFC3339Nano)
}
