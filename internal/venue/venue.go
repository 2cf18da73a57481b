// Package venue defines the venue protocol capability set: the one seam
// between the venue-agnostic core (session, orderbook, reconcile) and
// the wire-level differences of each concrete exchange. Every venue
// package (kraken, polymarket, coinbasefix) implements Protocol; nothing
// outside internal/venue/* branches on a venue name.
package venue

import (
	"github.com/shopspring/decimal"

	"xconnect/internal/credential"
	"xconnect/internal/reconcile"
	"xconnect/pkg/xctype"
)

// SubscribeRequest names one (channel, symbol) pair to subscribe to.
// Channel is venue-defined ("book", "trades", "executions", ...). Token
// carries the current session credential for venues (kraken) whose
// private-channel subscribe frames embed it directly; venues that
// authenticate the whole connection once (polymarket's signed user
// channel, coinbasefix's FIX logon) ignore it.
type SubscribeRequest struct {
	Channel string
	Symbol  xctype.Symbol
	Token   string
}

// OrderOp is the operation an OrderRequest performs.
type OrderOp string

const (
	OpCreate OrderOp = "create"
	OpCancel OrderOp = "cancel"
)

// OrderRequest carries enough of an xctype.Order for a venue to build its
// wire create/cancel frame. Token is the current session credential for
// venues (kraken) whose order frames embed it directly; venues that
// authenticate once per connection (polymarket's HMAC headers,
// coinbasefix's FIX logon) ignore it.
type OrderRequest struct {
	Op    OrderOp
	Order xctype.Order
	Token string
}

// SymbolRule is a venue's price/size precision and minimum-order rules for
// one symbol, consulted before an order is built.
type SymbolRule struct {
	TickSize    decimal.Decimal
	LotSize     decimal.Decimal
	MinNotional decimal.Decimal
}

// FrameKind classifies a decoded inbound frame so the Session Machine and
// Adapter Facade can route it without knowing the venue's wire shape.
type FrameKind string

const (
	FrameBookSnapshot FrameKind = "book_snapshot"
	FrameBookDelta    FrameKind = "book_delta"
	FrameTrade        FrameKind = "trade"
	FrameExecution    FrameKind = "execution"
	FrameBalance      FrameKind = "balance"
	FrameResponse     FrameKind = "response"
	FrameHeartbeat    FrameKind = "heartbeat"
	FrameUnknown      FrameKind = "unknown"
)

// BookFrame is a decoded book snapshot or delta, ready for
// internal/orderbook.Assembler.
type BookFrame struct {
	Symbol    xctype.Symbol
	Bids      []xctype.Level
	Asks      []xctype.Level
	Sequence  int64
	HasSeq    bool
	Timestamp int64
}

// Decoded is the result of DecodeFrame: exactly one of the pointer/slice
// fields is populated, selected by Kind. ReqID is set for
// Kind == FrameResponse, correlating back through the Multiplexer.
type Decoded struct {
	Kind     FrameKind
	ReqID    string
	Book     *BookFrame
	Trade    *xctype.TradePayload
	Report   *reconcile.Report
	Balances []xctype.Balance
	Raw      []byte
}

// Protocol is the venue protocol capability set.
type Protocol interface {
	// Name identifies the venue for logging and metrics labeling.
	Name() string

	// EncodeSubscribe builds the wire frame requesting subscriptions.
	EncodeSubscribe(reqID string, reqs []SubscribeRequest) ([]byte, error)

	// EncodeOrder builds the wire frame for a create or cancel request.
	// req.Token carries the current credential for venues whose order
	// frames embed it directly.
	EncodeOrder(reqID string, req OrderRequest) ([]byte, error)

	// DecodeFrame parses one inbound wire frame into a Decoded value.
	DecodeFrame(frame []byte) (Decoded, error)

	// SymbolRules returns the venue's precision rules for symbol, if known.
	SymbolRules(symbol xctype.Symbol) (SymbolRule, bool)

	// FeeRules returns the venue's current fee rate for symbol at the
	// given liquidity indicator, used by the reconciler's fee
	// reconstruction strategy when a fill report omits the fee.
	FeeRules(symbol xctype.Symbol, liquidity xctype.LiquidityIndicator) decimal.Decimal

	// Credential returns this venue's token/key lifecycle service, or nil
	// for a Public-only protocol instance with no authenticated session.
	Credential() *credential.Service
}
