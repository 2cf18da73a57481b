// Package kraken implements the venue protocol for Kraken's v2 WebSocket
// API: JSON-framed method/params/req_id requests, channel/type/data feed
// messages, and REST-minted 900s session tokens. Grounded on the same
// REST-client/Auth split Polymarket's venue package uses (a REST client
// issues signed requests and mints credentials; the venue package owns
// wire encoding), generalized from an EIP-712/HMAC scheme to Kraken's
// simpler API-key REST signing.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/internal/credential"
	"xconnect/internal/normalize"
	"xconnect/internal/reconcile"
	"xconnect/internal/venue"
	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// Protocol implements venue.Protocol for Kraken.
type Protocol struct {
	aliases *normalize.Aliases
	rules   map[xctype.Symbol]venue.SymbolRule
	fees    map[xctype.LiquidityIndicator]decimal.Decimal
	cred    *credential.Service
	logger  *slog.Logger
}

// Option configures a Protocol at construction.
type Option func(*Protocol)

// WithAliases registers the canonical<->wire symbol table (Kraken spells
// BTC "XBT").
func WithAliases(a *normalize.Aliases) Option { return func(p *Protocol) { p.aliases = a } }

// WithSymbolRule registers a per-symbol precision rule.
func WithSymbolRule(symbol xctype.Symbol, rule venue.SymbolRule) Option {
	return func(p *Protocol) { p.rules[symbol] = rule }
}

// WithFeeRate registers a flat maker/taker fee rate used by the
// reconciler's fee-reconstruction strategy (d).
func WithFeeRate(liquidity xctype.LiquidityIndicator, rate decimal.Decimal) Option {
	return func(p *Protocol) { p.fees[liquidity] = rate }
}

// WithCredential attaches the private-session token service. Omit for a
// public-only protocol instance.
func WithCredential(c *credential.Service) Option { return func(p *Protocol) { p.cred = c } }

// New creates a Kraken Protocol.
func New(logger *slog.Logger, opts ...Option) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		rules:  make(map[xctype.Symbol]venue.SymbolRule),
		fees:   make(map[xctype.LiquidityIndicator]decimal.Decimal),
		logger: logger.With("component", "venue_kraken"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Name() string { return "kraken" }

func (p *Protocol) Credential() *credential.Service { return p.cred }

func (p *Protocol) SymbolRules(symbol xctype.Symbol) (venue.SymbolRule, bool) {
	r, ok := p.rules[symbol]
	return r, ok
}

func (p *Protocol) FeeRules(_ xctype.Symbol, liquidity xctype.LiquidityIndicator) decimal.Decimal {
	return p.fees[liquidity]
}

// subscribeRequest is the wire shape of a Kraken v2 subscribe call.
type subscribeRequest struct {
	Method string            `json:"method"`
	Params subscribeParams   `json:"params"`
	ReqID  json.Number       `json:"req_id"`
}

type subscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol,omitempty"`
	Token   string   `json:"token,omitempty"`
}

// EncodeSubscribe emits one frame for one channel (Kraken subscribes a
// whole symbol list per channel in one call); requests naming more than
// one channel are rejected with a Validation error, so callers invoke it
// once per channel, as the Subscriber does. The account-wide "executions" and "balances"
// channels carry no symbol list, only the session token.
func (p *Protocol) EncodeSubscribe(reqID string, reqs []venue.SubscribeRequest) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, xerrors.Validation("", "no subscriptions requested")
	}
	channel := reqs[0].Channel
	token := reqs[0].Token
	var symbols []string
	for _, r := range reqs {
		if r.Channel != channel {
			return nil, xerrors.Validation("", "kraken subscribe frames carry one channel each")
		}
		if r.Symbol != "" {
			symbols = append(symbols, p.wireSymbol(r.Symbol))
		}
	}
	msg := subscribeRequest{
		Method: "subscribe",
		Params: subscribeParams{Channel: channel, Symbol: symbols, Token: token},
		ReqID:  json.Number(reqID),
	}
	return json.Marshal(msg)
}

type addOrderRequest struct {
	Method string          `json:"method"`
	Params addOrderParams  `json:"params"`
	ReqID  json.Number     `json:"req_id"`
}

type addOrderParams struct {
	OrderType   string `json:"order_type"`
	Side        string `json:"side"`
	OrderQty    string `json:"order_qty"`
	Symbol      string `json:"symbol"`
	LimitPrice  string `json:"limit_price,omitempty"`
	ClOrdID     string `json:"cl_ord_id"`
	Token       string `json:"token"`
}

type cancelOrderRequest struct {
	Method string            `json:"method"`
	Params cancelOrderParams `json:"params"`
	ReqID  json.Number       `json:"req_id"`
}

type cancelOrderParams struct {
	ClOrdID []string `json:"cl_ord_id"`
	Token   string   `json:"token"`
}

// EncodeOrder builds Kraken's add_order/cancel_order request frame.
// req.Token is the session token the caller (the Adapter Facade) fetched
// from the Credential Service before encoding; EncodeOrder itself never
// blocks on the Credential Service.
func (p *Protocol) EncodeOrder(reqID string, req venue.OrderRequest) ([]byte, error) {
	switch req.Op {
	case venue.OpCreate:
		o := req.Order
		orderType := "market"
		var limitPrice string
		if o.Type == xctype.Limit {
			orderType = "limit"
			limitPrice = o.Price.String()
		}
		msg := addOrderRequest{
			Method: "add_order",
			Params: addOrderParams{
				OrderType:  orderType,
				Side:       string(o.Side),
				OrderQty:   o.Size.String(),
				Symbol:     p.wireSymbol(o.Symbol),
				LimitPrice: limitPrice,
				ClOrdID:    o.InternalID,
				Token:      req.Token,
			},
			ReqID: json.Number(reqID),
		}
		return json.Marshal(msg)
	case venue.OpCancel:
		msg := cancelOrderRequest{
			Method: "cancel_order",
			Params: cancelOrderParams{ClOrdID: []string{req.Order.InternalID}, Token: req.Token},
			ReqID:  json.Number(reqID),
		}
		return json.Marshal(msg)
	default:
		return nil, xerrors.Validation(req.Order.InternalID, fmt.Sprintf("unknown order op %q", req.Op))
	}
}

func (p *Protocol) wireSymbol(s xctype.Symbol) string {
	if p.aliases != nil {
		return p.aliases.ToWire(s)
	}
	return string(s)
}

// envelope peeks at the two shapes a Kraken v2 frame can take: a
// method-keyed response, or a channel/type-keyed feed push.
type envelope struct {
	Method  string          `json:"method"`
	ReqID   json.Number     `json:"req_id"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

type bookLevel struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

type bookData struct {
	Symbol string      `json:"symbol"`
	Bids   []bookLevel `json:"bids"`
	Asks   []bookLevel `json:"asks"`
	Checksum int64     `json:"checksum"`
}

type balanceData struct {
	Asset   string  `json:"asset"`
	Balance float64 `json:"balance"`
	Hold    float64 `json:"hold"`
}

type executionData struct {
	ExecType      string `json:"exec_type"`
	OrderID       string `json:"order_id"`
	ClOrdID       string `json:"cl_ord_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	CumQty        string `json:"cum_qty"`
	LastQty       string `json:"last_qty"`
	LastPrice     string `json:"last_price"`
	Liquidity     string `json:"liquidity_ind"`
	Timestamp     string `json:"timestamp"`
	TradeID       string `json:"trade_id"`
	ExecID        string `json:"exec_id"`
	FeeUSD        string `json:"fee_usd_equiv"`
}

// DecodeFrame parses one inbound Kraken v2 frame.
func (p *Protocol) DecodeFrame(frame []byte) (venue.Decoded, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return venue.Decoded{}, xerrors.Protocol("decode kraken frame", err)
	}

	if env.Method != "" {
		if env.Success != nil && !*env.Success {
			return venue.Decoded{Kind: venue.FrameResponse, ReqID: string(env.ReqID), Raw: frame},
				xerrors.Venue(string(env.ReqID), env.Error)
		}
		return venue.Decoded{Kind: venue.FrameResponse, ReqID: string(env.ReqID), Raw: frame}, nil
	}

	switch env.Channel {
	case "book":
		var items []bookData
		if err := json.Unmarshal(env.Data, &items); err != nil || len(items) == 0 {
			return venue.Decoded{}, xerrors.Protocol("decode kraken book data", err)
		}
		d := items[0]
		bids, _ := normalize.Levels(stringsOf(d.Bids, true), stringsOf(d.Bids, false))
		asks, _ := normalize.Levels(stringsOf(d.Asks, true), stringsOf(d.Asks, false))
		kind := venue.FrameBookDelta
		if env.Type == "snapshot" {
			kind = venue.FrameBookSnapshot
		}
		// d.Checksum is a per-message CRC, not a monotonic counter: it
		// changes with every update to the top of book and cannot serve as
		// orderbook.Assembler's gap-detecting Sequence. Leave HasSeq false
		// so the assembler falls back to its own internal counter.
		return venue.Decoded{
			Kind: kind,
			Book: &venue.BookFrame{
				Symbol: p.canonicalSymbol(d.Symbol),
				Bids:   bids,
				Asks:   asks,
				HasSeq: false,
			},
		}, nil

	case "balances":
		var items []balanceData
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return venue.Decoded{}, xerrors.Protocol("decode kraken balance data", err)
		}
		balances := make([]xctype.Balance, 0, len(items))
		for _, d := range items {
			total := decimal.NewFromFloat(d.Balance)
			hold := decimal.NewFromFloat(d.Hold)
			balances = append(balances, xctype.Balance{
				Asset:     d.Asset,
				Total:     total,
				Reserved:  hold,
				Available: total.Sub(hold),
			})
		}
		return venue.Decoded{Kind: venue.FrameBalance, Balances: balances}, nil

	case "executions":
		var items []executionData
		if err := json.Unmarshal(env.Data, &items); err != nil || len(items) == 0 {
			return venue.Decoded{}, xerrors.Protocol("decode kraken execution data", err)
		}
		d := items[0]
		ts, _ := normalize.ParseUnixSeconds(d.Timestamp)
		cum, _ := normalize.ParseDecimal(d.CumQty)
		lastQty, _ := normalize.ParseDecimal(d.LastQty)
		lastPrice, _ := normalize.ParseDecimal(d.LastPrice)
		usdFee, _ := normalize.ParseDecimal(d.FeeUSD)
		rep := &reconcile.Report{
			ExecType:        reconcile.ExecType(d.ExecType),
			ExchangeOrderID: d.OrderID,
			ClientOrderID:   d.ClOrdID,
			Symbol:          p.canonicalSymbol(d.Symbol),
			Side:            normalize.Side(d.Side),
			CumulativeQty:   cum,
			LastFillQty:     lastQty,
			LastFillPrice:   lastPrice,
			Liquidity:       liquidityOf(d.Liquidity),
			Timestamp:       time.UnixMilli(ts),
			TradeID:         d.TradeID,
			ExecutionID:     d.ExecID,
			USDFee:          usdFee,
		}
		return venue.Decoded{Kind: venue.FrameExecution, Report: rep}, nil

	case "heartbeat":
		return venue.Decoded{Kind: venue.FrameHeartbeat}, nil

	default:
		return venue.Decoded{Kind: venue.FrameUnknown, Raw: frame}, nil
	}
}

func (p *Protocol) canonicalSymbol(wire string) xctype.Symbol {
	if p.aliases != nil {
		return p.aliases.ToCanonical(wire)
	}
	return xctype.Symbol(wire)
}

func liquidityOf(raw string) xctype.LiquidityIndicator {
	switch raw {
	case "m", "maker":
		return xctype.Maker
	case "t", "taker":
		return xctype.Taker
	default:
		return xctype.Unknown
	}
}

func stringsOf(levels []bookLevel, price bool) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		if price {
			out[i] = l.Price
		} else {
			out[i] = l.Qty
		}
	}
	return out
}

// NewRequestToken builds a credential.Fetcher that mints a Kraken
// WebSockets token via a REST call; the token carries a 900-second
// lifetime. restGet performs the signed REST GET and returns the raw
// token string.
func NewRequestToken(restGet func(ctx context.Context) (string, error)) credential.Fetcher {
	return func(ctx context.Context) (credential.Token, error) {
		tok, err := restGet(ctx)
		if err != nil {
			return credential.Token{}, xerrors.Transport("fetch kraken ws token", err)
		}
		return credential.Token{
			Value:     tok,
			ExpiresAt: time.Now().Add(credential.DefaultLifetime),
		}, nil
	}
}
