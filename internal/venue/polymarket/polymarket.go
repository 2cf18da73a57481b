// Package polymarket implements the venue protocol for Polymarket's CLOB:
// EIP-712/HMAC authentication (auth.go), book/price_change/trade/order
// WebSocket events, and EIP-712-signed limit orders scaled to the
// market's tick size. Grounded directly on a REST client/auth/websocket
// split, generalized from a hardcoded single-market-maker flow to the
// venue.Protocol capability set so internal/session and
// internal/orderbook stay venue-blind.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/internal/credential"
	"xconnect/internal/normalize"
	"xconnect/internal/reconcile"
	"xconnect/internal/venue"
	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// TickSize is the market's price granularity, which determines how many
// decimals a maker/taker amount is scaled to on-chain.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01"
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// amountDecimals returns the on-chain amount's decimal scale for a tick
// size, per the CLOB's price-to-amounts table.
func (t TickSize) amountDecimals() int32 {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// Protocol implements venue.Protocol for Polymarket.
type Protocol struct {
	auth     *Auth
	aliases  *normalize.Aliases
	ticks    map[xctype.Symbol]TickSize
	tokenIDs map[xctype.Symbol]string // canonical symbol -> CLOB token id
	fees     map[xctype.LiquidityIndicator]decimal.Decimal
	cred     *credential.Service
	logger   *slog.Logger
}

// Option configures a Protocol at construction.
type Option func(*Protocol)

func WithAliases(a *normalize.Aliases) Option { return func(p *Protocol) { p.aliases = a } }

// WithMarket registers a symbol's CLOB token id and tick size.
func WithMarket(symbol xctype.Symbol, tokenID string, tick TickSize) Option {
	return func(p *Protocol) {
		p.tokenIDs[symbol] = tokenID
		p.ticks[symbol] = tick
	}
}

func WithFeeRate(liquidity xctype.LiquidityIndicator, rate decimal.Decimal) Option {
	return func(p *Protocol) { p.fees[liquidity] = rate }
}

func WithCredential(c *credential.Service) Option { return func(p *Protocol) { p.cred = c } }

// New creates a Polymarket Protocol bound to a wallet Auth.
func New(auth *Auth, logger *slog.Logger, opts ...Option) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		auth:     auth,
		ticks:    make(map[xctype.Symbol]TickSize),
		tokenIDs: make(map[xctype.Symbol]string),
		fees:     make(map[xctype.LiquidityIndicator]decimal.Decimal),
		logger:   logger.With("component", "venue_polymarket"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Name() string                    { return "polymarket" }
func (p *Protocol) Credential() *credential.Service { return p.cred }

func (p *Protocol) SymbolRules(symbol xctype.Symbol) (venue.SymbolRule, bool) {
	tick, ok := p.ticks[symbol]
	if !ok {
		return venue.SymbolRule{}, false
	}
	size, _ := decimal.NewFromString(string(tick))
	return venue.SymbolRule{TickSize: size, LotSize: decimal.NewFromFloat(0.01)}, true
}

func (p *Protocol) FeeRules(_ xctype.Symbol, liquidity xctype.LiquidityIndicator) decimal.Decimal {
	return p.fees[liquidity]
}

// subscribeMsg mirrors the CLOB's websocket subscribe message shape.
type subscribeMsg struct {
	Type     string            `json:"type"`
	AssetIDs []string          `json:"assets_ids,omitempty"`
	Markets  []string          `json:"markets,omitempty"`
	Auth     map[string]string `json:"auth,omitempty"`
}

// EncodeSubscribe groups requests into one market-channel (public asset
// ids) or user-channel (authenticated condition ids) frame; Polymarket
// carries no req_id, so reqID is unused but kept for interface symmetry
// with the other venues.
func (p *Protocol) EncodeSubscribe(_ string, reqs []venue.SubscribeRequest) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, xerrors.Validation("", "no subscriptions requested")
	}
	channel := reqs[0].Channel
	var ids []string
	for _, r := range reqs {
		if r.Channel != channel {
			return nil, xerrors.Validation("", "polymarket subscribe frames carry one channel each")
		}
		if r.Symbol == "" {
			continue // account-wide subscribe (e.g. the user channel on authenticate), no market scoping yet
		}
		if tokenID, ok := p.tokenIDs[r.Symbol]; ok {
			ids = append(ids, tokenID)
		} else {
			ids = append(ids, string(r.Symbol))
		}
	}

	if channel == "user" {
		if p.auth == nil || !p.auth.HasCredentials() {
			return nil, xerrors.Auth("subscribe", fmt.Errorf("user channel requires L2 credentials"))
		}
		return json.Marshal(subscribeMsg{Type: "user", Auth: p.auth.WSAuthPayload(), Markets: ids})
	}
	return json.Marshal(subscribeMsg{Type: "market", AssetIDs: ids})
}

// signedOrder mirrors the CLOB's signed-order wire shape for a single
// order submission.
type signedOrder struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
}

type orderPayload struct {
	Order     signedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type cancelPayload struct {
	OrderIDs []string `json:"orderIDs"`
}

// EncodeOrder builds the REST order-submission payload (Polymarket orders
// are placed over HTTPS, not the WebSocket, so the Adapter Facade posts
// this JSON body directly rather than sending it through the Session
// Machine's Transport). Cancel requests build the matching cancel body.
func (p *Protocol) EncodeOrder(_ string, req venue.OrderRequest) ([]byte, error) {
	switch req.Op {
	case venue.OpCreate:
		o := req.Order
		if p.auth == nil {
			return nil, xerrors.Auth("encode order", fmt.Errorf("no wallet auth configured"))
		}
		tick := p.ticks[o.Symbol]
		if tick == "" {
			tick = Tick001
		}
		tokenID := p.tokenIDs[o.Symbol]
		makerAmt, takerAmt, err := priceToAmounts(o.Price, o.Size, o.Side, tick)
		if err != nil {
			return nil, xerrors.Validation(o.InternalID, err.Error())
		}
		return json.Marshal(orderPayload{
			Order: signedOrder{
				Maker:         p.auth.FunderAddress().Hex(),
				Signer:        p.auth.Address().Hex(),
				Taker:         "0x0000000000000000000000000000000000000000",
				TokenID:       tokenID,
				MakerAmount:   makerAmt.String(),
				TakerAmount:   takerAmt.String(),
				Side:          string(o.Side),
				Expiration:    fmt.Sprintf("%d", o.ExpiresAt.Unix()),
				Nonce:         "0",
				FeeRateBps:    "0",
				SignatureType: int(p.auth.SignatureType()),
			},
			Owner:     o.InternalID,
			OrderType: string(o.Type),
		})
	case venue.OpCancel:
		return json.Marshal(cancelPayload{OrderIDs: []string{req.Order.ExchangeID}})
	default:
		return nil, xerrors.Validation(req.Order.InternalID, fmt.Sprintf("unknown order op %q", req.Op))
	}
}

// priceToAmounts converts a human price/size to on-chain maker/taker
// amounts (USDC 6 decimals), ported to decimal.Decimal for exact
// rounding at every intermediate step.
func priceToAmounts(price, size decimal.Decimal, side xctype.OrderSide, tick TickSize) (makerAmt, takerAmt *big.Int, err error) {
	scale := decimal.NewFromInt(1_000_000)
	sizeRounded := size.Truncate(2)
	amtDecimals := tick.amountDecimals()

	switch side {
	case xctype.Buy:
		cost := sizeRounded.Mul(price).Truncate(amtDecimals)
		makerAmt = cost.Mul(scale).Truncate(0).BigInt()
		takerAmt = sizeRounded.Mul(scale).Truncate(0).BigInt()
	case xctype.Sell:
		makerAmt = sizeRounded.Mul(scale).Truncate(0).BigInt()
		revenue := sizeRounded.Mul(price).Truncate(amtDecimals)
		takerAmt = revenue.Mul(scale).Truncate(0).BigInt()
	default:
		return nil, nil, fmt.Errorf("unknown order side %q", side)
	}
	return makerAmt, takerAmt, nil
}

// wsEnvelope peeks at the event_type discriminator of a Polymarket WS
// frame before full decoding.
type wsEnvelope struct {
	EventType string `json:"event_type"`
}

type wsBookEvent struct {
	AssetID string    `json:"asset_id"`
	Bids    []wsLevel `json:"bids"`
	Asks    []wsLevel `json:"asks"`
	Hash    string    `json:"hash"`
}

type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsPriceChangeEvent struct {
	AssetID string  `json:"asset_id"`
	Price   string  `json:"price"`
	Size    string  `json:"size"`
	Side    string  `json:"side"`
}

type wsTradeEvent struct {
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

type wsOrderEvent struct {
	ID              string `json:"id"`
	OrderID         string `json:"order_id"`
	AssetID         string `json:"asset_id"`
	Side            string `json:"side"`
	Type            string `json:"type"`
	SizeMatched     string `json:"size_matched"`
	OriginalSize    string `json:"original_size"`
	Price           string `json:"price"`
	Timestamp       string `json:"timestamp"`
}

// DecodeFrame parses one inbound Polymarket WS frame.
func (p *Protocol) DecodeFrame(frame []byte) (venue.Decoded, error) {
	var env wsEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return venue.Decoded{}, xerrors.Protocol("decode polymarket frame", err)
	}

	switch env.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(frame, &evt); err != nil {
			return venue.Decoded{}, xerrors.Protocol("decode book event", err)
		}
		bids, _ := normalize.Levels(priceStrings(evt.Bids), sizeStrings(evt.Bids))
		asks, _ := normalize.Levels(priceStrings(evt.Asks), sizeStrings(evt.Asks))
		return venue.Decoded{
			Kind: venue.FrameBookSnapshot,
			Book: &venue.BookFrame{Symbol: p.canonicalSymbol(evt.AssetID), Bids: bids, Asks: asks},
		}, nil

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(frame, &evt); err != nil {
			return venue.Decoded{}, xerrors.Protocol("decode price_change event", err)
		}
		price, _ := normalize.ParseDecimal(evt.Price)
		size, _ := normalize.ParseDecimal(evt.Size)
		levels := []xctype.Level{{Price: price, Size: size}}
		book := &venue.BookFrame{Symbol: p.canonicalSymbol(evt.AssetID)}
		if normalize.Side(evt.Side) == xctype.Sell {
			book.Asks = levels
		} else {
			book.Bids = levels
		}
		return venue.Decoded{Kind: venue.FrameBookDelta, Book: book}, nil

	case "trade":
		var evt wsTradeEvent
		if err := json.Unmarshal(frame, &evt); err != nil {
			return venue.Decoded{}, xerrors.Protocol("decode trade event", err)
		}
		price, _ := normalize.ParseDecimal(evt.Price)
		size, _ := normalize.ParseDecimal(evt.Size)
		ts, _ := normalize.ParseUnixSeconds(evt.Timestamp)
		trade := &xctype.TradePayload{
			Symbol: p.canonicalSymbol(evt.AssetID), Price: price, Size: size,
			Side: normalize.Side(evt.Side), TradeID: evt.ID, Timestamp: time.UnixMilli(ts),
		}
		return venue.Decoded{Kind: venue.FrameTrade, Trade: trade}, nil

	case "order":
		var evt wsOrderEvent
		if err := json.Unmarshal(frame, &evt); err != nil {
			return venue.Decoded{}, xerrors.Protocol("decode order event", err)
		}
		cum, _ := normalize.ParseDecimal(evt.SizeMatched)
		price, _ := normalize.ParseDecimal(evt.Price)
		ts, _ := normalize.ParseUnixSeconds(evt.Timestamp)
		rep := &reconcile.Report{
			ExecType:        reconcile.ExecType(orderEventExecType(evt.Type)),
			ExchangeOrderID: evt.OrderID,
			ClientOrderID:   evt.ID,
			Symbol:          p.canonicalSymbol(evt.AssetID),
			Side:            normalize.Side(evt.Side),
			CumulativeQty:   cum,
			LastFillPrice:   price,
			Timestamp:       time.UnixMilli(ts),
		}
		return venue.Decoded{Kind: venue.FrameExecution, Report: rep}, nil

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		return venue.Decoded{Kind: venue.FrameHeartbeat}, nil

	default:
		return venue.Decoded{Kind: venue.FrameUnknown, Raw: frame}, nil
	}
}

func orderEventExecType(raw string) string {
	switch raw {
	case "PLACEMENT":
		return "new"
	case "UPDATE":
		return "trade"
	case "CANCELLATION":
		return "canceled"
	default:
		return "trade"
	}
}

func (p *Protocol) canonicalSymbol(assetID string) xctype.Symbol {
	if p.aliases != nil {
		return p.aliases.ToCanonical(assetID)
	}
	return xctype.Symbol(assetID)
}

func priceStrings(levels []wsLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price
	}
	return out
}

func sizeStrings(levels []wsLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Size
	}
	return out
}

// InfiniteLifetime is the expiry horizon used for the derived L2 key
// triplet: it never expires on its own, so ScheduleRefresh has nothing to
// do in practice, but the Credential Service still needs a concrete
// ExpiresAt to compare against "now".
const InfiniteLifetime = 100 * 365 * 24 * time.Hour

// NewDeriveCredentialFetcher builds a credential.Fetcher that performs the
// one-time L1-authenticated derive-api-key call and installs the resulting
// L2 triplet onto auth. derive is the REST call (GET
// /auth/derive-api-key with L1Headers) supplied by the caller.
func NewDeriveCredentialFetcher(auth *Auth, derive func(ctx context.Context) (Credentials, error)) credential.Fetcher {
	return func(ctx context.Context) (credential.Token, error) {
		creds, err := derive(ctx)
		if err != nil {
			return credential.Token{}, xerrors.Auth("derive polymarket api key", err)
		}
		auth.SetCredentials(creds)
		return credential.Token{
			Value:     creds.APIKey,
			ExpiresAt: time.Now().Add(InfiniteLifetime),
		}, nil
	}
}
