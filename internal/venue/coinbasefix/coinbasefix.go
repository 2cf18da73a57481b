// Package coinbasefix implements the venue protocol for a FIX 5.0SP2
// session: it wires an HMAC-SHA256 logon signer into
// internal/transport.FIXTransport's Signer hook and implements the same
// capability set the websocket venues do, translating FIX tag/value pairs
// instead of JSON. Grounded on the quickfix.Application ToAdmin hook
// pattern (which stamps ApiKey/ApiSecret/Passphrase onto the outgoing
// Logon message), generalized from a market-data-only client to one
// that also builds and decodes order and execution-report messages.
package coinbasefix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"

	"xconnect/internal/credential"
	"xconnect/internal/normalize"
	"xconnect/internal/reconcile"
	"xconnect/internal/venue"
	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// FIX 5.0SP2 message types this venue speaks.
const (
	msgTypeLogon           = "A"
	msgTypeNewOrderSingle   = "D"
	msgTypeOrderCancelReq   = "F"
	msgTypeExecutionReport  = "8"
)

// Tag numbers used directly, matching internal/transport.FIXTransport's own
// quickfix.Tag(35) convention rather than pulling in a separate constants
// package.
const (
	tagMsgType     = quickfix.Tag(35)
	tagMsgSeqNum   = quickfix.Tag(34)
	tagSenderCompID = quickfix.Tag(49)
	tagTargetCompID = quickfix.Tag(56)
	tagRawData     = quickfix.Tag(96)
	tagUsername    = quickfix.Tag(553)
	tagPassword    = quickfix.Tag(554)
)

// Credentials identifies one FIX session: API key (SenderCompID-adjacent
// identity), secret (HMAC key), and passphrase, plus the target company id
// the venue assigns.
type Credentials struct {
	APIKey       string
	APISecret    string
	Passphrase   string
	SenderCompID string
	TargetCompID string
}

// Protocol implements venue.Protocol for the coinbasefix FIX session.
type Protocol struct {
	creds   Credentials
	aliases *normalize.Aliases
	rules   map[xctype.Symbol]venue.SymbolRule
	fees    map[xctype.LiquidityIndicator]decimal.Decimal
	cred    *credential.Service
	logger  *slog.Logger
}

// Option configures a Protocol at construction.
type Option func(*Protocol)

func WithAliases(a *normalize.Aliases) Option { return func(p *Protocol) { p.aliases = a } }

func WithSymbolRule(symbol xctype.Symbol, rule venue.SymbolRule) Option {
	return func(p *Protocol) { p.rules[symbol] = rule }
}

func WithFeeRate(liquidity xctype.LiquidityIndicator, rate decimal.Decimal) Option {
	return func(p *Protocol) { p.fees[liquidity] = rate }
}

func WithCredential(c *credential.Service) Option { return func(p *Protocol) { p.cred = c } }

// New creates a coinbasefix Protocol.
func New(creds Credentials, logger *slog.Logger, opts ...Option) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Protocol{
		creds:  creds,
		rules:  make(map[xctype.Symbol]venue.SymbolRule),
		fees:   make(map[xctype.LiquidityIndicator]decimal.Decimal),
		logger: logger.With("component", "venue_coinbasefix"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Protocol) Name() string                    { return "coinbasefix" }
func (p *Protocol) Credential() *credential.Service { return p.cred }

func (p *Protocol) SymbolRules(symbol xctype.Symbol) (venue.SymbolRule, bool) {
	r, ok := p.rules[symbol]
	return r, ok
}

func (p *Protocol) FeeRules(_ xctype.Symbol, liquidity xctype.LiquidityIndicator) decimal.Decimal {
	return p.fees[liquidity]
}

// Signer builds the transport.FIXTransport.Signer callback: on every
// outgoing Logon message it stamps the HMAC-SHA256 signature plus the
// RawData/Password fields the venue's FIX gateway requires. This is this
// venue's one-time authentication step, analogous to kraken's REST token
// fetch and polymarket's L1 signature, but expressed as a callback because
// quickfix owns the Logon message's construction, not this package.
func (p *Protocol) Signer() func(msg *quickfix.Message) {
	return func(msg *quickfix.Message) {
		t, _ := msg.Header.GetString(tagMsgType)
		if t != msgTypeLogon {
			return
		}
		sendingTime := time.Now().UTC().Format("20060102-15:04:05.000")
		seqNum, _ := msg.Header.GetString(tagMsgSeqNum)

		sig, err := p.sign(sendingTime, msgTypeLogon, seqNum)
		if err != nil {
			p.logger.Error("failed to sign fix logon", "error", err)
			return
		}

		msg.Body.SetString(tagRawData, sig)
		msg.Body.SetString(tagUsername, p.creds.APIKey)
		msg.Body.SetString(tagPassword, p.creds.Passphrase)
		msg.Header.SetString(tagSenderCompID, p.creds.SenderCompID)
		msg.Header.SetString(tagTargetCompID, p.creds.TargetCompID)
	}
}

// sign computes the HMAC-SHA256 signature, keyed by the API secret, over
// sendingTime + msgType + msgSeqNum + senderCompID + targetCompID +
// apiKey, per the venue's FIX logon scheme — the same
// timestamp-plus-request-shape HMAC idiom internal/venue/polymarket's
// buildHMAC uses for L2 REST auth, adapted to FIX's fixed prehash
// fields instead of an HTTP method and path.
func (p *Protocol) sign(sendingTime, msgType, seqNum string) (string, error) {
	prehash := sendingTime + msgType + seqNum + p.creds.SenderCompID + p.creds.TargetCompID + p.creds.APIKey
	mac := hmac.New(sha256.New, []byte(p.creds.APISecret))
	if _, err := mac.Write([]byte(prehash)); err != nil {
		return "", fmt.Errorf("hmac write: %w", err)
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// EncodeSubscribe builds a FIX MarketDataRequest the same way EncodeOrder
// builds an order (tag-value pairs); it still has to exist so every venue
// satisfies the same Protocol interface uniformly.
func (p *Protocol) EncodeSubscribe(reqID string, reqs []venue.SubscribeRequest) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, xerrors.Validation("", "no subscriptions requested")
	}
	var buf []byte
	buf = appendTag(buf, "262", reqID)          // MDReqID
	buf = appendTag(buf, "263", "1")             // SubscriptionRequestType = snapshot+updates
	buf = appendTag(buf, "264", "0")             // MarketDepth = full book
	buf = appendTag(buf, "146", strconv.Itoa(len(reqs)))
	for _, r := range reqs {
		buf = appendTag(buf, "55", string(r.Symbol))
	}
	return buf, nil
}

func (p *Protocol) EncodeOrder(reqID string, req venue.OrderRequest) ([]byte, error) {
	o := req.Order
	var buf []byte
	switch req.Op {
	case venue.OpCreate:
		buf = appendTag(buf, "11", o.InternalID) // ClOrdID
		buf = appendTag(buf, "55", string(o.Symbol))
		buf = appendTag(buf, "54", sideCode(o.Side))
		buf = appendTag(buf, "38", o.Size.String())
		if o.Type == xctype.Limit {
			buf = appendTag(buf, "40", "2")
			buf = appendTag(buf, "44", o.Price.String())
		} else {
			buf = appendTag(buf, "40", "1")
		}
		buf = appendTag(buf, "59", "0") // TimeInForce = Day
		return buf, nil
	case venue.OpCancel:
		buf = appendTag(buf, "41", o.ExchangeID) // OrigClOrdID
		buf = appendTag(buf, "11", reqID)
		buf = appendTag(buf, "55", string(o.Symbol))
		return buf, nil
	default:
		return nil, xerrors.Validation(o.InternalID, fmt.Sprintf("unknown order op %q", req.Op))
	}
}

func sideCode(side xctype.OrderSide) string {
	if side == xctype.Sell {
		return "2"
	}
	return "1"
}

// DecodeFrame parses one inbound FIX message body (as FIXTransport
// delivers it: the raw wire frame, already tag=value|SOH-delimited) into
// a Decoded value. Execution reports (MsgType 8) classify their ExecType
// (tag 150) the same way kraken's exec_type string does, feeding the same
// reconcile.Report shape.
func (p *Protocol) DecodeFrame(frame []byte) (venue.Decoded, error) {
	fields := parseFIX(frame)

	switch fields["35"] {
	case msgTypeExecutionReport:
		ts, _ := normalize.ParseUnixSeconds(fields["60"])
		cum, _ := normalize.ParseDecimal(fields["14"])
		lastQty, _ := normalize.ParseDecimal(fields["32"])
		lastPrice, _ := normalize.ParseDecimal(fields["31"])
		rep := &reconcile.Report{
			ExecType:        execTypeOf(fields["150"]),
			ExchangeOrderID: fields["37"],
			ClientOrderID:   fields["11"],
			Symbol:          p.canonicalSymbol(fields["55"]),
			Side:            sideOf(fields["54"]),
			CumulativeQty:   cum,
			LastFillQty:     lastQty,
			LastFillPrice:   lastPrice,
			Liquidity:       liquidityOf(fields["851"]),
			Timestamp:       time.UnixMilli(ts),
			TradeID:         fields["1003"],
			ExecutionID:     fields["17"],
		}
		return venue.Decoded{Kind: venue.FrameExecution, Report: rep}, nil

	case "W": // MarketDataSnapshotFullRefresh
		symbol := p.canonicalSymbol(fields["55"])
		return venue.Decoded{Kind: venue.FrameBookSnapshot, Book: &venue.BookFrame{Symbol: symbol}}, nil

	case "X": // MarketDataIncrementalRefresh
		symbol := p.canonicalSymbol(fields["55"])
		return venue.Decoded{Kind: venue.FrameBookDelta, Book: &venue.BookFrame{Symbol: symbol}}, nil

	case "0", "1": // Heartbeat, TestRequest
		return venue.Decoded{Kind: venue.FrameHeartbeat}, nil

	default:
		return venue.Decoded{Kind: venue.FrameUnknown, Raw: frame}, nil
	}
}

func execTypeOf(raw string) reconcile.ExecType {
	switch raw {
	case "0":
		return reconcile.ExecNew
	case "A":
		return reconcile.ExecPendingNew
	case "1", "2":
		return reconcile.ExecTrade
	case "F":
		return reconcile.ExecFilled
	case "4":
		return reconcile.ExecCanceled
	case "8":
		return reconcile.ExecRejected
	case "C":
		return reconcile.ExecExpired
	case "5":
		return reconcile.ExecReplaced
	default:
		return reconcile.ExecType(raw)
	}
}

func sideOf(raw string) xctype.OrderSide {
	switch raw {
	case "1":
		return xctype.Buy
	case "2":
		return xctype.Sell
	default:
		return ""
	}
}

func liquidityOf(raw string) xctype.LiquidityIndicator {
	switch raw {
	case "1":
		return xctype.Maker
	case "2":
		return xctype.Taker
	default:
		return xctype.Unknown
	}
}

func (p *Protocol) canonicalSymbol(wire string) xctype.Symbol {
	if p.aliases != nil {
		return p.aliases.ToCanonical(wire)
	}
	return xctype.Symbol(wire)
}

// appendTag appends one FIX tag=value<SOH> field to buf.
func appendTag(buf []byte, tagNum, value string) []byte {
	buf = append(buf, tagNum...)
	buf = append(buf, '=')
	buf = append(buf, value...)
	buf = append(buf, 0x01)
	return buf
}

// parseFIX splits a raw SOH-delimited FIX body into a tag->value map. It
// never fails on a malformed individual field; a field missing its "="
// separator is skipped, consistent with internal/normalize's
// total-on-input-domain discipline.
func parseFIX(frame []byte) map[string]string {
	fields := make(map[string]string)
	start := 0
	for i, b := range frame {
		if b != 0x01 {
			continue
		}
		field := frame[start:i]
		start = i + 1
		eq := -1
		for j, c := range field {
			if c == '=' {
				eq = j
				break
			}
		}
		if eq < 0 {
			continue
		}
		fields[string(field[:eq])] = string(field[eq+1:])
	}
	return fields
}
