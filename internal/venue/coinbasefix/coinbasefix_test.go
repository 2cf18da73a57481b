package coinbasefix

import (
	"testing"

	"github.com/quickfixgo/quickfix"
	"github.com/shopspring/decimal"

	"xconnect/internal/normalize"
	"xconnect/internal/venue"
	"xconnect/pkg/xctype"
)

func testCreds() Credentials {
	return Credentials{
		APIKey:       "key-1",
		APISecret:    "c2VjcmV0", // base64 "secret"
		Passphrase:   "pass-1",
		SenderCompID: "SENDER",
		TargetCompID: "TARGET",
	}
}

func TestSignerIgnoresNonLogonMessages(t *testing.T) {
	p := New(testCreds(), nil)
	msg := quickfix.NewMessage()
	msg.Header.SetString(tagMsgType, msgTypeExecutionReport)

	p.Signer()(msg)

	if v, err := msg.Body.GetString(tagRawData); err == nil && v != "" {
		t.Fatalf("expected no signature stamped on a non-logon message, got %q", v)
	}
}

func TestSignerStampsLogonFields(t *testing.T) {
	p := New(testCreds(), nil)
	msg := quickfix.NewMessage()
	msg.Header.SetString(tagMsgType, msgTypeLogon)
	msg.Header.SetString(tagMsgSeqNum, "1")

	p.Signer()(msg)

	if v, _ := msg.Body.GetString(tagRawData); v == "" {
		t.Fatal("expected a signature stamped on the logon message")
	}
	if v, _ := msg.Body.GetString(tagUsername); v != "key-1" {
		t.Fatalf("got username %q, want key-1", v)
	}
	if v, _ := msg.Header.GetString(tagSenderCompID); v != "SENDER" {
		t.Fatalf("got sender comp id %q, want SENDER", v)
	}
}

func TestEncodeOrderLimitBuy(t *testing.T) {
	p := New(testCreds(), nil)
	o := xctype.Order{
		InternalID: "cid-1", Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Limit,
		Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(2),
	}
	frame, err := p.EncodeOrder("r1", venue.OrderRequest{Op: venue.OpCreate, Order: o})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := parseFIX(frame)
	if fields["54"] != "1" {
		t.Fatalf("got side %q, want buy code 1", fields["54"])
	}
	if fields["44"] != "100" {
		t.Fatalf("got price %q, want 100", fields["44"])
	}
	if fields["40"] != "2" {
		t.Fatalf("got ord type %q, want limit code 2", fields["40"])
	}
}

func TestEncodeOrderCancel(t *testing.T) {
	p := New(testCreds(), nil)
	o := xctype.Order{InternalID: "cid-1", ExchangeID: "oid-1", Symbol: "BTC/USD"}
	frame, err := p.EncodeOrder("r2", venue.OrderRequest{Op: venue.OpCancel, Order: o})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fields := parseFIX(frame)
	if fields["41"] != "oid-1" {
		t.Fatalf("got orig cl ord id %q, want oid-1", fields["41"])
	}
}

func TestEncodeOrderRejectsUnknownOp(t *testing.T) {
	p := New(testCreds(), nil)
	_, err := p.EncodeOrder("r3", venue.OrderRequest{Op: venue.OrderOp("bogus")})
	if err == nil {
		t.Fatal("expected error for unknown order op")
	}
}

func TestDecodeFrameExecutionReport(t *testing.T) {
	p := New(testCreds(), nil, WithAliases(normalize.NewAliases(map[xctype.Symbol]string{"BTC/USD": "BTC-USD"})))
	frame := buildFrame(map[string]string{
		"35": "8", "150": "F", "37": "oid-1", "11": "cid-1", "55": "BTC-USD",
		"54": "1", "14": "2", "32": "1", "31": "100", "851": "1",
		"60": "1700000000", "17": "exec-1",
	})
	d, err := p.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameExecution {
		t.Fatalf("got kind %s, want execution", d.Kind)
	}
	if d.Report.Symbol != "BTC/USD" {
		t.Fatalf("got symbol %s, want aliased BTC/USD", d.Report.Symbol)
	}
	if d.Report.ExecType != "filled" {
		t.Fatalf("got exec type %s, want filled", d.Report.ExecType)
	}
	if d.Report.Liquidity != xctype.Maker {
		t.Fatalf("got liquidity %s, want maker", d.Report.Liquidity)
	}
}

func TestDecodeFrameMarketDataSnapshot(t *testing.T) {
	p := New(testCreds(), nil)
	frame := buildFrame(map[string]string{"35": "W", "55": "BTC/USD"})
	d, err := p.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameBookSnapshot {
		t.Fatalf("got kind %s, want snapshot", d.Kind)
	}
}

func TestDecodeFrameHeartbeat(t *testing.T) {
	p := New(testCreds(), nil)
	frame := buildFrame(map[string]string{"35": "0"})
	d, err := p.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameHeartbeat {
		t.Fatalf("got kind %s, want heartbeat", d.Kind)
	}
}

func TestDecodeFrameUnknownMsgType(t *testing.T) {
	p := New(testCreds(), nil)
	frame := buildFrame(map[string]string{"35": "Z"})
	d, err := p.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameUnknown {
		t.Fatalf("got kind %s, want unknown", d.Kind)
	}
}

func buildFrame(fields map[string]string) []byte {
	var buf []byte
	for tag, val := range fields {
		buf = appendTag(buf, tag, val)
	}
	return buf
}

func TestFeeRulesAndSymbolRulesOptions(t *testing.T) {
	rule := venue.SymbolRule{TickSize: decimal.NewFromFloat(0.01)}
	p := New(testCreds(), nil,
		WithSymbolRule("BTC/USD", rule),
		WithFeeRate(xctype.Maker, decimal.NewFromFloat(0.001)),
	)
	got, ok := p.SymbolRules("BTC/USD")
	if !ok || !got.TickSize.Equal(rule.TickSize) {
		t.Fatalf("got rule %+v, ok=%v", got, ok)
	}
	if rate := p.FeeRules("BTC/USD", xctype.Maker); !rate.Equal(decimal.NewFromFloat(0.001)) {
		t.Fatalf("got fee rate %s, want 0.001", rate)
	}
}
