package polymarket

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"xconnect/internal/venue"
	"xconnect/pkg/xctype"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncodeSubscribeMarketChannel(t *testing.T) {
	auth, err := NewAuth(testPrivateKey, "", 137, SigEOA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := New(auth, nil, WithMarket("BTC/USD", "token-123", Tick001))

	frame, err := p.EncodeSubscribe("", []venue.SubscribeRequest{{Channel: "market", Symbol: "BTC/USD"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got subscribeMsg
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "market" || len(got.AssetIDs) != 1 || got.AssetIDs[0] != "token-123" {
		t.Fatalf("got %+v", got)
	}
}

func TestEncodeSubscribeUserChannelRequiresCredentials(t *testing.T) {
	auth, err := NewAuth(testPrivateKey, "", 137, SigEOA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := New(auth, nil)
	_, err = p.EncodeSubscribe("", []venue.SubscribeRequest{{Channel: "user", Symbol: "BTC/USD"}})
	if err == nil {
		t.Fatal("expected error without L2 credentials")
	}
}

func TestEncodeSubscribeUserChannelAccountWide(t *testing.T) {
	auth, err := NewAuth(testPrivateKey, "", 137, SigEOA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	auth.SetCredentials(Credentials{APIKey: "k", Secret: "s", Passphrase: "p"})
	p := New(auth, nil)

	frame, err := p.EncodeSubscribe("", []venue.SubscribeRequest{{Channel: "user"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got subscribeMsg
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != "user" || len(got.Markets) != 0 {
		t.Fatalf("got %+v, want no market scoping for an account-wide subscribe", got)
	}
}

func TestEncodeOrderBuyScalesAmounts(t *testing.T) {
	auth, err := NewAuth(testPrivateKey, "", 137, SigEOA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := New(auth, nil, WithMarket("BTC/USD", "token-123", Tick001))

	o := xctype.Order{
		InternalID: "abc", Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Limit,
		Price: decimal.NewFromFloat(0.55), Size: decimal.NewFromInt(10),
	}
	frame, err := p.EncodeOrder("", venue.OrderRequest{Op: venue.OpCreate, Order: o})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got orderPayload
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Order.TokenID != "token-123" {
		t.Fatalf("got token id %s, want token-123", got.Order.TokenID)
	}
	// cost = 10 * 0.55 = 5.5 USDC -> 5_500_000 at 6 decimals
	if got.Order.MakerAmount != "5500000" {
		t.Fatalf("got maker amount %s, want 5500000", got.Order.MakerAmount)
	}
	if got.Order.TakerAmount != "10000000" {
		t.Fatalf("got taker amount %s, want 10000000", got.Order.TakerAmount)
	}
}

func TestDecodeFrameBookEvent(t *testing.T) {
	p := New(nil, nil)
	raw := []byte(`{"event_type":"book","asset_id":"token-1","bids":[{"price":"0.5","size":"10"}],"asks":[{"price":"0.52","size":"5"}]}`)
	d, err := p.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameBookSnapshot {
		t.Fatalf("got kind %s, want snapshot", d.Kind)
	}
	if len(d.Book.Bids) != 1 || len(d.Book.Asks) != 1 {
		t.Fatalf("got book %+v", d.Book)
	}
}

func TestDecodeFrameTradeEvent(t *testing.T) {
	p := New(nil, nil)
	raw := []byte(`{"event_type":"trade","id":"t1","asset_id":"token-1","price":"0.5","size":"3","side":"BUY","timestamp":"1700000000"}`)
	d, err := p.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameTrade || d.Trade.TradeID != "t1" {
		t.Fatalf("got %+v", d)
	}
}

func TestDecodeFrameOrderEventMapsToExecutionReport(t *testing.T) {
	p := New(nil, nil)
	raw := []byte(`{"event_type":"order","id":"cid1","order_id":"oid1","asset_id":"token-1","side":"BUY","type":"UPDATE","size_matched":"2","price":"0.5","timestamp":"1700000000"}`)
	d, err := p.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameExecution {
		t.Fatalf("got kind %s, want execution", d.Kind)
	}
	if d.Report.ExchangeOrderID != "oid1" || d.Report.ClientOrderID != "cid1" {
		t.Fatalf("got report %+v", d.Report)
	}
}

func TestDecodeFrameUnknownEventType(t *testing.T) {
	p := New(nil, nil)
	raw := []byte(`{"event_type":"market_resolved"}`)
	d, err := p.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != venue.FrameHeartbeat {
		t.Fatalf("got kind %s, want heartbeat for an informational event", d.Kind)
	}
}
