package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/internal/collaborator"
	"xconnect/pkg/xctype"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newTestManager() (*Manager, *collaborator.MemoryStore) {
	store := collaborator.NewMemoryStore()
	known := func(s xctype.Symbol) bool { return s == "BTC/USD" }
	return New(store, known, nil), store
}

func TestCreateRejectsLimitWithoutPrice(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Limit, Size: d(1),
	})
	if err == nil {
		t.Fatal("expected validation error for missing price")
	}
}

func TestCreateRejectsUnknownSymbol(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		Symbol: "ETH/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	if err == nil {
		t.Fatal("expected validation error for unknown symbol")
	}
}

func TestCreateAppliesPerSideTTLDefaults(t *testing.T) {
	m, _ := newTestManager()
	buy, err := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buy.TTL != DefaultBuyTTL {
		t.Fatalf("got buy ttl %v, want %v", buy.TTL, DefaultBuyTTL)
	}

	sell, err := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Sell, Type: xctype.Market, Size: d(1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sell.TTL != DefaultSellTTL {
		t.Fatalf("got sell ttl %v, want %v", sell.TTL, DefaultSellTTL)
	}
}

func TestCreateHonorsExplicitTTLOverOverrides(t *testing.T) {
	store := collaborator.NewMemoryStore()
	known := func(s xctype.Symbol) bool { return true }
	m := New(store, known, nil, WithTTLOverrides(5*time.Second, 50*time.Second))

	o, err := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1), TTL: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.TTL != 2*time.Second {
		t.Fatalf("got ttl %v, want explicit 2s", o.TTL)
	}

	o2, err := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o2.TTL != 5*time.Second {
		t.Fatalf("got ttl %v, want overridden buy default 5s", o2.TTL)
	}
}

func TestAcknowledgeRecordsExchangeID(t *testing.T) {
	m, store := newTestManager()
	o, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})

	acked, err := m.Acknowledge(context.Background(), o.InternalID, "EX-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.ExchangeID != "EX-1" {
		t.Fatalf("got exchange id %q", acked.ExchangeID)
	}

	got, ok, err := store.GetByID(context.Background(), o.InternalID)
	if err != nil || !ok {
		t.Fatalf("expected stored order, err=%v ok=%v", err, ok)
	}
	if got.ExchangeID != "EX-1" {
		t.Fatalf("store has exchange id %q, want EX-1", got.ExchangeID)
	}
}

func TestRequestCancelSetsPendingCancel(t *testing.T) {
	m, _ := newTestManager()
	o, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	m.AdvanceStatus(context.Background(), o.InternalID, xctype.Open)

	cancelled, err := m.RequestCancel(context.Background(), o.InternalID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != xctype.PendingCancel {
		t.Fatalf("got status %s, want PENDING_CANCEL", cancelled.Status)
	}
}

func TestRequestCancelRejectsTerminalOrder(t *testing.T) {
	m, _ := newTestManager()
	o, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	m.AdvanceStatus(context.Background(), o.InternalID, xctype.Open)
	m.AdvanceStatus(context.Background(), o.InternalID, xctype.Cancelled)

	if _, err := m.RequestCancel(context.Background(), o.InternalID); err == nil {
		t.Fatal("expected error cancelling an already-terminal order")
	}
}

func TestApplyFillPartialThenFull(t *testing.T) {
	m, _ := newTestManager()
	o, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(10),
	})
	m.AdvanceStatus(context.Background(), o.InternalID, xctype.Open)

	var lastEvent xctype.EventType
	m.OnEvent = func(t xctype.EventType, p xctype.OrderUpdatePayload) { lastEvent = t }

	partial, err := m.ApplyFill(context.Background(), o.InternalID, d(4), xctype.Fill{
		FillID: "f1", InternalOrderID: o.InternalID, Size: d(4), Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if partial.Status != xctype.PartiallyFilled {
		t.Fatalf("got status %s, want PARTIALLY_FILLED", partial.Status)
	}
	if !partial.RemainingSize.Equal(d(6)) {
		t.Fatalf("got remaining %s, want 6", partial.RemainingSize)
	}
	if lastEvent != xctype.EventOrderPartiallyFilled {
		t.Fatalf("got event %s, want OrderPartiallyFilled", lastEvent)
	}

	full, err := m.ApplyFill(context.Background(), o.InternalID, d(10), xctype.Fill{
		FillID: "f2", InternalOrderID: o.InternalID, Size: d(6), Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full.Status != xctype.Filled {
		t.Fatalf("got status %s, want FILLED", full.Status)
	}
	if !full.Invariant() {
		t.Fatal("expected filled_size + remaining_size == size")
	}
	if lastEvent != xctype.EventOrderFilled {
		t.Fatalf("got event %s, want OrderFilled", lastEvent)
	}

	if _, ok := m.Get(o.InternalID); ok {
		t.Fatal("filled order should be removed from the live cache")
	}
}

func TestSweepExpiredAdvancesPastDeadlineOrders(t *testing.T) {
	m, _ := newTestManager()
	o, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1), TTL: time.Millisecond,
	})
	m.AdvanceStatus(context.Background(), o.InternalID, xctype.Open)

	expired := m.SweepExpired(context.Background(), time.Now().Add(time.Hour))
	if len(expired) != 1 || expired[0].InternalID != o.InternalID {
		t.Fatalf("expected order to be swept as expired, got %+v", expired)
	}
	if expired[0].Status != xctype.Expired {
		t.Fatalf("got status %s, want EXPIRED", expired[0].Status)
	}
}

func TestLiveExcludesTerminalOrders(t *testing.T) {
	m, _ := newTestManager()
	o1, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Buy, Type: xctype.Market, Size: d(1),
	})
	o2, _ := m.Create(context.Background(), CreateRequest{
		Symbol: "BTC/USD", Side: xctype.Sell, Type: xctype.Market, Size: d(1),
	})
	m.AdvanceStatus(context.Background(), o2.InternalID, xctype.Rejected)

	live := m.Live()
	if len(live) != 1 || live[0].InternalID != o1.InternalID {
		t.Fatalf("got %+v, want only %s", live, o1.InternalID)
	}
}
