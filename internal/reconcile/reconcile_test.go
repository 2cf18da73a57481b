package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/internal/collaborator"
	"xconnect/internal/order"
	"xconnect/pkg/xctype"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newHarness(t *testing.T) (*Reconciler, *order.Manager, *collaborator.MemoryStore) {
	t.Helper()
	store := collaborator.NewMemoryStore()
	known := func(xctype.Symbol) bool { return true }
	mgr := order.New(store, known, nil)
	rec := New("sess-1", mgr, store, nil, nil)
	return rec, mgr, store
}

func openOrder(t *testing.T, mgr *order.Manager, side xctype.OrderSide, size float64) xctype.Order {
	t.Helper()
	o, err := mgr.Create(context.Background(), order.CreateRequest{
		Symbol: "BTC/USD", Side: side, Type: xctype.Market, Size: d(size), SessionID: "sess-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	o, err = mgr.Acknowledge(context.Background(), o.InternalID, "EX-"+o.InternalID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := mgr.AdvanceStatus(context.Background(), o.InternalID, xctype.Open); err != nil {
		t.Fatalf("advance to open: %v", err)
	}
	return o
}

func TestApplyFillByClientOrderID(t *testing.T) {
	rec, mgr, _ := newHarness(t)
	o := openOrder(t, mgr, xctype.Buy, 10)

	err := rec.Apply(context.Background(), Report{
		ExecType:      ExecTrade,
		ClientOrderID: o.InternalID,
		CumulativeQty: d(4),
		LastFillQty:   d(4),
		LastFillPrice: d(100),
		Timestamp:     time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := mgr.Get(o.InternalID)
	if !ok {
		t.Fatal("expected order still live after partial fill")
	}
	if got.Status != xctype.PartiallyFilled {
		t.Fatalf("got status %s", got.Status)
	}
}

func TestApplyFillByExchangeOrderIDMapping(t *testing.T) {
	rec, mgr, _ := newHarness(t)
	o := openOrder(t, mgr, xctype.Buy, 10)

	err := rec.Apply(context.Background(), Report{
		ExecType:        ExecTrade,
		ExchangeOrderID: o.ExchangeID,
		CumulativeQty:   d(10),
		LastFillQty:     d(10),
		LastFillPrice:   d(100),
		Timestamp:       time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := mgr.Get(o.InternalID); ok {
		t.Fatal("expected order to be filled and removed from live set")
	}
}

func TestTerminalReportCancelsOrder(t *testing.T) {
	rec, mgr, _ := newHarness(t)
	o := openOrder(t, mgr, xctype.Buy, 10)

	err := rec.Apply(context.Background(), Report{
		ExecType:        ExecCanceled,
		ClientOrderID:   o.InternalID,
		Timestamp:       time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := mgr.Get(o.InternalID); ok {
		t.Fatal("cancelled order should be removed from live set")
	}
}

func TestUnknownExecutionReportEmitsUnreconciled(t *testing.T) {
	rec, _, _ := newHarness(t)

	var captured *xctype.UnreconciledExchangeUpdatePayload
	rec.OnUnreconciled = func(p xctype.UnreconciledExchangeUpdatePayload) { captured = &p }

	err := rec.Apply(context.Background(), Report{
		ExecType:        ExecTrade,
		ExchangeOrderID: "EX-UNKNOWN",
		CumulativeQty:   d(1),
		LastFillQty:     d(1),
		LastFillPrice:   d(50),
		Timestamp:       time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured == nil {
		t.Fatal("expected an UnreconciledExchangeUpdate to be emitted")
	}
	if captured.Kind != xctype.UnreconciledFill {
		t.Fatalf("got kind %s, want fill", captured.Kind)
	}
}

func TestZeroSizeUpdateIsDiscarded(t *testing.T) {
	rec, mgr, _ := newHarness(t)
	o := openOrder(t, mgr, xctype.Buy, 10)

	err := rec.Apply(context.Background(), Report{
		ExecType:      ExecTrade,
		ClientOrderID: o.InternalID,
		CumulativeQty: decimal.Zero,
		LastFillQty:   decimal.Zero,
		LastFillPrice: decimal.Zero,
		Timestamp:     time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := mgr.Get(o.InternalID)
	if !ok || got.Status != xctype.Open {
		t.Fatalf("expected order untouched at OPEN, got %+v ok=%v", got, ok)
	}
}

func TestDuplicateFillIsSuppressed(t *testing.T) {
	rec, mgr, _ := newHarness(t)
	o := openOrder(t, mgr, xctype.Buy, 10)
	ts := time.Now()

	rep := Report{
		ExecType:      ExecTrade,
		ClientOrderID: o.InternalID,
		CumulativeQty: d(4),
		LastFillQty:   d(4),
		LastFillPrice: d(100),
		Timestamp:     ts,
	}
	if err := rec.Apply(context.Background(), rep); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := rec.Apply(context.Background(), rep); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	got, _ := mgr.Get(o.InternalID)
	if !got.FilledSize.Equal(d(4)) {
		t.Fatalf("got filled size %s, want 4 (duplicate must not double-apply)", got.FilledSize)
	}
}

func TestFeeReconstructionWhenNoExplicitFee(t *testing.T) {
	store := collaborator.NewMemoryStore()
	known := func(xctype.Symbol) bool { return true }
	mgr := order.New(store, known, nil)
	feeRate := func(symbol xctype.Symbol, liq xctype.LiquidityIndicator) decimal.Decimal {
		return d(0.001)
	}
	rec := New("sess-1", mgr, store, feeRate, nil)
	o := openOrder(t, mgr, xctype.Buy, 10)

	var event xctype.OrderUpdatePayload
	mgr.OnEvent = func(_ xctype.EventType, p xctype.OrderUpdatePayload) { event = p }

	err := rec.Apply(context.Background(), Report{
		ExecType:      ExecTrade,
		ClientOrderID: o.InternalID,
		CumulativeQty: d(4),
		LastFillQty:   d(4),
		LastFillPrice: d(100),
		Liquidity:     xctype.Taker,
		Timestamp:     time.Now(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Fill == nil || !event.Fill.Fee.Reconstructed {
		t.Fatal("expected fee to be marked reconstructed")
	}
	wantAmount := d(4).Mul(d(100)).Mul(d(0.001))
	if !event.Fill.Fee.Amount.Equal(wantAmount) {
		t.Fatalf("got fee amount %s, want %s", event.Fill.Fee.Amount, wantAmount)
	}
}
