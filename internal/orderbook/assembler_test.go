package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/pkg/xctype"
)

func lvl(price, size float64) xctype.Level {
	return xctype.Level{Price: decimal.NewFromFloat(price), Size: decimal.NewFromFloat(size)}
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// TestSnapshotThenDelta applies a snapshot followed by a delta and checks
// the resulting ladder.
func TestSnapshotThenDelta(t *testing.T) {
	a := New(10, nil)
	symbol := xctype.Symbol("BTC/USD")

	var last Update
	a.OnUpdate = func(u Update) { last = u }

	a.ApplySnapshot(symbol,
		[]xctype.Level{lvl(100, 1), lvl(99, 2)},
		[]xctype.Level{lvl(101, 1), lvl(102, 2)},
		1000, 1, true,
	)
	if last.Sequence != 1 {
		t.Fatalf("got sequence %d, want 1", last.Sequence)
	}

	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(100), Size: d(0)}}, 1001, 2, true)
	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(99.5), Size: d(3)}}, 1002, 3, true)

	book, ok := a.Book(symbol)
	if !ok {
		t.Fatal("expected book to exist")
	}
	if book.Sequence != 3 {
		t.Fatalf("got sequence %d, want 3 (advanced by 2)", book.Sequence)
	}

	bids := book.Bids.TopN(10)
	if len(bids) != 2 {
		t.Fatalf("got %d bid levels, want 2", len(bids))
	}
	if !bids[0].Price.Equal(d(99.5)) || !bids[0].Size.Equal(d(3)) {
		t.Fatalf("top bid = %+v, want (99.5, 3)", bids[0])
	}
	if !bids[1].Price.Equal(d(99)) || !bids[1].Size.Equal(d(2)) {
		t.Fatalf("second bid = %+v, want (99, 2)", bids[1])
	}

	asks := book.Asks.TopN(10)
	if len(asks) != 2 || !asks[0].Price.Equal(d(101)) || !asks[1].Price.Equal(d(102)) {
		t.Fatalf("asks changed unexpectedly: %+v", asks)
	}
}

func TestSequenceGapTriggersResync(t *testing.T) {
	a := New(10, nil)
	symbol := xctype.Symbol("BTC/USD")

	var resynced bool
	var reason ResyncReason
	a.OnResync = func(s xctype.Symbol, r ResyncReason) {
		resynced = true
		reason = r
	}

	a.ApplySnapshot(symbol, []xctype.Level{lvl(100, 1)}, []xctype.Level{lvl(101, 1)}, 1000, 5, true)
	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(99), Size: d(1)}}, 1001, 10, true) // gap: expected 6

	if !resynced {
		t.Fatal("expected resync to be triggered")
	}
	if reason != ResyncSequenceGap {
		t.Fatalf("got reason %v", reason)
	}
}

func TestNoSequenceAcceptsUpdateWithInternalCounter(t *testing.T) {
	a := New(10, nil)
	symbol := xctype.Symbol("BTC/USD")

	a.ApplySnapshot(symbol, []xctype.Level{lvl(100, 1)}, []xctype.Level{lvl(101, 1)}, 1000, 0, false)
	book, _ := a.Book(symbol)
	firstSeq := book.Sequence

	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(99), Size: d(1)}}, 1001, 0, false)
	book, _ = a.Book(symbol)
	if book.Sequence <= firstSeq {
		t.Fatalf("expected internal sequence to advance monotonically, got %d then %d", firstSeq, book.Sequence)
	}
}

func TestCrossedBookIsFlaggedNotDropped(t *testing.T) {
	a := New(10, nil)
	symbol := xctype.Symbol("BTC/USD")

	a.ApplySnapshot(symbol, []xctype.Level{lvl(100, 1)}, []xctype.Level{lvl(101, 1)}, 1000, 1, true)

	var last Update
	a.OnUpdate = func(u Update) { last = u }
	// crossing delta: bid moves above the ask
	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(102), Size: d(1)}}, 1001, 2, true)

	if !last.Crossed {
		t.Fatal("expected crossed flag to be set")
	}
	book, _ := a.Book(symbol)
	bidTop, _ := book.Bids.Top()
	if !bidTop.Price.Equal(d(102)) {
		t.Fatal("crossing level should still be applied, not silently dropped")
	}
}

func TestZeroSizeRemovesLevel(t *testing.T) {
	a := New(10, nil)
	symbol := xctype.Symbol("BTC/USD")
	a.ApplySnapshot(symbol, []xctype.Level{lvl(100, 1), lvl(99, 2)}, nil, 1000, 1, true)
	a.ApplyDelta(symbol, []Delta{{Side: xctype.SideBid, Price: d(100), Size: d(0)}}, 1001, 2, true)

	book, _ := a.Book(symbol)
	if book.Bids.Depth() != 1 {
		t.Fatalf("got %d bid levels, want 1", book.Bids.Depth())
	}
}

func TestStaleWatchdogFires(t *testing.T) {
	a := New(10, nil)
	a.StaleAfter = 0 // anything is stale immediately
	symbol := xctype.Symbol("BTC/USD")
	a.ApplySnapshot(symbol, []xctype.Level{lvl(100, 1)}, []xctype.Level{lvl(101, 1)}, 1000, 1, true)

	var firedFor xctype.Symbol
	a.OnStale = func(s xctype.Symbol) { firedFor = s }

	a.CheckStale(time.Now().Add(time.Second))
	if firedFor != symbol {
		t.Fatalf("expected stale watchdog to fire for %s, got %s", symbol, firedFor)
	}
}
