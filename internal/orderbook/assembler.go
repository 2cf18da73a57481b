// Package orderbook implements an incremental order-book assembler: it
// maintains, per symbol, a sorted bid/ask ladder from snapshots and
// deltas, enforces sequence integrity, and emits normalized
// OrderBookUpdate events. The snapshot/delta split generalizes a
// book-maintenance shape built around opaque wire-string levels into
// sorted decimal ladders, adding sequence-gap resync, a crossed-book
// flag, and a stale-data watchdog.
package orderbook

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xconnect/pkg/xctype"
)

// DefaultDepth is the top-N depth included in emitted updates.
const DefaultDepth = 10

// DefaultStaleAfter is how long a symbol may go without a message before
// the watchdog considers the connection stale.
const DefaultStaleAfter = 30 * time.Second

// ResyncReason explains why Assembler requested a resync for a symbol.
type ResyncReason string

const (
	ResyncSequenceGap ResyncReason = "sequence_gap"
)

// Update is the event emitted after every applied delta or snapshot.
type Update struct {
	Symbol    xctype.Symbol
	Bids      []xctype.Level
	Asks      []xctype.Level
	Timestamp int64
	Sequence  int64
	Crossed   bool
}

// Delta is one (side, price, size) tuple from an incremental update.
type Delta struct {
	Side  xctype.Side
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Assembler maintains canonical ladders for every subscribed symbol.
type Assembler struct {
	mu     sync.Mutex
	books  map[xctype.Symbol]*bookState
	depth  int
	logger *slog.Logger

	// OnUpdate is invoked (outside the lock) after every applied delta or
	// snapshot.
	OnUpdate func(Update)
	// OnResync is invoked when sequence integrity is violated for a
	// symbol; the caller is expected to unsubscribe/resubscribe or await
	// a fresh snapshot.
	OnResync func(symbol xctype.Symbol, reason ResyncReason)
	// OnStale is invoked when the watchdog finds a symbol has not
	// received a message for longer than StaleAfter; the caller recycles
	// the whole connection.
	OnStale func(symbol xctype.Symbol)

	StaleAfter time.Duration

	internalSeq int64 // used when the venue provides no sequence
}

type bookState struct {
	book       *xctype.OrderBook
	lastSeq    int64
	haveSeq    bool
	lastMsgAt  time.Time
}

// New creates an Assembler emitting top-depth levels per update.
func New(depth int, logger *slog.Logger) *Assembler {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		books:      make(map[xctype.Symbol]*bookState),
		depth:      depth,
		logger:     logger.With("component", "orderbook_assembler"),
		StaleAfter: DefaultStaleAfter,
	}
}

// ApplySnapshot replaces the symbol's entire ladder and records sequence.
func (a *Assembler) ApplySnapshot(symbol xctype.Symbol, bids, asks []xctype.Level, timestamp int64, sequence int64, hasSequence bool) {
	a.mu.Lock()
	st := a.stateLocked(symbol)
	st.book.Bids.Replace(bids)
	st.book.Asks.Replace(asks)
	st.book.Timestamp = timestamp
	st.lastMsgAt = time.Now()

	if hasSequence {
		st.book.Sequence = sequence
		st.lastSeq = sequence
		st.haveSeq = true
	} else {
		a.internalSeq++
		st.book.Sequence = a.internalSeq
	}

	update := a.snapshotUpdateLocked(st)
	a.mu.Unlock()

	if a.OnUpdate != nil {
		a.OnUpdate(update)
	}
}

// ApplyDelta applies one incremental update for symbol. If the venue
// supplies a sequence number that is not exactly lastApplied+1, a resync is
// triggered via OnResync and the delta is still applied optimistically
// (the caller is expected to follow up with a fresh snapshot).
func (a *Assembler) ApplyDelta(symbol xctype.Symbol, deltas []Delta, timestamp int64, sequence int64, hasSequence bool) {
	a.mu.Lock()
	st := a.stateLocked(symbol)
	st.lastMsgAt = time.Now()

	resync := false
	if hasSequence {
		if st.haveSeq && sequence != st.lastSeq+1 {
			resync = true
		}
		st.lastSeq = sequence
		st.haveSeq = true
		st.book.Sequence = sequence
	} else {
		a.internalSeq++
		st.book.Sequence = a.internalSeq
	}

	for _, d := range deltas {
		side := st.book.Bids
		if d.Side == xctype.SideAsk {
			side = st.book.Asks
		}
		side.Set(d.Price, d.Size)
	}
	st.book.Timestamp = timestamp

	crossed := st.book.Crossed()
	sortedOK := st.book.Bids.Sorted() && st.book.Asks.Sorted()
	update := a.snapshotUpdateLocked(st)
	a.mu.Unlock()

	if !sortedOK {
		a.logger.Error("order book ladder lost sort invariant", "symbol", symbol)
	}
	if crossed {
		a.logger.Warn("crossed order book", "symbol", symbol)
	}

	if a.OnUpdate != nil {
		a.OnUpdate(update)
	}
	if resync && a.OnResync != nil {
		a.OnResync(symbol, ResyncSequenceGap)
	}
}

func (a *Assembler) stateLocked(symbol xctype.Symbol) *bookState {
	st, ok := a.books[symbol]
	if !ok {
		st = &bookState{book: xctype.NewOrderBook(symbol)}
		a.books[symbol] = st
	}
	return st
}

func (a *Assembler) snapshotUpdateLocked(st *bookState) Update {
	return Update{
		Symbol:    st.book.Symbol,
		Bids:      st.book.Bids.TopN(a.depth),
		Asks:      st.book.Asks.TopN(a.depth),
		Timestamp: st.book.Timestamp,
		Sequence:  st.book.Sequence,
		Crossed:   st.book.Crossed(),
	}
}

// Book returns the current state of symbol's book, or false if no
// snapshot has ever been applied.
func (a *Assembler) Book(symbol xctype.Symbol) (*xctype.OrderBook, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.books[symbol]
	if !ok {
		return nil, false
	}
	return st.book, true
}

// Forget destroys the ladder for symbol; called on disconnect unless the
// session resynchronizes.
func (a *Assembler) Forget(symbol xctype.Symbol) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.books, symbol)
}

// CheckStale scans every tracked symbol and invokes OnStale for any whose
// last message exceeds StaleAfter. Intended to be called on a periodic
// tick by the owning Session Machine.
func (a *Assembler) CheckStale(now time.Time) {
	a.mu.Lock()
	stale := make([]xctype.Symbol, 0)
	for sym, st := range a.books {
		if now.Sub(st.lastMsgAt) > a.StaleAfter {
			stale = append(stale, sym)
		}
	}
	a.mu.Unlock()

	for _, sym := range stale {
		if a.OnStale != nil {
			a.OnStale(sym)
		}
	}
}
