package xctype

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Level is a single (price, size) pair on one side of a book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Side enumerates which side of the book a level belongs to.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// OrderSide enumerates the direction of an order or fill — distinct from
// book Side because an order's "buy"/"sell" maps onto a book side only by
// convention (a buy rests on the bid side).
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderBookSide is a sorted ladder of price levels. Asks are kept ascending
// by price (best ask first); bids are kept descending (best bid first). A
// level with size <= 0 is never visible — applying a zero-size update
// removes the level instead of inserting it.
type OrderBookSide struct {
	side   Side
	levels []Level // always kept sorted per side's convention
}

// NewOrderBookSide creates an empty ladder for the given side.
func NewOrderBookSide(side Side) *OrderBookSide {
	return &OrderBookSide{side: side}
}

// Set inserts or replaces the level at price. A size <= 0 removes the level.
func (s *OrderBookSide) Set(price, size decimal.Decimal) {
	idx := s.search(price)
	if size.Sign() <= 0 {
		if idx < len(s.levels) && s.levels[idx].Price.Equal(price) {
			s.levels = append(s.levels[:idx], s.levels[idx+1:]...)
		}
		return
	}
	if idx < len(s.levels) && s.levels[idx].Price.Equal(price) {
		s.levels[idx].Size = size
		return
	}
	s.levels = append(s.levels, Level{})
	copy(s.levels[idx+1:], s.levels[idx:])
	s.levels[idx] = Level{Price: price, Size: size}
}

// search returns the index at which price belongs, given the side's sort order.
func (s *OrderBookSide) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		if s.side == SideAsk {
			return s.levels[i].Price.GreaterThanOrEqual(price)
		}
		return s.levels[i].Price.LessThanOrEqual(price)
	})
}

// Replace discards the current ladder and installs levels wholesale,
// filtering out non-positive sizes and re-sorting per the side's convention.
func (s *OrderBookSide) Replace(levels []Level) {
	clean := make([]Level, 0, len(levels))
	for _, l := range levels {
		if l.Size.Sign() > 0 {
			clean = append(clean, l)
		}
	}
	sort.Slice(clean, func(i, j int) bool {
		if s.side == SideAsk {
			return clean[i].Price.LessThan(clean[j].Price)
		}
		return clean[i].Price.GreaterThan(clean[j].Price)
	})
	s.levels = clean
}

// Top returns the best level (lowest ask / highest bid).
func (s *OrderBookSide) Top() (Level, bool) {
	if len(s.levels) == 0 {
		return Level{}, false
	}
	return s.levels[0], true
}

// TopN returns up to n best levels, best first.
func (s *OrderBookSide) TopN(n int) []Level {
	if n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]Level, n)
	copy(out, s.levels[:n])
	return out
}

// Depth returns the number of visible levels.
func (s *OrderBookSide) Depth() int { return len(s.levels) }

// Sorted reports whether the ladder currently satisfies its side's sort
// invariant. Used by the assembler's post-delta assertion.
func (s *OrderBookSide) Sorted() bool {
	for i := 1; i < len(s.levels); i++ {
		if s.side == SideAsk {
			if s.levels[i-1].Price.GreaterThan(s.levels[i].Price) {
				return false
			}
		} else if s.levels[i-1].Price.LessThan(s.levels[i].Price) {
			return false
		}
	}
	return true
}

// OrderBook is the canonical per-symbol ladder maintained by the
// Order-Book Assembler. Timestamp is ms since epoch; Sequence is a
// monotonic counter scoped to Symbol.
type OrderBook struct {
	Symbol    Symbol
	Bids      *OrderBookSide
	Asks      *OrderBookSide
	Timestamp int64
	Sequence  int64
}

// NewOrderBook creates an empty book for symbol.
func NewOrderBook(symbol Symbol) *OrderBook {
	return &OrderBook{
		Symbol: symbol,
		Bids:   NewOrderBookSide(SideBid),
		Asks:   NewOrderBookSide(SideAsk),
	}
}

// Crossed reports whether the top ask is at or below the top bid — a state
// that is flagged by the assembler, never silently dropped.
func (b *OrderBook) Crossed() bool {
	bid, bidOK := b.Bids.Top()
	ask, askOK := b.Asks.Top()
	if !bidOK || !askOK {
		return false
	}
	return ask.Price.LessThanOrEqual(bid.Price)
}
