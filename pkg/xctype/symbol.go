// Package xctype defines the canonical data model shared across every
// venue adapter — order books, orders, fills, balances, and the events
// emitted to strategies. It has no dependency on internal packages, so
// it can be imported by any layer, including external collaborators.
package xctype

import "strings"

// Symbol is the canonical "BASE/QUOTE" form, e.g. "BTC/USD". Venue-specific
// aliases ("XBT/USD", "BTC-USD") are accepted only at the Normalizer boundary
// and never flow past it.
type Symbol string

// Base returns the base asset of the symbol ("BTC" for "BTC/USD").
func (s Symbol) Base() string {
	base, _, _ := strings.Cut(string(s), "/")
	return base
}

// Quote returns the quote asset of the symbol ("USD" for "BTC/USD").
func (s Symbol) Quote() string {
	_, quote, _ := strings.Cut(string(s), "/")
	return quote
}

// Valid reports whether the symbol is in canonical BASE/QUOTE form.
func (s Symbol) Valid() bool {
	base, quote, ok := strings.Cut(string(s), "/")
	return ok && base != "" && quote != ""
}

func (s Symbol) String() string { return string(s) }
