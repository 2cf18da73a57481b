// Package normalize implements a set of pure functions converting venue
// wire payloads to canonical xctype values and back, including
// per-venue symbol aliasing. Every function here is total on its input
// domain — a malformed payload yields an empty-but-valid canonical value
// plus a describing error, never a panic that could take down a
// session, mirroring a wire-level price/size parsing discipline where
// string fields degrade to zero on bad input rather than failing the
// whole book update.
package normalize

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"xconnect/internal/xerrors"
	"xconnect/pkg/xctype"
)

// Aliases maps a venue's wire symbol spelling to the canonical form and
// back. A canonical symbol not present in either map falls through to the
// identity transform.
type Aliases struct {
	toCanonical map[string]xctype.Symbol
	toWire      map[xctype.Symbol]string
}

// NewAliases builds an Aliases table from canonical -> wire pairs.
func NewAliases(pairs map[xctype.Symbol]string) *Aliases {
	a := &Aliases{
		toCanonical: make(map[string]xctype.Symbol, len(pairs)),
		toWire:      make(map[xctype.Symbol]string, len(pairs)),
	}
	for canon, wire := range pairs {
		a.toWire[canon] = wire
		a.toCanonical[wire] = canon
	}
	return a
}

// ToCanonical maps a venue wire symbol to the canonical form. Unknown
// symbols fall back to a delimiter rewrite ("-" and "_" normalized to
// "/").
func (a *Aliases) ToCanonical(wire string) xctype.Symbol {
	if a != nil {
		if canon, ok := a.toCanonical[wire]; ok {
			return canon
		}
	}
	return xctype.Symbol(rewriteDelimiter(wire))
}

// ToWire maps a canonical symbol to the venue's wire spelling, falling
// back to the canonical spelling unchanged if no alias is registered.
func (a *Aliases) ToWire(canon xctype.Symbol) string {
	if a != nil {
		if wire, ok := a.toWire[canon]; ok {
			return wire
		}
	}
	return string(canon)
}

func rewriteDelimiter(s string) string {
	s = strings.ReplaceAll(s, "-", "/")
	s = strings.ReplaceAll(s, "_", "/")
	return s
}

// ParseDecimal converts a wire numeric string to decimal.Decimal. An
// empty string yields decimal.Zero and a nil error; a malformed string
// yields decimal.Zero and a Protocol error, never a panic.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, xerrors.Protocol("parse decimal field", err)
	}
	return d, nil
}

// ParseUnixSeconds converts a wire unix-seconds string (as many venues
// send timestamps) to an int64 millisecond value. Malformed input yields
// zero and an error.
func ParseUnixSeconds(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, xerrors.Protocol("parse timestamp field", err)
	}
	return int64(f * 1000), nil
}

// Levels converts a slice of (price, size) wire strings into canonical
// Levels, skipping any entry that fails to parse rather than aborting
// the whole ladder. The number of skipped entries is returned for the
// caller to log.
func Levels(prices, sizes []string) ([]xctype.Level, int) {
	n := len(prices)
	if len(sizes) < n {
		n = len(sizes)
	}
	out := make([]xctype.Level, 0, n)
	skipped := 0
	for i := 0; i < n; i++ {
		p, errP := decimal.NewFromString(prices[i])
		s, errS := decimal.NewFromString(sizes[i])
		if errP != nil || errS != nil {
			skipped++
			continue
		}
		out = append(out, xctype.Level{Price: p, Size: s})
	}
	return out, skipped
}

// Side normalizes a venue's upper/lowercase BUY/SELL or bid/ask spelling
// to the canonical xctype.OrderSide. Unrecognized input yields the empty
// side, leaving side recovery to the caller.
func Side(raw string) xctype.OrderSide {
	switch strings.ToLower(raw) {
	case "buy", "bid", "b":
		return xctype.Buy
	case "sell", "ask", "s":
		return xctype.Sell
	default:
		return ""
	}
}
