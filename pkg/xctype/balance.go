package xctype

import "github.com/shopspring/decimal"

// balanceTolerance is the allowed discrepancy between Available+Reserved
// and Total when a venue reports inconsistent balances. Total is always
// trusted; the invariant check is advisory (logged, not enforced).
var balanceTolerance = decimal.NewFromFloat(0.00000001)

// Balance is a single asset's accounting split.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
}

// Consistent reports whether Available+Reserved equals Total within
// balanceTolerance. Callers that find it false should log a warning and
// trust Total.
func (b Balance) Consistent() bool {
	sum := b.Available.Add(b.Reserved)
	diff := sum.Sub(b.Total).Abs()
	return diff.LessThanOrEqual(balanceTolerance)
}
