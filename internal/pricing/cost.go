package pricing

import "github.com/shopspring/decimal"

// DefaultPrecision is the number of currency decimal places kept.
const DefaultPrecision int32 = 6

// Usage is an interaction's token breakdown.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Compute prices u and rounds half-to-even at precision decimal places.
func Compute(p Prices, u Usage, precision int32) decimal.Decimal {
	total := p.Input.Mul(decimal.NewFromInt(u.InputTokens)).
		Add(p.Output.Mul(decimal.NewFromInt(u.OutputTokens))).
		Add(p.CacheRead.Mul(decimal.NewFromInt(u.CacheReadTokens))).
		Add(p.CacheWrite.Mul(decimal.NewFromInt(u.CacheWriteTokens)))
	return total.RoundBank(precision)
}

// Cost looks up (provider, model) and computes the cost of u.
func (t *Table) Cost(provider, model string, u Usage, precision int32) (decimal.Decimal, error) {
	p, err := t.Lookup(provider, model)
	if err != nil {
		return decimal.Zero, err
	}
	return Compute(p, u, precision), nil
}

// Discrepancy describes vendor-reported cost that disagrees with the locally
// computed cost by more than the tolerance.
type Discrepancy struct {
	Reported decimal.Decimal `json:"reported"`
	Computed decimal.Decimal `json:"computed"`
	Delta    decimal.Decimal `json:"delta"`
}

// Reconcile compares reported against computed. The second return is true
// when |reported-computed| exceeds tolerance.
func Reconcile(reported, computed, tolerance decimal.Decimal) (Discrepancy, bool) {
	delta := reported.Sub(computed)
	if delta.Abs().LessThanOrEqual(tolerance) {
		return Discrepancy{}, false
	}
	return Discrepancy{Reported: reported, Computed: computed, Delta: delta}, true
}
