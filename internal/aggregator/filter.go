package aggregator

import (
	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DeviationFilter drops observations whose price is more than pct percent
// away from the median of the set. pct <= 0 disables the filter.
func DeviationFilter(pct float64) Filter {
	limit := decimal.NewFromFloat(pct)
	return func(obs []market.PriceObservation) []market.PriceObservation {
		if !limit.IsPositive() || len(obs) < 3 {
			return obs
		}
		median := Median(prices(obs))
		if median.IsZero() {
			return obs
		}

		kept := make([]market.PriceObservation, 0, len(obs))
		for _, o := range obs {
			dev := o.Price.Sub(median).Abs().Div(median).Mul(hundred)
			if dev.LessThanOrEqual(limit) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			return obs
		}
		return kept
	}
}
