// Package aggregator combines same-market exchange quotes into one price.
package aggregator

import (
	"errors"
	"sort"

	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

// ErrEmptyInput is returned when there is nothing to aggregate.
var ErrEmptyInput = errors.New("aggregator: no observations")

var two = decimal.NewFromInt(2)

// Filter removes untrustworthy observations before aggregation.
// A Filter must never return an empty slice for a non-empty input.
type Filter func([]market.PriceObservation) []market.PriceObservation

// Aggregator computes VWAP (or median when no volume is known) over
// observations of a single quote-currency market.
type Aggregator struct {
	filters []Filter
}

func New(filters ...Filter) *Aggregator {
	return &Aggregator{filters: filters}
}

// Aggregate runs the configured filters, then combines what is left.
// Totals are summed over the unfiltered input.
func (a *Aggregator) Aggregate(obs []market.PriceObservation) (market.AggregatedPrice, error) {
	if len(obs) == 0 {
		return market.AggregatedPrice{}, ErrEmptyInput
	}

	kept := obs
	for _, f := range a.filters {
		if next := f(kept); len(next) > 0 {
			kept = next
		}
	}

	out := market.AggregatedPrice{SourceCount: len(obs)}
	for _, o := range obs {
		out.TotalVolume = out.TotalVolume.Add(o.Volume)
		out.TotalQuoteVolume = out.TotalQuoteVolume.Add(o.QuoteVolume)
	}

	if hasVolume(kept) {
		if vwap, ok := VWAP(kept); ok {
			out.Price = vwap
			out.Algorithm = market.AlgorithmVWAP
			return out, nil
		}
	}

	out.Price = Median(prices(kept))
	out.Algorithm = market.AlgorithmMedian
	return out, nil
}

// Aggregate combines observations without any filtering.
func Aggregate(obs []market.PriceObservation) (market.AggregatedPrice, error) {
	return New().Aggregate(obs)
}

// VWAP returns Σ(price·w)/Σw where w is the quote volume when positive and
// the base volume otherwise. ok is false when every weight is zero.
func VWAP(obs []market.PriceObservation) (price decimal.Decimal, ok bool) {
	var num, den decimal.Decimal
	for _, o := range obs {
		w := weight(o)
		if !w.IsPositive() {
			continue
		}
		num = num.Add(o.Price.Mul(w))
		den = den.Add(w)
	}
	if den.IsZero() {
		return decimal.Zero, false
	}
	return num.Div(den), true
}

// Median returns the middle value, or the mean of the two middle values for
// an even count. The input slice is not modified.
func Median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two)
}

func weight(o market.PriceObservation) decimal.Decimal {
	if o.QuoteVolume.IsPositive() {
		return o.QuoteVolume
	}
	return o.Volume
}

func hasVolume(obs []market.PriceObservation) bool {
	for _, o := range obs {
		if o.Volume.IsPositive() {
			return true
		}
	}
	return false
}

func prices(obs []market.PriceObservation) []decimal.Decimal {
	out := make([]decimal.Decimal, len(obs))
	for i, o := range obs {
		out[i] = o.Price
	}
	return out
}
