// Package exchange adapts per-exchange REST clients to one quote-source
// capability and composes timeouts and circuit breaking around it.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means the source had no usable observation. Callers drop
// the exchange for this tick.
var ErrUnavailable = errors.New("exchange: unavailable")

// Source is one exchange's quote capability.
type Source interface {
	Name() string
	// FetchPrice returns the current observation for m or an error wrapping
	// ErrUnavailable.
	FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error)
	// FetchHistoricalRange returns 1m klines with start <= Start < end,
	// ordered by time. Pagination is internal.
	FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error)
}

func unavailable(exchange string, m market.Market, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, exchange, m.Pair(), err)
}

// observation validates a ticker and falls back to fetch time when the
// exchange reported none.
func observation(exchange string, m market.Market, price, volume, quoteVolume decimal.Decimal, at time.Time) (market.PriceObservation, error) {
	if !price.IsPositive() {
		return market.PriceObservation{}, unavailable(exchange, m, fmt.Errorf("non-positive price %s", price))
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return market.PriceObservation{
		Exchange:    exchange,
		Pair:        m.Pair(),
		Price:       price,
		Volume:      nonNegative(volume),
		QuoteVolume: nonNegative(quoteVolume),
		ObservedAt:  at,
	}, nil
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
