package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BucketSize is the width of one candle.
const BucketSize = time.Minute

var ErrInvalidCandle = errors.New("invalid candle")

// BucketStart truncates t to the start of its one-minute bucket in UTC.
func BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(BucketSize)
}

// Candle is a finalized (or flush-ready) one-minute OHLCV row for a market.
// The pair (Time, Market.Symbol()) is unique in the durable store.
type Candle struct {
	Market      Market
	Time        time.Time // bucket start
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	SourceCount int

	// ClosedAt orders competing writes for the same bucket: the write
	// with the later ClosedAt owns Close and the volumes.
	ClosedAt time.Time
}

// Validate reports whether the candle holds a usable OHLC shape.
func (c Candle) Validate() error {
	switch {
	case c.Market.Base == "" || c.Market.Quote == "":
		return fmt.Errorf("%w: missing market", ErrInvalidCandle)
	case c.Time.IsZero():
		return fmt.Errorf("%w: %s missing bucket time", ErrInvalidCandle, c.Market)
	case !c.Open.IsPositive() || !c.Close.IsPositive():
		return fmt.Errorf("%w: %s missing open or close", ErrInvalidCandle, c.Market)
	case c.Low.GreaterThan(c.High):
		return fmt.Errorf("%w: %s low %s above high %s", ErrInvalidCandle, c.Market, c.Low, c.High)
	case c.Open.GreaterThan(c.High) || c.Close.GreaterThan(c.High):
		return fmt.Errorf("%w: %s open/close above high", ErrInvalidCandle, c.Market)
	case c.Open.LessThan(c.Low) || c.Close.LessThan(c.Low):
		return fmt.Errorf("%w: %s open/close below low", ErrInvalidCandle, c.Market)
	}
	return nil
}

// Merge folds incoming into existing for the same (Time, Symbol) key.
// High and low only move outward, open is kept from the row that was
// written first, close and volumes come from the later ClosedAt
// (ties go to incoming). Merge(x, x) == x.
func Merge(existing, incoming Candle) Candle {
	out := existing
	out.High = decimal.Max(existing.High, incoming.High)
	out.Low = decimal.Min(existing.Low, incoming.Low)
	if !incoming.ClosedAt.Before(existing.ClosedAt) {
		out.Close = incoming.Close
		out.Volume = incoming.Volume
		out.QuoteVolume = incoming.QuoteVolume
		out.ClosedAt = incoming.ClosedAt
	}
	if incoming.SourceCount > out.SourceCount {
		out.SourceCount = incoming.SourceCount
	}
	return out
}
