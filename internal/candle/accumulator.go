// Package candle folds aggregated price ticks into the in-flight one-minute
// candles of each market and hands snapshots to the flush path.
//
// A market is either Empty (no record in the fast tier) or Open. Ticks move
// Empty to Open and keep Open updated. A tick from a later minute seals the
// open bucket instead of folding into it; sealed buckets wait in the record
// until a confirmed durable write lets Release or Clear drop them.
package candle

import (
	"context"
	"fmt"
	"time"

	"candlecollector/internal/faststore"
	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Snapshot is a point-in-time copy of an Open market. Version ties it to
// the fast-tier record it was read from.
type Snapshot struct {
	Candle  market.Candle   // the open bucket
	Sealed  []market.Candle // closed buckets not yet persisted, oldest first
	Version int64
}

// Candles returns the sealed buckets followed by the open one.
func (s Snapshot) Candles() []market.Candle {
	return append(append([]market.Candle(nil), s.Sealed...), s.Candle)
}

type Accumulator struct {
	store  faststore.Store
	logger *zap.Logger
}

func NewAccumulator(store faststore.Store, logger *zap.Logger) *Accumulator {
	return &Accumulator{store: store, logger: logger}
}

// Fold applies one tick to the current record and returns the record to
// store, or nil when the tick belongs to a bucket older than the open one.
// A nil or structurally broken record starts a new candle at the tick's
// bucket, keeping whatever was already sealed.
func Fold(cur *faststore.Record, p market.AggregatedPrice, at time.Time) *faststore.Record {
	bucket := market.BucketStart(at)

	if cur == nil || !cur.Open.IsPositive() || !cur.Close.IsPositive() || cur.BucketStart.IsZero() {
		next := openBucket(p, bucket, at)
		if cur != nil {
			next.Sealed = append([]faststore.SealedCandle(nil), cur.Sealed...)
		}
		return next
	}

	switch {
	case bucket.Before(cur.BucketStart):
		return nil

	case bucket.After(cur.BucketStart):
		next := openBucket(p, bucket, at)
		next.Sealed = append(append([]faststore.SealedCandle(nil), cur.Sealed...), cur.Seal())
		if cur.SourceCount == p.SourceCount {
			next.Volume = growth(cur.VolumeMark, p.TotalVolume)
			next.QuoteVolume = growth(cur.QuoteVolumeMark, p.TotalQuoteVolume)
		}
		return next
	}

	next := *cur
	next.Sealed = append([]faststore.SealedCandle(nil), cur.Sealed...)
	next.High = decimal.Max(cur.High, p.Price)
	next.Low = decimal.Min(cur.Low, p.Price)
	next.Close = p.Price
	if cur.SourceCount == p.SourceCount {
		next.Volume = cur.Volume.Add(growth(cur.VolumeMark, p.TotalVolume))
		next.QuoteVolume = cur.QuoteVolume.Add(growth(cur.QuoteVolumeMark, p.TotalQuoteVolume))
	}
	next.VolumeMark = p.TotalVolume
	next.QuoteVolumeMark = p.TotalQuoteVolume
	next.SourceCount = p.SourceCount
	next.UpdatedAt = at.UTC()
	return &next
}

func openBucket(p market.AggregatedPrice, bucket, at time.Time) *faststore.Record {
	return &faststore.Record{
		Open:            p.Price,
		High:            p.Price,
		Low:             p.Price,
		Close:           p.Price,
		Volume:          decimal.Zero,
		QuoteVolume:     decimal.Zero,
		VolumeMark:      p.TotalVolume,
		QuoteVolumeMark: p.TotalQuoteVolume,
		BucketStart:     bucket,
		UpdatedAt:       at.UTC(),
		SourceCount:     p.SourceCount,
	}
}

// growth is the increase of an exchange-reported cumulative total since
// the previous tick. Rolling 24h totals can shrink; that counts as zero.
func growth(mark, total decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() || total.LessThanOrEqual(mark) {
		return decimal.Zero
	}
	return total.Sub(mark)
}

// Tick folds an aggregated price into the market's in-flight candle and
// returns the open bucket.
func (a *Accumulator) Tick(ctx context.Context, m market.Market, p market.AggregatedPrice, at time.Time) (market.Candle, error) {
	if !p.Price.IsPositive() {
		return market.Candle{}, fmt.Errorf("tick %s: non-positive price %s", m, p.Price)
	}
	stale := false
	rec, err := a.store.Update(ctx, m.Symbol(), func(cur *faststore.Record) (*faststore.Record, error) {
		next := Fold(cur, p, at)
		stale = next == nil
		return next, nil
	})
	if err != nil {
		return market.Candle{}, fmt.Errorf("tick %s: %w", m, err)
	}
	if stale {
		a.logger.Debug("dropping tick older than the open bucket",
			zap.String("symbol", m.Symbol()), zap.Time("at", at), zap.Time("bucket", rec.BucketStart))
	}
	return ToCandle(m, rec), nil
}

// RecordQuote writes one exchange observation to the side channel. Errors
// are logged and swallowed: the side channel never blocks candle updates.
func (a *Accumulator) RecordQuote(ctx context.Context, o market.PriceObservation) {
	q := faststore.ExchangeQuote{
		Open:        o.Price,
		High:        o.Price,
		Low:         o.Price,
		Close:       o.Price,
		Volume:      o.Volume,
		QuoteVolume: o.QuoteVolume,
		Timestamp:   o.ObservedAt,
	}
	if err := a.store.PutExchangeQuote(ctx, o.Pair, o.Exchange, q); err != nil {
		a.logger.Warn("failed to record exchange quote",
			zap.String("pair", o.Pair), zap.String("exchange", o.Exchange), zap.Error(err))
	}
}

// OpenMarkets lists markets that currently hold an in-flight candle.
func (a *Accumulator) OpenMarkets(ctx context.Context) ([]market.Market, error) {
	symbols, err := a.store.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]market.Market, 0, len(symbols))
	for _, sym := range symbols {
		m, err := market.ParseSymbol(sym)
		if err != nil {
			a.logger.Warn("ignoring malformed fast-tier key", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Snapshot reads the in-flight candles without removing them.
// ok is false when the market is Empty.
func (a *Accumulator) Snapshot(ctx context.Context, m market.Market) (snap Snapshot, ok bool, err error) {
	rec, err := a.store.Get(ctx, m.Symbol())
	if err != nil {
		return Snapshot{}, false, err
	}
	if rec == nil {
		return Snapshot{}, false, nil
	}
	snap = Snapshot{Candle: ToCandle(m, rec), Version: rec.Version}
	for _, sc := range rec.Sealed {
		snap.Sealed = append(snap.Sealed, sealedCandle(m, sc))
	}
	return snap, true, nil
}

// Clear drops the whole record only if it is still the snapshot that was
// persisted. A tick that arrived after the snapshot keeps the record alive
// and cleared is false.
func (a *Accumulator) Clear(ctx context.Context, snap Snapshot) (cleared bool, err error) {
	return a.store.CompareAndDelete(ctx, snap.Candle.Market.Symbol(), snap.Version)
}

// Release drops the sealed buckets that were persisted exactly as they are
// now. remaining reports whether a persisted bucket is still held because
// a tick changed it after the snapshot; the next flush writes it again.
func (a *Accumulator) Release(ctx context.Context, m market.Market, persisted []market.Candle) (remaining bool, err error) {
	written := func(bucket, closedAt time.Time) bool {
		for _, c := range persisted {
			if c.Time.Equal(bucket) && c.ClosedAt.Equal(closedAt) {
				return true
			}
		}
		return false
	}

	rec, err := a.store.Update(ctx, m.Symbol(), func(cur *faststore.Record) (*faststore.Record, error) {
		if cur == nil {
			return nil, nil
		}
		var kept []faststore.SealedCandle
		for _, sc := range cur.Sealed {
			if !written(sc.BucketStart, sc.UpdatedAt) {
				kept = append(kept, sc)
			}
		}
		if len(kept) == len(cur.Sealed) {
			return nil, nil
		}
		next := *cur
		next.Sealed = kept
		return &next, nil
	})
	if err != nil {
		return false, fmt.Errorf("release %s: %w", m, err)
	}
	if rec == nil {
		return false, nil
	}

	held := []time.Time{rec.BucketStart}
	for _, sc := range rec.Sealed {
		held = append(held, sc.BucketStart)
	}
	for _, bucket := range held {
		for _, c := range persisted {
			if c.Time.Equal(bucket) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ClearQuotes removes side-channel entries for every pair of base.
func (a *Accumulator) ClearQuotes(ctx context.Context, base string) error {
	return a.store.DeleteExchangeQuotes(ctx, base)
}

// ExchangeQuotes returns the side-channel entries for a market.
func (a *Accumulator) ExchangeQuotes(ctx context.Context, m market.Market) (map[string]faststore.ExchangeQuote, error) {
	return a.store.ExchangeQuotes(ctx, m.Pair())
}

func sealedCandle(m market.Market, sc faststore.SealedCandle) market.Candle {
	return market.Candle{
		Market:      m,
		Time:        sc.BucketStart,
		Open:        sc.Open,
		High:        sc.High,
		Low:         sc.Low,
		Close:       sc.Close,
		Volume:      sc.Volume,
		QuoteVolume: sc.QuoteVolume,
		SourceCount: sc.SourceCount,
		ClosedAt:    sc.UpdatedAt,
	}
}

// ToCandle converts the open bucket of a fast-tier record to a candle for market m.
func ToCandle(m market.Market, rec *faststore.Record) market.Candle {
	return market.Candle{
		Market:      m,
		Time:        rec.BucketStart,
		Open:        rec.Open,
		High:        rec.High,
		Low:         rec.Low,
		Close:       rec.Close,
		Volume:      rec.Volume,
		QuoteVolume: rec.QuoteVolume,
		SourceCount: rec.SourceCount,
		ClosedAt:    rec.UpdatedAt,
	}
}
