// Package flush hands in-flight candles from the fast tier to the durable
// store. Sealed buckets are written on every cycle; the open bucket is
// written once its minute has ended, or on Drain. Fast-tier state is dropped
// only after a durable write, and only if no tick changed it in between.
package flush

import (
	"context"
	"sync"
	"time"

	"candlecollector/internal/candle"
	"candlecollector/internal/market"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is the durable side of a flush.
type Store interface {
	UpsertCandles(ctx context.Context, candles []market.Candle) error
}

// Failure is one market whose candle could not be persisted this cycle.
// Its fast-tier state is left in place for the next cycle.
type Failure struct {
	Symbol string
	Err    error
}

type Report struct {
	At         time.Time
	Open       int // markets holding an in-flight candle
	Flushed    int // everything written was released from the fast tier
	Deferred   int // persisted, but a newer tick changed a written bucket
	Suppressed int // skipped while a backfill holds the base
	Invalid    int // structurally invalid snapshots
	Failures   []Failure
}

type Coordinator struct {
	accumulator *candle.Accumulator
	store       Store
	guard       *Guard
	concurrency int
	timeout     time.Duration
	logger      *zap.Logger
}

func NewCoordinator(acc *candle.Accumulator, store Store, guard *Guard,
	concurrency int, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Coordinator{
		accumulator: acc,
		store:       store,
		guard:       guard,
		concurrency: concurrency,
		timeout:     timeout,
		logger:      logger,
	}
}

type result int

const (
	resultNone result = iota
	resultFlushed
	resultDeferred
	resultSuppressed
	resultInvalid
	resultFailed
)

// Flush persists every open market once: sealed buckets always, the open
// bucket only when its minute ended before now. Failed markets are retried
// on the next call, never within this one.
func (c *Coordinator) Flush(ctx context.Context, now time.Time) Report {
	return c.flush(ctx, now, false)
}

// Drain is the shutdown flush: it also writes open buckets whose minute is
// still running, so nothing in flight is lost.
func (c *Coordinator) Drain(ctx context.Context) Report {
	return c.flush(ctx, time.Now().UTC(), true)
}

func (c *Coordinator) flush(ctx context.Context, now time.Time, includeOpen bool) Report {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	report := Report{At: now}
	markets, err := c.accumulator.OpenMarkets(ctx)
	if err != nil {
		c.logger.Error("failed to list open markets", zap.Error(err))
		report.Failures = append(report.Failures, Failure{Symbol: "*", Err: err})
		return report
	}
	report.Open = len(markets)

	var (
		mu      sync.Mutex
		cleared = map[string]bool{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, m := range markets {
		m := m
		g.Go(func() error {
			res, err := c.flushMarket(gctx, m, now, includeOpen)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case resultFlushed:
				report.Flushed++
				cleared[m.Base] = true
			case resultDeferred:
				report.Deferred++
			case resultSuppressed:
				report.Suppressed++
			case resultInvalid:
				report.Invalid++
			case resultFailed:
				report.Failures = append(report.Failures, Failure{Symbol: m.Symbol(), Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	for base := range cleared {
		if err := c.accumulator.ClearQuotes(ctx, base); err != nil {
			c.logger.Warn("failed to clear exchange quotes", zap.String("base", base), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.Time("at", now),
		zap.Int("open", report.Open),
		zap.Int("flushed", report.Flushed),
		zap.Int("deferred", report.Deferred),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("invalid", report.Invalid),
		zap.Int("failed", len(report.Failures)),
	}
	if len(report.Failures) > 0 {
		c.logger.Warn("flush completed with failures", fields...)
	} else {
		c.logger.Info("flush completed", fields...)
	}
	return report
}

func (c *Coordinator) flushMarket(ctx context.Context, m market.Market, now time.Time, includeOpen bool) (result, error) {
	if c.guard != nil {
		active, err := c.guard.Active(ctx, m.Base)
		if err != nil {
			c.logger.Error("failed to read backfill lease", zap.String("symbol", m.Symbol()), zap.Error(err))
			return resultFailed, err
		}
		if active {
			c.logger.Debug("flush suppressed by backfill", zap.String("symbol", m.Symbol()))
			return resultSuppressed, nil
		}
	}

	snap, ok, err := c.accumulator.Snapshot(ctx, m)
	if err != nil {
		c.logger.Error("failed to snapshot candle", zap.String("symbol", m.Symbol()), zap.Error(err))
		return resultFailed, err
	}
	if !ok {
		return resultNone, nil
	}

	candidates := snap.Sealed
	withOpen := includeOpen || !snap.Candle.Time.Add(market.BucketSize).After(now)
	if withOpen {
		candidates = snap.Candles()
	}
	if len(candidates) == 0 {
		return resultNone, nil
	}

	batch := make([]market.Candle, 0, len(candidates))
	for _, cd := range candidates {
		if err := cd.Validate(); err != nil {
			c.logger.Warn("skipping invalid snapshot", zap.String("symbol", m.Symbol()),
				zap.Time("bucket", cd.Time), zap.Error(err))
			continue
		}
		batch = append(batch, cd)
	}
	if len(batch) == 0 {
		return resultInvalid, nil
	}

	if err := c.store.UpsertCandles(ctx, batch); err != nil {
		c.logger.Error("failed to persist candles, keeping fast-tier state",
			zap.String("symbol", m.Symbol()), zap.Int("candles", len(batch)), zap.Error(err))
		return resultFailed, err
	}

	if withOpen && len(batch) == len(candidates) {
		done, err := c.accumulator.Clear(ctx, snap)
		if err != nil {
			// persisted already; the next cycle re-upserts the same snapshot
			c.logger.Warn("failed to clear flushed candle", zap.String("symbol", m.Symbol()), zap.Error(err))
			return resultDeferred, nil
		}
		if done {
			return resultFlushed, nil
		}
	}

	remaining, err := c.accumulator.Release(ctx, m, batch)
	if err != nil {
		c.logger.Warn("failed to release flushed candles", zap.String("symbol", m.Symbol()), zap.Error(err))
		return resultDeferred, nil
	}
	if remaining {
		c.logger.Debug("candle changed during flush, deferring clear", zap.String("symbol", m.Symbol()))
		return resultDeferred, nil
	}
	return resultFlushed, nil
}
