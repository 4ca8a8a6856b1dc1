// Package ingest polls every quote source once per tick, aggregates the
// observations of each market and folds the result into its in-flight candle.
package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"candlecollector/internal/aggregator"
	"candlecollector/internal/candle"
	"candlecollector/internal/exchange"
	"candlecollector/internal/market"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sources resolves exchange names. *exchange.Registry implements it.
type Sources interface {
	Get(name string) (exchange.Source, bool)
}

// TickReport summarizes one ingestion tick.
type TickReport struct {
	Markets          int
	Updated          int
	Skipped          int // no exchange returned an observation
	Failed           int // the fast tier rejected the update
	ExchangeFailures int
}

type Ingestor struct {
	universe     market.Universe
	sources      Sources
	aggregator   *aggregator.Aggregator
	accumulator  *candle.Accumulator
	fetchTimeout time.Duration
	logger       *zap.Logger
}

func NewIngestor(universe market.Universe, sources Sources, agg *aggregator.Aggregator,
	acc *candle.Accumulator, fetchTimeout time.Duration, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		universe:     universe,
		sources:      sources,
		aggregator:   agg,
		accumulator:  acc,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// Tick fetches every market concurrently. A market never waits on another
// market's fetches, and failures never propagate past the report.
func (in *Ingestor) Tick(ctx context.Context, now time.Time) TickReport {
	markets := in.universe.Markets()
	report := TickReport{Markets: len(markets)}
	var mu sync.Mutex

	var g errgroup.Group
	for _, m := range markets {
		m := m
		g.Go(func() error {
			outcome, failures := in.tickMarket(ctx, m, now)

			mu.Lock()
			defer mu.Unlock()
			report.ExchangeFailures += failures
			switch outcome {
			case outcomeUpdated:
				report.Updated++
			case outcomeSkipped:
				report.Skipped++
			case outcomeFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	in.logger.Debug("ingest tick",
		zap.Int("markets", report.Markets),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Int("exchange_failures", report.ExchangeFailures))
	return report
}

type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (in *Ingestor) tickMarket(ctx context.Context, m market.Market, now time.Time) (outcome, int) {
	observations, failures := in.fetchAll(ctx, m)

	price, err := in.aggregator.Aggregate(observations)
	if errors.Is(err, aggregator.ErrEmptyInput) {
		in.logger.Warn("no observations, skipping tick", zap.String("symbol", m.Symbol()))
		return outcomeSkipped, failures
	}
	if err != nil {
		in.logger.Warn("aggregation failed", zap.String("symbol", m.Symbol()), zap.Error(err))
		return outcomeSkipped, failures
	}

	c, err := in.accumulator.Tick(ctx, m, price, now)
	if err != nil {
		in.logger.Error("failed to update in-flight candle", zap.String("symbol", m.Symbol()), zap.Error(err))
		return outcomeFailed, failures
	}

	for _, o := range observations {
		in.accumulator.RecordQuote(ctx, o)
	}

	in.logger.Debug("candle updated",
		zap.String("symbol", m.Symbol()),
		zap.String("price", price.Price.String()),
		zap.String("algorithm", string(price.Algorithm)),
		zap.Int("sources", price.SourceCount),
		zap.String("high", c.High.String()),
		zap.String("low", c.Low.String()))
	return outcomeUpdated, failures
}

// fetchAll queries every exchange serving m's quote currency and joins
// before returning. Failed or timed-out exchanges are dropped.
func (in *Ingestor) fetchAll(ctx context.Context, m market.Market) ([]market.PriceObservation, int) {
	names := in.universe.ExchangesFor(m.Quote)
	results := make([]*market.PriceObservation, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			src, ok := in.sources.Get(name)
			if !ok {
				in.logger.Warn("exchange not registered", zap.String("exchange", name))
				return nil
			}

			fetchCtx := ctx
			if in.fetchTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, in.fetchTimeout)
				defer cancel()
			}

			obs, err := src.FetchPrice(fetchCtx, m)
			if err != nil {
				in.logger.Warn("fetch failed",
					zap.String("exchange", name), zap.String("pair", m.Pair()), zap.Error(err))
				return nil
			}
			results[i] = &obs
			return nil
		})
	}
	_ = g.Wait()

	out := make([]market.PriceObservation, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, len(names) - len(out)
}
