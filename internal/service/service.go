// Package service is the read and control surface the API layer calls:
// merged candle queries, the cross-quote premium and backfill triggers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"candlecollector/internal/backfill"
	"candlecollector/internal/candle"
	"candlecollector/internal/fx"
	"candlecollector/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoPrice = errors.New("service: no recent price")
	ErrNoRates = errors.New("service: fx rates not configured")
)

// CandleStore is the durable read side.
type CandleStore interface {
	QueryCandles(ctx context.Context, m market.Market, from, to time.Time) ([]market.Candle, error)
}

type Service struct {
	universe    market.Universe
	store       CandleStore
	accumulator *candle.Accumulator
	rates       *fx.Rates
	reconciler  *backfill.Reconciler
	logger      *zap.Logger
}

func New(universe market.Universe, store CandleStore, acc *candle.Accumulator, rates *fx.Rates,
	reconciler *backfill.Reconciler, logger *zap.Logger) *Service {
	return &Service{
		universe:    universe,
		store:       store,
		accumulator: acc,
		rates:       rates,
		reconciler:  reconciler,
		logger:      logger,
	}
}

// Candles returns stored candles with from <= time <= to, merged with the
// in-flight candle when its bucket falls in the range. Fast-tier errors
// are logged and the stored view is returned as is.
func (s *Service) Candles(ctx context.Context, m market.Market, from, to time.Time) ([]market.Candle, error) {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil, fmt.Errorf("candles %s: to %s before from %s", m, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	stored, err := s.store.QueryCandles(ctx, m, from, to)
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", m, err)
	}

	snap, ok, err := s.accumulator.Snapshot(ctx, m)
	if err != nil {
		s.logger.Warn("in-flight candle unavailable", zap.String("symbol", m.Symbol()), zap.Error(err))
		return stored, nil
	}
	if !ok {
		return stored, nil
	}

	out := stored
	for _, live := range snap.Candles() {
		if live.Time.Before(from) || live.Time.After(to) {
			continue
		}
		if err := live.Validate(); err != nil {
			s.logger.Warn("ignoring invalid in-flight candle", zap.String("symbol", m.Symbol()),
				zap.Time("bucket", live.Time), zap.Error(err))
			continue
		}
		out = mergeInFlight(out, live)
	}
	return out, nil
}

func mergeInFlight(stored []market.Candle, live market.Candle) []market.Candle {
	for i, c := range stored {
		if c.Time.Equal(live.Time) {
			out := append([]market.Candle(nil), stored...)
			out[i] = market.Merge(c, live)
			return out
		}
	}
	out := append(append([]market.Candle(nil), stored...), live)
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// PremiumQuote compares a market with the same base in a reference quote.
type PremiumQuote struct {
	Base       string          `json:"base"`
	Quote      string          `json:"quote"`
	RefQuote   string          `json:"refQuote"`
	Price      decimal.Decimal `json:"price"`
	RefPrice   decimal.Decimal `json:"refPrice"`
	Rate       decimal.Decimal `json:"rate"` // quote per refQuote
	PremiumPct decimal.Decimal `json:"premiumPct"`
	At         time.Time       `json:"at"`
}

// Premium reports how far base/quote trades above base/refQuote after FX
// conversion, e.g. the KRW premium of BTC over USDT.
func (s *Service) Premium(ctx context.Context, base, quote, refQuote string) (PremiumQuote, error) {
	if s.rates == nil {
		return PremiumQuote{}, ErrNoRates
	}
	m, ref := market.New(base, quote), market.New(base, refQuote)

	price, err := s.latestPrice(ctx, m)
	if err != nil {
		return PremiumQuote{}, err
	}
	refPrice, err := s.latestPrice(ctx, ref)
	if err != nil {
		return PremiumQuote{}, err
	}
	rate, err := s.rates.Get(ctx, ref.Quote, m.Quote)
	if err != nil {
		return PremiumQuote{}, fmt.Errorf("premium %s: %w", m, err)
	}
	pct, err := fx.Premium(price, refPrice, rate)
	if err != nil {
		return PremiumQuote{}, fmt.Errorf("premium %s: %w", m, err)
	}

	return PremiumQuote{
		Base:       m.Base,
		Quote:      m.Quote,
		RefQuote:   ref.Quote,
		Price:      price,
		RefPrice:   refPrice,
		Rate:       rate,
		PremiumPct: pct.Round(4),
		At:         time.Now().UTC(),
	}, nil
}

// latestPrice is the in-flight close, or the last stored close of the past hour.
func (s *Service) latestPrice(ctx context.Context, m market.Market) (decimal.Decimal, error) {
	snap, ok, err := s.accumulator.Snapshot(ctx, m)
	if err != nil {
		s.logger.Warn("in-flight candle unavailable", zap.String("symbol", m.Symbol()), zap.Error(err))
	}
	if ok && snap.Candle.Close.IsPositive() {
		return snap.Candle.Close, nil
	}

	now := time.Now().UTC()
	stored, err := s.store.QueryCandles(ctx, m, now.Add(-time.Hour), now)
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest %s: %w", m, err)
	}
	if len(stored) == 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNoPrice, m)
	}
	return stored[len(stored)-1].Close, nil
}

// TriggerBackfill runs a backfill and returns its final report.
func (s *Service) TriggerBackfill(ctx context.Context, req backfill.Request) (backfill.Report, error) {
	return s.reconciler.Run(ctx, req)
}

// StartBackfill validates req and runs it in the background under ctx,
// which should outlive the calling request. Poll BackfillProgress with the
// returned id.
func (s *Service) StartBackfill(ctx context.Context, req backfill.Request) (string, error) {
	req, err := s.reconciler.Validate(req)
	if err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	go func() {
		if _, err := s.reconciler.Run(ctx, req); err != nil {
			s.logger.Error("background backfill failed", zap.String("backfill_id", req.ID), zap.Error(err))
		}
	}()
	return req.ID, nil
}

func (s *Service) BackfillProgress(id string) (backfill.Report, bool) {
	return s.reconciler.Progress().Get(id)
}

func (s *Service) Backfills() []backfill.Report {
	return s.reconciler.Progress().List()
}

// Markets lists the tracked markets.
func (s *Service) Markets() []market.Market {
	return s.universe.Markets()
}
