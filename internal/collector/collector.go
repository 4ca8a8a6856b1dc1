// Package collector wires the ingestion, flush, FX and retention loops
// from configuration and runs them until shutdown.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"candlecollector/config"
	"candlecollector/internal/aggregator"
	"candlecollector/internal/backfill"
	"candlecollector/internal/candle"
	"candlecollector/internal/exchange"
	"candlecollector/internal/faststore"
	"candlecollector/internal/flush"
	"candlecollector/internal/fx"
	"candlecollector/internal/ingest"
	"candlecollector/internal/market"
	"candlecollector/internal/retention"
	"candlecollector/internal/scheduler"
	"candlecollector/internal/service"
	"candlecollector/pkg/storage/postgres"
	"candlecollector/pkg/upbit"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CandleStore is the durable tier as the collector uses it.
type CandleStore interface {
	flush.Store
	backfill.Store
	service.CandleStore
	retention.Store
}

type Collector struct {
	cfg      *config.Config
	universe market.Universe
	fast     faststore.Store

	Sources     *exchange.Registry
	Accumulator *candle.Accumulator
	Ingestor    *ingest.Ingestor
	Flusher     *flush.Coordinator
	Reconciler  *backfill.Reconciler
	Pruner      *retention.Pruner
	Rates       *fx.Rates
	Service     *service.Service

	// IsLeader gates the singleton jobs (flush, retention). nil runs them everywhere.
	IsLeader func() bool

	logger *zap.Logger
}

// UniverseFromConfig builds the tracked universe. Quote currencies are
// sorted so the market order is stable across restarts.
func UniverseFromConfig(cfg config.MarketsConfig) (market.Universe, error) {
	quotes := make([]string, 0, len(cfg.Quotes))
	for q := range cfg.Quotes {
		quotes = append(quotes, q)
	}
	sort.Strings(quotes)

	venues := make([]market.QuoteVenue, 0, len(quotes))
	for _, q := range quotes {
		venues = append(venues, market.QuoteVenue{Currency: q, Exchanges: cfg.Quotes[q]})
	}
	u := market.NewUniverse(cfg.Bases, venues)
	if err := u.Validate(); err != nil {
		return market.Universe{}, err
	}
	return u, nil
}

// OpenFastTier returns the Redis store when enabled, else the in-process one.
func OpenFastTier(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (faststore.Store, error) {
	if !cfg.Enabled {
		logger.Warn("redis disabled, using in-process fast tier")
		return faststore.NewMemoryStore(), nil
	}
	store, err := faststore.NewRedisStore(ctx, faststore.RedisOptions{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		QuoteTTL:     cfg.QuoteTTL,
		MaxRetries:   cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("redis fast tier connected", zap.String("addr", cfg.Addr))
	return store, nil
}

// OpenPostgres connects to the durable store and migrates the candle table.
func OpenPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*postgres.PostgresClient, error) {
	client, err := postgres.InitializeAndMigrate(ctx, cfg.Postgres, cfg.App.Environment, cfg.App.CreateDB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	logger.Info("postgres connected", zap.String("dbname", cfg.Postgres.DBName))
	return client, nil
}

// New builds every component over the given stores. It makes no network calls.
func New(cfg *config.Config, store CandleStore, fast faststore.Store, logger *zap.Logger) (*Collector, error) {
	universe, err := UniverseFromConfig(cfg.Markets)
	if err != nil {
		return nil, err
	}

	sources, err := exchange.NewRegistryFromConfig(cfg.Exchanges, cfg.Ingest.FetchTimeout, logger)
	if err != nil {
		return nil, err
	}
	for _, q := range universe.Quotes {
		for _, ex := range q.Exchanges {
			if _, ok := sources.Get(ex); !ok {
				return nil, fmt.Errorf("quote %s lists exchange %q with no configuration", q.Currency, ex)
			}
		}
	}

	var filters []aggregator.Filter
	if cfg.Ingest.MaxDeviation > 0 {
		filters = append(filters, aggregator.DeviationFilter(cfg.Ingest.MaxDeviation))
	}

	acc := candle.NewAccumulator(fast, logger.Named("accumulator"))
	guard := flush.NewGuard(fast, cfg.Backfill.LeaseTTL, logger.Named("guard"))

	c := &Collector{
		cfg:         cfg,
		universe:    universe,
		fast:        fast,
		Sources:     sources,
		Accumulator: acc,
		Ingestor:    ingest.NewIngestor(universe, sources, aggregator.New(filters...), acc, cfg.Ingest.FetchTimeout, logger.Named("ingest")),
		Flusher:     flush.NewCoordinator(acc, store, guard, cfg.Flush.Concurrency, cfg.Flush.Timeout, logger.Named("flush")),
		Reconciler: backfill.NewReconciler(universe, sources, store, guard, backfill.NewProgress(), backfill.Options{
			Window:    cfg.Backfill.Window,
			BatchSize: cfg.Backfill.BatchSize,
		}, logger.Named("backfill")),
		Pruner: retention.NewPruner(store, cfg.Retention.Keep, logger.Named("retention")),
		logger: logger,
	}

	if upbitCfg, ok := cfg.Exchanges[exchange.Upbit]; ok {
		client := upbit.NewRESTClient(upbitCfg.BaseURL, upbitCfg.Timeout, upbitCfg.RateLimit, upbitCfg.Burst)
		c.Rates = fx.NewRates(fx.NewUpbitProvider(client), fast, cfg.FX.TTL, logger.Named("fx"))
	}
	c.Service = service.New(universe, store, acc, c.Rates, c.Reconciler, logger.Named("service"))
	return c, nil
}

func (c *Collector) Universe() market.Universe { return c.universe }

// FXPairs lists the (from, to) pairs the refresh job keeps warm: every
// other quote currency against KRW.
func (c *Collector) FXPairs() [][2]string {
	var pairs [][2]string
	hasKRW := false
	for _, q := range c.universe.Quotes {
		if q.Currency == "KRW" {
			hasKRW = true
		}
	}
	if !hasKRW {
		return nil
	}
	for _, q := range c.universe.Quotes {
		if q.Currency != "KRW" {
			pairs = append(pairs, [2]string{q.Currency, "KRW"})
		}
	}
	return pairs
}

// Run starts every loop and blocks until ctx is cancelled, then drains the
// fast tier with a fresh context so the last in-flight candles are persisted.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ingestLoop := &scheduler.Periodic{
		Name:     "ingest",
		Interval: c.cfg.Ingest.Interval,
		Logger:   c.logger,
	}
	g.Go(func() error {
		return ingestLoop.Run(ctx, func(ctx context.Context, now time.Time) {
			r := c.Ingestor.Tick(ctx, now)
			c.logger.Debug("ingest tick",
				zap.Int("markets", r.Markets), zap.Int("updated", r.Updated),
				zap.Int("skipped", r.Skipped), zap.Int("failed", r.Failed),
				zap.Int("exchange_failures", r.ExchangeFailures))
		})
	})

	flushLoop := &scheduler.Periodic{
		Name:     "flush",
		Interval: c.cfg.Flush.Interval,
		Offset:   c.cfg.Flush.Offset,
		Align:    true,
		IsLeader: c.IsLeader,
		Logger:   c.logger,
	}
	g.Go(func() error {
		return flushLoop.Run(ctx, func(ctx context.Context, now time.Time) {
			c.Flusher.Flush(ctx, now)
		})
	})

	if c.Pruner.Enabled() {
		retentionLoop := &scheduler.Periodic{
			Name:     "retention",
			Interval: 24 * time.Hour,
			Offset:   c.cfg.Retention.At,
			Align:    true,
			IsLeader: c.IsLeader,
			Logger:   c.logger,
		}
		g.Go(func() error {
			return retentionLoop.Run(ctx, func(ctx context.Context, now time.Time) {
				_, _ = c.Pruner.Prune(ctx, now)
			})
		})
	}

	if pairs := c.FXPairs(); c.Rates != nil && len(pairs) > 0 && c.cfg.FX.Refresh > 0 {
		fxLoop := &scheduler.Periodic{
			Name:       "fx",
			Interval:   c.cfg.FX.Refresh,
			RunAtStart: true,
			Logger:     c.logger,
		}
		g.Go(func() error {
			return fxLoop.Run(ctx, func(ctx context.Context, _ time.Time) {
				for _, p := range pairs {
					if _, err := c.Rates.Refresh(ctx, p[0], p[1]); err != nil {
						c.logger.Warn("fx refresh failed", zap.String("from", p[0]), zap.String("to", p[1]), zap.Error(err))
					}
				}
			})
		})
	}

	c.logger.Info("collector started",
		zap.Int("markets", len(c.universe.Markets())), zap.Strings("exchanges", c.Sources.Names()))

	err := g.Wait()

	finalCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Flush.Timeout+5*time.Second)
	defer cancel()
	if c.IsLeader == nil || c.IsLeader() {
		r := c.Flusher.Drain(finalCtx)
		c.logger.Info("final flush", zap.Int("flushed", r.Flushed), zap.Int("deferred", r.Deferred),
			zap.Int("failures", len(r.Failures)))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
