// Package backfill rebuilds historical one-minute candles from exchange
// history and writes them with the same monotonic merge as live flush.
package backfill

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"candlecollector/internal/exchange"
	"candlecollector/internal/flush"
	"candlecollector/internal/market"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindow    = 24 * time.Hour
	DefaultBatchSize = 5000
)

// Store is the durable side of a backfill.
type Store interface {
	UpsertCandles(ctx context.Context, candles []market.Candle) error
}

// Sources resolves exchange names. *exchange.Registry implements it.
type Sources interface {
	Get(name string) (exchange.Source, bool)
}

// Request describes one run. Exchanges defaults to every exchange the
// universe lists; ID is generated when empty.
type Request struct {
	ID        string
	Base      string
	Start     time.Time
	End       time.Time
	Exchanges []string
}

type Options struct {
	Window    time.Duration
	BatchSize int
}

type Reconciler struct {
	universe  market.Universe
	sources   Sources
	store     Store
	guard     *flush.Guard
	progress  *Progress
	window    time.Duration
	batchSize int
	logger    *zap.Logger
}

func NewReconciler(universe market.Universe, sources Sources, store Store, guard *flush.Guard,
	progress *Progress, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if progress == nil {
		progress = NewProgress()
	}
	return &Reconciler{
		universe:  universe,
		sources:   sources,
		store:     store,
		guard:     guard,
		progress:  progress,
		window:    opts.Window,
		batchSize: opts.BatchSize,
		logger:    logger,
	}
}

func (r *Reconciler) Progress() *Progress { return r.progress }

// Backfill runs one backfill synchronously.
func (r *Reconciler) Backfill(ctx context.Context, base string, start, end time.Time, exchanges []string) (Report, error) {
	return r.Run(ctx, Request{Base: base, Start: start, End: end, Exchanges: exchanges})
}

// plan is a validated request: the (exchange, market) fetches to run.
type plan struct {
	req     Request
	fetches []fetch
	markets []market.Market
}

type fetch struct {
	source exchange.Source
	market market.Market
}

// Validate normalizes req and resolves its exchanges without running it.
func (r *Reconciler) Validate(req Request) (Request, error) {
	p, err := r.plan(req)
	if err != nil {
		return Request{}, err
	}
	return p.req, nil
}

func (r *Reconciler) plan(req Request) (plan, error) {
	req.Base = strings.ToUpper(strings.TrimSpace(req.Base))
	if req.Base == "" {
		return plan{}, fmt.Errorf("%w: empty base", ErrInvalidRange)
	}
	req.Start = market.BucketStart(req.Start)
	req.End = market.BucketStart(req.End)
	if !req.End.After(req.Start) {
		return plan{}, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidRange,
			req.End.Format(time.RFC3339), req.Start.Format(time.RFC3339))
	}

	if len(req.Exchanges) == 0 {
		seen := map[string]bool{}
		for _, q := range r.universe.Quotes {
			for _, ex := range q.Exchanges {
				if !seen[ex] {
					seen[ex] = true
					req.Exchanges = append(req.Exchanges, ex)
				}
			}
		}
		sort.Strings(req.Exchanges)
	}

	p := plan{req: req}
	marketSeen := map[string]bool{}
	normalized := make([]string, 0, len(req.Exchanges))
	for _, name := range req.Exchanges {
		name = strings.ToLower(strings.TrimSpace(name))
		src, ok := r.sources.Get(name)
		quotes := r.universe.QuotesFor(name)
		if !ok || len(quotes) == 0 {
			return plan{}, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
		}
		normalized = append(normalized, name)
		for _, q := range quotes {
			m := market.New(req.Base, q)
			p.fetches = append(p.fetches, fetch{source: src, market: m})
			if !marketSeen[m.Symbol()] {
				marketSeen[m.Symbol()] = true
				p.markets = append(p.markets, m)
			}
		}
	}
	p.req.Exchanges = normalized
	return p, nil
}

// Run executes req. The base's live flush is suppressed for the whole run.
// On failure the returned error is a *PartialFailureError and the report
// keeps the progress made so far.
func (r *Reconciler) Run(ctx context.Context, req Request) (Report, error) {
	p, err := r.plan(req)
	if err != nil {
		return Report{}, err
	}
	req = p.req
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	windows := splitWindows(req.Start, req.End, r.window)
	report := Report{
		ID:        req.ID,
		Base:      req.Base,
		Exchanges: req.Exchanges,
		Start:     req.Start,
		End:       req.End,
		Expected:  int(req.End.Sub(req.Start)/market.BucketSize) * len(p.markets),
		Windows:   len(windows),
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	for _, m := range p.markets {
		report.Markets = append(report.Markets, m.Symbol())
	}

	if r.guard != nil {
		release, err := r.guard.Acquire(ctx, req.Base)
		if err != nil {
			report.Status = StatusFailed
			report.Error = err.Error()
			report.FinishedAt = time.Now().UTC()
			r.progress.Update(report)
			r.logger.Warn("backfill not started", zap.String("backfill_id", report.ID),
				zap.String("base", report.Base), zap.Error(err))
			return report, err
		}
		defer release()
	}
	r.progress.Update(report)

	logger := r.logger.With(zap.String("backfill_id", report.ID), zap.String("base", report.Base))
	logger.Info("backfill started",
		zap.Time("start", report.Start), zap.Time("end", report.End),
		zap.Strings("exchanges", report.Exchanges), zap.Int("windows", report.Windows),
		zap.Int("expected", report.Expected))

	for _, w := range windows {
		written, err := r.runWindow(ctx, p, w, &report)
		report.Processed += written
		if err != nil {
			return r.fail(logger, report, err)
		}
		report.WindowsDone++
		r.progress.Update(report)
		logger.Info("backfill window done",
			zap.Time("window_start", w.start), zap.Int("processed", report.Processed),
			zap.Int("windows_done", report.WindowsDone))
	}

	report.Status = StatusCompleted
	report.FinishedAt = time.Now().UTC()
	r.progress.Update(report)
	logger.Info("backfill completed", zap.Int("processed", report.Processed), zap.Int("expected", report.Expected))
	return report, nil
}

func (r *Reconciler) fail(logger *zap.Logger, report Report, err error) (Report, error) {
	report.Status = StatusFailed
	report.Error = err.Error()
	report.FinishedAt = time.Now().UTC()
	r.progress.Update(report)
	logger.Error("backfill failed",
		zap.Int("processed", report.Processed), zap.Int("windows_done", report.WindowsDone), zap.Error(err))
	return report, &PartialFailureError{Report: report, Err: err}
}

type window struct {
	start, end time.Time
}

func splitWindows(start, end time.Time, size time.Duration) []window {
	var out []window
	for ws := start; ws.Before(end); ws = ws.Add(size) {
		we := ws.Add(size)
		if we.After(end) {
			we = end
		}
		out = append(out, window{start: ws, end: we})
	}
	return out
}

// runWindow fetches, folds and writes one window. It returns the number of
// candles durably written, including batches written before an error.
func (r *Reconciler) runWindow(ctx context.Context, p plan, w window, report *Report) (int, error) {
	series := make([][]market.Kline, len(p.fetches))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range p.fetches {
		i, f := i, f
		g.Go(func() error {
			klines, err := f.source.FetchHistoricalRange(gctx, f.market, w.start, w.end)
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", f.source.Name(), f.market.Pair(), err)
			}
			series[i] = klines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	candles := fold(p, series, w)

	written := 0
	for i := 0; i < len(candles); i += r.batchSize {
		j := i + r.batchSize
		if j > len(candles) {
			j = len(candles)
		}
		if err := r.store.UpsertCandles(ctx, candles[i:j]); err != nil {
			return written, fmt.Errorf("upsert batch of %d: %w", j-i, err)
		}
		written += j - i
		snapshot := *report
		snapshot.Processed += written
		r.progress.Update(snapshot)
	}
	return written, nil
}

type groupKey struct {
	symbol string
	minute int64
}

// fold re-buckets every kline to its minute, groups by (market, minute)
// and folds each group. Markets of different quote currencies never mix.
func fold(p plan, series [][]market.Kline, w window) []market.Candle {
	groups := map[groupKey]map[string]market.Kline{}
	markets := map[string]market.Market{}

	for i, klines := range series {
		m := p.fetches[i].market
		markets[m.Symbol()] = m
		for _, k := range klines {
			minute := market.BucketStart(k.Start)
			if minute.Before(w.start) || !minute.Before(w.end) {
				continue
			}
			key := groupKey{symbol: m.Symbol(), minute: minute.UnixMilli()}
			if groups[key] == nil {
				groups[key] = map[string]market.Kline{}
			}
			// one kline per exchange and minute; the later one wins
			groups[key][k.Exchange] = k
		}
	}

	out := make([]market.Candle, 0, len(groups))
	for key, byExchange := range groups {
		klines := make([]market.Kline, 0, len(byExchange))
		for _, k := range byExchange {
			klines = append(klines, k)
		}
		sort.Slice(klines, func(i, j int) bool { return klines[i].Exchange < klines[j].Exchange })

		c, ok := Fold(markets[key.symbol], time.UnixMilli(key.minute).UTC(), klines)
		if ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].Market.Symbol() < out[j].Market.Symbol()
	})
	return out
}
