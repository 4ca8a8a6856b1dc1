package backfill_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"candlecollector/internal/backfill"
	"candlecollector/internal/candle"
	"candlecollector/internal/exchange"
	"candlecollector/internal/exchange/exchangetest"
	"candlecollector/internal/faststore"
	"candlecollector/internal/flush"
	"candlecollector/internal/market"
	"candlecollector/pkg/storage/memory"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

var (
	btcUSDT = market.New("BTC", "USDT")
	btcKRW  = market.New("BTC", "KRW")
	ethUSDT = market.New("ETH", "USDT")
	day     = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixture struct {
	binance, bybit, upbit *exchangetest.Fake
	store                 *memory.Store
	fast                  *faststore.MemoryStore
	guard                 *flush.Guard
	reconciler            *backfill.Reconciler
}

func newFixture(t *testing.T, opts backfill.Options) *fixture {
	t.Helper()
	f := &fixture{
		binance: exchangetest.NewFake("binance"),
		bybit:   exchangetest.NewFake("bybit"),
		upbit:   exchangetest.NewFake("upbit"),
		store:   memory.NewStore(),
		fast:    faststore.NewMemoryStore(),
	}
	f.guard = flush.NewGuard(f.fast, time.Minute, zaptest.NewLogger(t))
	universe := market.NewUniverse([]string{"BTC", "ETH"}, []market.QuoteVenue{
		{Currency: "USDT", Exchanges: []string{"binance", "bybit"}},
		{Currency: "KRW", Exchanges: []string{"upbit"}},
	})
	f.reconciler = backfill.NewReconciler(universe, exchange.NewRegistry(f.binance, f.bybit, f.upbit),
		f.store, f.guard, backfill.NewProgress(), opts, zaptest.NewLogger(t))
	return f
}

// history returns n minutes of flat klines from start, skewed by a few
// seconds the way exchanges sometimes report them.
func history(exchangeName string, m market.Market, start time.Time, n int, o, h, l, c, v string) []market.Kline {
	out := make([]market.Kline, n)
	for i := range out {
		out[i] = exchangetest.Kline(exchangeName, m, start.Add(time.Duration(i)*time.Minute+2*time.Second), o, h, l, c, v)
	}
	return out
}

func (f *fixture) seed(start time.Time, n int) {
	f.binance.SetHistory(btcUSDT, history("binance", btcUSDT, start, n, "100", "110", "90", "105", "1"))
	f.bybit.SetHistory(btcUSDT, history("bybit", btcUSDT, start, n, "102", "112", "92", "107", "1"))
	f.upbit.SetHistory(btcKRW, history("upbit", btcKRW, start, n, "130000000", "131000000", "129000000", "130500000", "0.5"))
}

// go test -v --run TestBackfillFoldsPerQuote
func TestBackfillFoldsPerQuote(t *testing.T) {
	f := newFixture(t, backfill.Options{})
	f.seed(day, 10)

	report, err := f.reconciler.Backfill(context.Background(), "btc", day, day.Add(10*time.Minute), nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != backfill.StatusCompleted || report.Processed != 20 || report.Expected != 20 {
		t.Fatalf("report = %+v", report)
	}

	usdt, _ := f.store.QueryCandles(context.Background(), btcUSDT, day, day.Add(time.Hour))
	if len(usdt) != 10 {
		t.Fatalf("USDT rows = %d", len(usdt))
	}
	c := usdt[0]
	if !c.Time.Equal(day) || !c.Open.Equal(d("101")) || !c.High.Equal(d("111")) ||
		!c.Low.Equal(d("91")) || !c.Close.Equal(d("106")) || !c.Volume.Equal(d("2")) || c.SourceCount != 2 {
		t.Errorf("USDT fold = %+v", c)
	}

	krw, _ := f.store.QueryCandles(context.Background(), btcKRW, day, day.Add(time.Hour))
	if len(krw) != 10 || !krw[0].Close.Equal(d("130500000")) || krw[0].SourceCount != 1 {
		t.Errorf("KRW rows = %+v (must not mix with USDT)", krw)
	}
}

// go test -v --run TestBackfillIdempotent
func TestBackfillIdempotent(t *testing.T) {
	f := newFixture(t, backfill.Options{Window: time.Hour, BatchSize: 7})
	f.seed(day, 150)
	end := day.Add(150 * time.Minute)

	if _, err := f.reconciler.Backfill(context.Background(), "BTC", day, end, nil); err != nil {
		t.Fatal(err)
	}
	first := f.store.All()

	report, err := f.reconciler.Backfill(context.Background(), "BTC", day, end, nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.Windows != 3 || report.WindowsDone != 3 {
		t.Errorf("windows = %d/%d", report.WindowsDone, report.Windows)
	}

	second := f.store.All()
	if len(first) != 300 || len(second) != len(first) {
		t.Fatalf("rows = %d then %d, want 300", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if !a.Time.Equal(b.Time) || a.Market != b.Market || !a.High.Equal(b.High) || !a.Low.Equal(b.Low) ||
			!a.Close.Equal(b.Close) || !a.Volume.Equal(b.Volume) || a.SourceCount != b.SourceCount {
			t.Fatalf("row %d changed: %+v -> %+v", i, a, b)
		}
	}
}

// go test -v --run TestBackfillNeverRegressesLiveData
func TestBackfillNeverRegressesLiveData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, backfill.Options{})
	f.seed(day, 1)

	live := market.Candle{
		Market: btcUSDT, Time: day,
		Open: d("100"), High: d("150"), Low: d("80"), Close: d("104"),
		SourceCount: 2, ClosedAt: day.Add(65 * time.Second),
	}
	if err := f.store.UpsertCandles(ctx, []market.Candle{live}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.reconciler.Backfill(ctx, "BTC", day, day.Add(time.Minute), []string{"binance", "bybit"}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.store.QueryCandles(ctx, btcUSDT, day, day)
	if len(got) != 1 || !got[0].High.Equal(d("150")) || !got[0].Low.Equal(d("80")) || !got[0].Open.Equal(d("100")) {
		t.Errorf("merged = %+v", got)
	}
}

// go test -v --run TestBackfillFetchFailure
func TestBackfillFetchFailure(t *testing.T) {
	f := newFixture(t, backfill.Options{})
	f.seed(day, 5)
	f.upbit.SetHistoryError(btcKRW, errors.New("429 too many requests"))

	report, err := f.reconciler.Backfill(context.Background(), "BTC", day, day.Add(5*time.Minute), nil)
	var pfe *backfill.PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("err = %v, want PartialFailureError", err)
	}
	if report.Status != backfill.StatusFailed || pfe.Report.Status != backfill.StatusFailed || report.Error == "" {
		t.Errorf("report = %+v", report)
	}

	got, ok := f.reconciler.Progress().Get(report.ID)
	if !ok || got.Status != backfill.StatusFailed {
		t.Errorf("progress = %+v, %v", got, ok)
	}
	if active, _ := f.guard.Active(context.Background(), "BTC"); active {
		t.Error("suppression flag not released after failure")
	}
}

// go test -v --run TestBackfillPartialProgress
func TestBackfillPartialProgress(t *testing.T) {
	f := newFixture(t, backfill.Options{Window: time.Hour})
	f.seed(day, 180)

	calls := 0
	f.store.OnUpsert = func([]market.Candle) error {
		calls++
		if calls == 2 {
			return errors.New("connection lost")
		}
		return nil
	}

	report, err := f.reconciler.Backfill(context.Background(), "BTC", day, day.Add(3*time.Hour), nil)
	var pfe *backfill.PartialFailureError
	if !errors.As(err, &pfe) {
		t.Fatalf("err = %v", err)
	}
	if report.WindowsDone != 1 || report.Processed != 120 || report.Expected != 360 {
		t.Errorf("progress = %d/%d windows, %d/%d candles",
			report.WindowsDone, report.Windows, report.Processed, report.Expected)
	}
}

// go test -v --run TestBackfillValidation
func TestBackfillValidation(t *testing.T) {
	f := newFixture(t, backfill.Options{})
	ctx := context.Background()

	if _, err := f.reconciler.Backfill(ctx, "BTC", day, day, nil); !errors.Is(err, backfill.ErrInvalidRange) {
		t.Errorf("empty range err = %v", err)
	}
	if _, err := f.reconciler.Backfill(ctx, "BTC", day, day.Add(time.Hour), []string{"kraken"}); !errors.Is(err, backfill.ErrUnknownExchange) {
		t.Errorf("unknown exchange err = %v", err)
	}

	release, _ := f.guard.Acquire(ctx, "BTC")
	defer release()
	if _, err := f.reconciler.Backfill(ctx, "BTC", day, day.Add(time.Hour), nil); !errors.Is(err, flush.ErrSuppressed) {
		t.Errorf("concurrent run err = %v", err)
	}
}

// go test -v --run TestBackfillRejectedRunIsReported
func TestBackfillRejectedRunIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, backfill.Options{})

	// another process sharing the fast tier already backfills BTC
	other := flush.NewGuard(f.fast, time.Minute, zaptest.NewLogger(t))
	release, err := other.Acquire(ctx, "BTC")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = f.reconciler.Run(ctx, backfill.Request{ID: "bf-rejected", Base: "BTC", Start: day, End: day.Add(time.Hour)})
	if !errors.Is(err, flush.ErrSuppressed) {
		t.Fatalf("err = %v, want ErrSuppressed", err)
	}
	got, ok := f.reconciler.Progress().Get("bf-rejected")
	if !ok || got.Status != backfill.StatusFailed || got.Error == "" || got.FinishedAt.IsZero() {
		t.Errorf("progress = %+v, %v", got, ok)
	}
	if f.store.Len() != 0 {
		t.Errorf("rejected run wrote %d rows", f.store.Len())
	}
}

// go test -v --run TestBackfillSuppressesLiveFlush
func TestBackfillSuppressesLiveFlush(t *testing.T) {
	ctx := context.Background()
	log := zaptest.NewLogger(t)
	f := newFixture(t, backfill.Options{})
	f.seed(day, 5)

	// record every write the live flush makes while the backfill runs
	var (
		mu          sync.Mutex
		running     bool
		liveBTCRows int
	)
	liveStore := &recordingStore{Store: f.store, onUpsert: func(candles []market.Candle) {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range candles {
			if running && c.Market.Base == "BTC" {
				liveBTCRows++
			}
		}
	}}

	acc := candle.NewAccumulator(faststore.NewMemoryStore(), log)
	coord := flush.NewCoordinator(acc, liveStore, f.guard, 2, time.Second, log)
	now := time.Now().UTC()
	price := market.AggregatedPrice{Price: d("100"), SourceCount: 1}
	if _, err := acc.Tick(ctx, btcUSDT, price, now); err != nil {
		t.Fatal(err)
	}
	if _, err := acc.Tick(ctx, ethUSDT, price, now); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.binance.OnHistory(func(market.Market) {
		once.Do(func() { close(started) })
		<-unblock
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.reconciler.Backfill(ctx, "BTC", day, day.Add(5*time.Minute), nil)
		done <- err
	}()

	<-started
	mu.Lock()
	running = true
	mu.Unlock()

	report := coord.Flush(ctx, now.Add(time.Minute))
	if report.Suppressed != 1 || report.Flushed != 1 {
		t.Errorf("flush during backfill = %+v", report)
	}

	mu.Lock()
	running = false
	mu.Unlock()
	close(unblock)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if liveBTCRows != 0 {
		t.Errorf("live flush wrote %d BTC rows during backfill", liveBTCRows)
	}
	if _, ok, _ := acc.Snapshot(ctx, btcUSDT); !ok {
		t.Error("suppressed BTC candle was cleared")
	}

	report = coord.Flush(ctx, now.Add(2*time.Minute))
	if report.Flushed != 1 {
		t.Errorf("flush after backfill = %+v", report)
	}
}

type recordingStore struct {
	*memory.Store
	onUpsert func([]market.Candle)
}

func (s *recordingStore) UpsertCandles(ctx context.Context, candles []market.Candle) error {
	s.onUpsert(candles)
	return s.Store.UpsertCandles(ctx, candles)
}
