package faststore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"candlecollector/internal/faststore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func newRedisStore(t *testing.T) *faststore.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return faststore.NewRedisStoreFromClient(client, faststore.RedisOptions{QuoteTTL: time.Minute})
}

func stores(t *testing.T) map[string]faststore.Store {
	return map[string]faststore.Store{
		"memory": faststore.NewMemoryStore(),
		"redis":  newRedisStore(t),
	}
}

func price(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func setClose(v int64) faststore.UpdateFunc {
	return func(cur *faststore.Record) (*faststore.Record, error) {
		if cur == nil {
			return &faststore.Record{
				Open: price(v), High: price(v), Low: price(v), Close: price(v),
				BucketStart: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
				UpdatedAt:   time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC),
				SourceCount: 1,
			}, nil
		}
		next := *cur
		next.Close = price(v)
		return &next, nil
	}
}

// go test -v --run TestUpdateVersions
func TestUpdateVersions(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r1, err := s.Update(ctx, "BTC:USDT", setClose(100))
			if err != nil {
				t.Fatalf("first update: %v", err)
			}
			r2, err := s.Update(ctx, "BTC:USDT", setClose(101))
			if err != nil {
				t.Fatalf("second update: %v", err)
			}
			if r2.Version != r1.Version+1 {
				t.Errorf("version %d -> %d, want +1", r1.Version, r2.Version)
			}

			got, err := s.Get(ctx, "BTC:USDT")
			if err != nil || got == nil {
				t.Fatalf("get: %v %v", got, err)
			}
			if !got.Close.Equal(price(101)) || !got.Open.Equal(price(100)) {
				t.Errorf("unexpected record %+v", got)
			}
			if !got.BucketStart.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
				t.Errorf("bucket start = %v", got.BucketStart)
			}

			syms, err := s.Symbols(ctx)
			if err != nil || len(syms) != 1 || syms[0] != "BTC:USDT" {
				t.Errorf("symbols = %v, %v", syms, err)
			}
		})
	}
}

// go test -v --run TestCompareAndDelete
func TestCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r1, _ := s.Update(ctx, "ETH:KRW", setClose(10))
			if _, err := s.Update(ctx, "ETH:KRW", setClose(11)); err != nil {
				t.Fatalf("update: %v", err)
			}

			ok, err := s.CompareAndDelete(ctx, "ETH:KRW", r1.Version)
			if err != nil {
				t.Fatalf("stale delete: %v", err)
			}
			if ok {
				t.Fatal("stale version must not delete")
			}
			if got, _ := s.Get(ctx, "ETH:KRW"); got == nil {
				t.Fatal("record gone after stale compare-and-delete")
			}

			ok, err = s.CompareAndDelete(ctx, "ETH:KRW", r1.Version+1)
			if err != nil || !ok {
				t.Fatalf("current version delete = %v, %v", ok, err)
			}
			if got, _ := s.Get(ctx, "ETH:KRW"); got != nil {
				t.Errorf("record still present: %+v", got)
			}
			if syms, _ := s.Symbols(ctx); len(syms) != 0 {
				t.Errorf("symbols after delete = %v", syms)
			}
		})
	}
}

// go test -v --run TestConcurrentUpdates
func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := faststore.NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, "BTC:USDT", setClose(100))
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, "BTC:USDT")
	if got == nil || got.Version != 50 {
		t.Fatalf("expected 50 serialized updates, got %+v", got)
	}
}

// go test -v --run TestExchangeQuotes
func TestExchangeQuotes(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			q := faststore.ExchangeQuote{Close: price(50), Volume: price(2), Timestamp: time.UnixMilli(1714557600000).UTC()}
			if err := s.PutExchangeQuote(ctx, "BTC/USDT", "binance", q); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := s.PutExchangeQuote(ctx, "BTC/KRW", "upbit", q); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, err := s.ExchangeQuotes(ctx, "BTC/USDT")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 1 || !got["binance"].Close.Equal(price(50)) {
				t.Errorf("unexpected quotes %+v", got)
			}

			if err := s.DeleteExchangeQuotes(ctx, "BTC"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if got, _ := s.ExchangeQuotes(ctx, "BTC/KRW"); len(got) != 0 {
				t.Errorf("quotes left after delete: %+v", got)
			}
		})
	}
}

// go test -v --run TestFxRate
func TestFxRate(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, _ := s.FxRate(ctx, "USDT", "KRW"); ok {
				t.Fatal("unexpected cached rate")
			}
			if err := s.PutFxRate(ctx, "usdt", "krw", decimal.RequireFromString("1380.5"), time.Minute); err != nil {
				t.Fatalf("put: %v", err)
			}
			rate, ok, err := s.FxRate(ctx, "USDT", "KRW")
			if err != nil || !ok || !rate.Equal(decimal.RequireFromString("1380.5")) {
				t.Errorf("rate = %s %v %v", rate, ok, err)
			}
		})
	}
}

// go test -v --run TestSealedBucketsRoundTrip
func TestSealedBucketsRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Update(ctx, "BTC:USDT", func(*faststore.Record) (*faststore.Record, error) {
				return &faststore.Record{
					Open: price(120), High: price(130), Low: price(120), Close: price(130),
					Volume: price(4), VolumeMark: price(1004), QuoteVolumeMark: price(90000),
					BucketStart: bucket.Add(time.Minute), UpdatedAt: bucket.Add(time.Minute + time.Second),
					SourceCount: 2,
					Sealed: []faststore.SealedCandle{{
						Open: price(100), High: price(100), Low: price(100), Close: price(100),
						Volume: price(3), BucketStart: bucket, UpdatedAt: bucket.Add(time.Second), SourceCount: 2,
					}},
				}, nil
			})
			if err != nil {
				t.Fatal(err)
			}

			got, err := s.Get(ctx, "BTC:USDT")
			if err != nil || got == nil {
				t.Fatalf("get: %v %v", got, err)
			}
			if !got.VolumeMark.Equal(price(1004)) || !got.QuoteVolumeMark.Equal(price(90000)) || !got.Volume.Equal(price(4)) {
				t.Errorf("volume fields = %s %s %s", got.Volume, got.VolumeMark, got.QuoteVolumeMark)
			}
			if len(got.Sealed) != 1 || !got.Sealed[0].BucketStart.Equal(bucket) || !got.Sealed[0].Volume.Equal(price(3)) {
				t.Fatalf("sealed = %+v", got.Sealed)
			}

			// dropping the sealed bucket must not leave a stale copy behind
			_, err = s.Update(ctx, "BTC:USDT", func(cur *faststore.Record) (*faststore.Record, error) {
				next := *cur
				next.Sealed = nil
				return &next, nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if got, _ := s.Get(ctx, "BTC:USDT"); len(got.Sealed) != 0 {
				t.Errorf("sealed after trim = %+v", got.Sealed)
			}
		})
	}
}

// go test -v --run TestLeases
func TestLeases(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, held, err := s.LeaseHolder(ctx, "backfill:BTC"); err != nil || held {
				t.Fatalf("fresh lease held=%v err=%v", held, err)
			}
			if ok, err := s.AcquireLease(ctx, "backfill:BTC", "a", time.Minute); err != nil || !ok {
				t.Fatalf("acquire = %v, %v", ok, err)
			}
			if ok, _ := s.AcquireLease(ctx, "backfill:BTC", "b", time.Minute); ok {
				t.Error("second owner acquired a held lease")
			}
			if owner, held, _ := s.LeaseHolder(ctx, "backfill:BTC"); !held || owner != "a" {
				t.Errorf("holder = %q %v", owner, held)
			}

			if ok, _ := s.RefreshLease(ctx, "backfill:BTC", "b", time.Minute); ok {
				t.Error("non-owner refreshed the lease")
			}
			if ok, err := s.RefreshLease(ctx, "backfill:BTC", "a", time.Minute); err != nil || !ok {
				t.Errorf("owner refresh = %v, %v", ok, err)
			}

			if err := s.ReleaseLease(ctx, "backfill:BTC", "b"); err != nil {
				t.Fatal(err)
			}
			if _, held, _ := s.LeaseHolder(ctx, "backfill:BTC"); !held {
				t.Fatal("non-owner released the lease")
			}
			if err := s.ReleaseLease(ctx, "backfill:BTC", "a"); err != nil {
				t.Fatal(err)
			}
			if ok, _ := s.AcquireLease(ctx, "backfill:BTC", "b", time.Minute); !ok {
				t.Error("lease not free after release")
			}
		})
	}
}
