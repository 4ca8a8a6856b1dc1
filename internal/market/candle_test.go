package market_test

import (
	"errors"
	"testing"
	"time"

	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func baseCandle() market.Candle {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return market.Candle{
		Market:      market.New("btc", "usdt"),
		Time:        t0,
		Open:        d("95"),
		High:        d("100"),
		Low:         d("90"),
		Close:       d("97"),
		Volume:      d("10"),
		QuoteVolume: d("970"),
		SourceCount: 2,
		ClosedAt:    t0.Add(30 * time.Second),
	}
}

// go test -v --run TestMergeMonotonic
func TestMergeMonotonic(t *testing.T) {
	existing := baseCandle()
	incoming := existing
	incoming.Open = d("93")
	incoming.High = d("95")
	incoming.Low = d("85")
	incoming.Close = d("92")
	incoming.ClosedAt = existing.ClosedAt.Add(10 * time.Second)

	got := market.Merge(existing, incoming)

	if !got.High.Equal(d("100")) {
		t.Errorf("high = %s, want 100", got.High)
	}
	if !got.Low.Equal(d("85")) {
		t.Errorf("low = %s, want 85", got.Low)
	}
	if !got.Close.Equal(d("92")) {
		t.Errorf("close = %s, want 92", got.Close)
	}
	if !got.Open.Equal(d("95")) {
		t.Errorf("open = %s, want existing 95", got.Open)
	}
}

// go test -v --run TestMergeOlderWriteKeepsClose
func TestMergeOlderWriteKeepsClose(t *testing.T) {
	existing := baseCandle()
	stale := existing
	stale.Close = d("91")
	stale.Volume = d("1")
	stale.ClosedAt = existing.ClosedAt.Add(-20 * time.Second)

	got := market.Merge(existing, stale)
	if !got.Close.Equal(existing.Close) || !got.Volume.Equal(existing.Volume) {
		t.Errorf("stale write replaced close/volume: %+v", got)
	}
	if !got.ClosedAt.Equal(existing.ClosedAt) {
		t.Errorf("closedAt regressed to %v", got.ClosedAt)
	}
}

// go test -v --run TestMergeIdempotent
func TestMergeIdempotent(t *testing.T) {
	c := baseCandle()
	got := market.Merge(c, c)
	if !got.Open.Equal(c.Open) || !got.High.Equal(c.High) || !got.Low.Equal(c.Low) ||
		!got.Close.Equal(c.Close) || !got.Volume.Equal(c.Volume) || got.SourceCount != c.SourceCount {
		t.Errorf("merge of identical candles changed values: %+v", got)
	}
}

// go test -v --run TestCandleValidate
func TestCandleValidate(t *testing.T) {
	if err := baseCandle().Validate(); err != nil {
		t.Fatalf("valid candle rejected: %v", err)
	}

	missingClose := baseCandle()
	missingClose.Close = decimal.Zero
	if err := missingClose.Validate(); !errors.Is(err, market.ErrInvalidCandle) {
		t.Errorf("expected ErrInvalidCandle for missing close, got %v", err)
	}

	inverted := baseCandle()
	inverted.Low = d("101")
	if err := inverted.Validate(); !errors.Is(err, market.ErrInvalidCandle) {
		t.Errorf("expected ErrInvalidCandle for low > high, got %v", err)
	}
}

// go test -v --run TestBucketStart
func TestBucketStart(t *testing.T) {
	loc := time.FixedZone("KST", 9*60*60)
	in := time.Date(2024, 5, 1, 19, 0, 59, 999, loc)
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := market.BucketStart(in); !got.Equal(want) || got.Location() != time.UTC {
		t.Errorf("BucketStart = %v, want %v UTC", got, want)
	}
}

// go test -v --run TestParseSymbol
func TestParseSymbol(t *testing.T) {
	m, err := market.ParseSymbol("eth:krw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Base != "ETH" || m.Quote != "KRW" || m.Pair() != "ETH/KRW" {
		t.Errorf("unexpected market %+v", m)
	}
	if _, err := market.ParsePair("BTCUSDT"); err == nil {
		t.Error("expected error for pair without separator")
	}
}

// go test -v --run TestUniverse
func TestUniverse(t *testing.T) {
	u := market.NewUniverse([]string{"btc", "eth"}, []market.QuoteVenue{
		{Currency: "usdt", Exchanges: []string{"Binance", "bybit"}},
		{Currency: "krw", Exchanges: []string{"upbit"}},
	})
	if err := u.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := len(u.Markets()); got != 4 {
		t.Errorf("markets = %d, want 4", got)
	}
	if got := u.QuotesFor("upbit"); len(got) != 1 || got[0] != "KRW" {
		t.Errorf("QuotesFor(upbit) = %v", got)
	}
	if got := u.ExchangesFor("usdt"); len(got) != 2 || got[0] != "binance" {
		t.Errorf("ExchangesFor(usdt) = %v", got)
	}
	if u.HasBase("sol") {
		t.Error("unexpected base SOL")
	}
}
