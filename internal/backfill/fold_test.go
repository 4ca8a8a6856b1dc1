package backfill_test

import (
	"testing"
	"time"

	"candlecollector/internal/backfill"
	"candlecollector/internal/exchange/exchangetest"
	"candlecollector/internal/market"
)

// go test -v --run TestFoldZeroVolumeUsesMedian
func TestFoldZeroVolumeUsesMedian(t *testing.T) {
	klines := []market.Kline{
		exchangetest.Kline("a", btcUSDT, day, "100", "105", "95", "101", "0"),
		exchangetest.Kline("b", btcUSDT, day, "102", "120", "99", "103", "0"),
		exchangetest.Kline("c", btcUSDT, day, "0", "0", "0", "0", "0"),
	}
	c, ok := backfill.Fold(btcUSDT, day, klines)
	if !ok {
		t.Fatal("fold dropped valid klines")
	}
	if !c.Open.Equal(d("101")) || !c.High.Equal(d("112.5")) || !c.Low.Equal(d("97")) || !c.Close.Equal(d("102")) {
		t.Errorf("fold = o%s h%s l%s c%s", c.Open, c.High, c.Low, c.Close)
	}
	if c.SourceCount != 2 || !c.ClosedAt.Equal(day.Add(time.Minute)) {
		t.Errorf("source count %d, closedAt %v", c.SourceCount, c.ClosedAt)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("folded candle invalid: %v", err)
	}
}

// go test -v --run TestFoldNoUsableKlines
func TestFoldNoUsableKlines(t *testing.T) {
	klines := []market.Kline{exchangetest.Kline("a", btcUSDT, day, "0", "0", "0", "0", "1")}
	if _, ok := backfill.Fold(btcUSDT, day, klines); ok {
		t.Error("fold of zero-price kline reported ok")
	}
}
