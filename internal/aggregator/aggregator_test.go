package aggregator_test

import (
	"errors"
	"testing"

	"candlecollector/internal/aggregator"
	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

func obs(price, volume string) market.PriceObservation {
	return market.PriceObservation{
		Exchange: "test",
		Pair:     "BTC/USDT",
		Price:    decimal.RequireFromString(price),
		Volume:   decimal.RequireFromString(volume),
	}
}

// go test -v --run TestMedianOdd
func TestMedianOdd(t *testing.T) {
	got, err := aggregator.Aggregate([]market.PriceObservation{
		obs("200", "0"), obs("100", "0"), obs("150", "0"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("price = %s, want 150", got.Price)
	}
	if got.Algorithm != market.AlgorithmMedian {
		t.Errorf("algorithm = %s, want median", got.Algorithm)
	}
	if got.SourceCount != 3 {
		t.Errorf("sourceCount = %d, want 3", got.SourceCount)
	}
}

// go test -v --run TestMedianEven
func TestMedianEven(t *testing.T) {
	got, err := aggregator.Aggregate([]market.PriceObservation{obs("100", "0"), obs("200", "0")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(150)) {
		t.Errorf("price = %s, want 150", got.Price)
	}
}

// go test -v --run TestVWAP
func TestVWAP(t *testing.T) {
	got, err := aggregator.Aggregate([]market.PriceObservation{
		obs("100", "1000"), obs("200", "4000"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(180)) {
		t.Errorf("price = %s, want 180", got.Price)
	}
	if got.Algorithm != market.AlgorithmVWAP {
		t.Errorf("algorithm = %s, want vwap", got.Algorithm)
	}
	if !got.TotalVolume.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("totalVolume = %s, want 5000", got.TotalVolume)
	}
}

// go test -v --run TestVWAPPrefersQuoteVolume
func TestVWAPPrefersQuoteVolume(t *testing.T) {
	a := obs("100", "1")
	a.QuoteVolume = decimal.NewFromInt(3000)
	b := obs("200", "1")
	b.QuoteVolume = decimal.NewFromInt(1000)

	got, err := aggregator.Aggregate([]market.PriceObservation{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (100*3000 + 200*1000) / 4000 = 125
	if !got.Price.Equal(decimal.NewFromInt(125)) {
		t.Errorf("price = %s, want 125", got.Price)
	}
	if !got.TotalQuoteVolume.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("totalQuoteVolume = %s, want 4000", got.TotalQuoteVolume)
	}
}

// go test -v --run TestZeroVolumeFallsBackToMedian
func TestZeroVolumeFallsBackToMedian(t *testing.T) {
	got, err := aggregator.Aggregate([]market.PriceObservation{
		obs("100", "0"), obs("110", "0"), obs("300", "0"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Algorithm != market.AlgorithmMedian || !got.Price.Equal(decimal.NewFromInt(110)) {
		t.Errorf("got %s via %s, want 110 via median", got.Price, got.Algorithm)
	}
}

// go test -v --run TestEmptyInput
func TestEmptyInput(t *testing.T) {
	_, err := aggregator.Aggregate(nil)
	if !errors.Is(err, aggregator.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}

// go test -v --run TestMedianDoesNotMutateInput
func TestMedianDoesNotMutateInput(t *testing.T) {
	in := []decimal.Decimal{decimal.NewFromInt(3), decimal.NewFromInt(1), decimal.NewFromInt(2)}
	_ = aggregator.Median(in)
	if !in[0].Equal(decimal.NewFromInt(3)) {
		t.Errorf("input reordered: %v", in)
	}
}

// go test -v --run TestDeviationFilter
func TestDeviationFilter(t *testing.T) {
	agg := aggregator.New(aggregator.DeviationFilter(5))
	got, err := agg.Aggregate([]market.PriceObservation{
		obs("100", "0"), obs("101", "0"), obs("102", "0"), obs("500", "0"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("price = %s, want 101 after dropping outlier", got.Price)
	}
	if got.SourceCount != 4 {
		t.Errorf("sourceCount = %d, want 4 (unfiltered input)", got.SourceCount)
	}
}
