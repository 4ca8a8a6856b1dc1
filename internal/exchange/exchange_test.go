package exchange_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"candlecollector/config"
	"candlecollector/internal/exchange"
	"candlecollector/internal/exchange/exchangetest"
	"candlecollector/internal/market"
	"candlecollector/pkg/binance"
	"candlecollector/pkg/upbit"

	"github.com/sony/gobreaker"
	"go.uber.org/zap/zaptest"
)

var btcUSDT = market.New("BTC", "USDT")

// go test -v --run TestBinanceAdapter
func TestBinanceAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s", got)
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"64000","volume":"10","quoteVolume":"640000","closeTime":1714557600000}`)
	}))
	defer srv.Close()

	src := exchange.NewBinance(binance.NewRESTClient(srv.URL, time.Second, 0, 0))
	obs, err := src.FetchPrice(context.Background(), btcUSDT)
	if err != nil {
		t.Fatal(err)
	}
	if obs.Exchange != "binance" || obs.Pair != "BTC/USDT" || obs.Price.String() != "64000" {
		t.Errorf("observation = %+v", obs)
	}
}

// go test -v --run TestUpbitAdapterZeroPrice
func TestUpbitAdapterZeroPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"market":"KRW-BTC","trade_price":0,"acc_trade_volume_24h":0,"acc_trade_price_24h":0,"timestamp":0}]`)
	}))
	defer srv.Close()

	src := exchange.NewUpbit(upbit.NewRESTClient(srv.URL, time.Second, 0, 0))
	_, err := src.FetchPrice(context.Background(), market.New("BTC", "KRW"))
	if !errors.Is(err, exchange.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

// go test -v --run TestWithTimeout
func TestWithTimeout(t *testing.T) {
	fake := exchangetest.NewFake("slow")
	fake.SetPrice(btcUSDT, "100", "1")
	fake.SetDelay(time.Second)

	src := exchange.WithTimeout(fake, 20*time.Millisecond)
	began := time.Now()
	_, err := src.FetchPrice(context.Background(), btcUSDT)
	if !errors.Is(err, exchange.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if time.Since(began) > 500*time.Millisecond {
		t.Errorf("timeout not enforced: %v", time.Since(began))
	}
}

// go test -v --run TestCircuitBreakerOpens
func TestCircuitBreakerOpens(t *testing.T) {
	fake := exchangetest.NewFake("flaky")
	fake.SetError(btcUSDT, errors.New("502 bad gateway"))

	src := exchange.WithCircuitBreaker(fake, exchange.BreakerSettings{
		MaxFailures: 3,
		OpenTimeout: time.Minute,
	}, zaptest.NewLogger(t))
	src = exchange.WithTimeout(src, time.Second)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := src.FetchPrice(ctx, btcUSDT); err == nil {
			t.Fatalf("call %d succeeded", i)
		}
	}
	if state, ok := exchange.BreakerState(src); !ok || state != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v (found %v), want open", state, ok)
	}

	_, err := src.FetchPrice(ctx, btcUSDT)
	if !errors.Is(err, exchange.ErrUnavailable) {
		t.Errorf("open breaker err = %v, want ErrUnavailable", err)
	}
	if fake.Calls() != 3 {
		t.Errorf("calls = %d, open breaker must not reach the exchange", fake.Calls())
	}
}

// go test -v --run TestRegistryFromConfig
func TestRegistryFromConfig(t *testing.T) {
	log := zaptest.NewLogger(t)
	reg, err := exchange.NewRegistryFromConfig(map[string]config.ExchangeConfig{
		"binance": {BaseURL: "http://localhost", Timeout: time.Second},
		"upbit":   {BaseURL: "http://localhost", Timeout: time.Second, Breaker: config.BreakerConfig{Enabled: true}},
	}, time.Second, log)
	if err != nil {
		t.Fatal(err)
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "binance" || names[1] != "upbit" {
		t.Errorf("names = %v", names)
	}
	up, ok := reg.Get("UPBIT")
	if !ok {
		t.Fatal("upbit not registered")
	}
	if _, ok := exchange.BreakerState(up); !ok {
		t.Error("upbit breaker not applied")
	}

	if _, err := exchange.NewRegistryFromConfig(map[string]config.ExchangeConfig{"kraken": {}}, time.Second, log); err == nil {
		t.Error("expected error for unsupported exchange")
	}
}
