package fx_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"candlecollector/internal/faststore"
	"candlecollector/internal/fx"
	"candlecollector/pkg/upbit"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

func upbitServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if got := r.URL.Query().Get("markets"); got != "KRW-USDT" {
			t.Errorf("markets = %s", got)
		}
		fmt.Fprint(w, `[{"market":"KRW-USDT","trade_price":1400,"acc_trade_volume_24h":1,"acc_trade_price_24h":1400,"timestamp":1714557600000}]`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// go test -v --run TestUpbitProvider
func TestUpbitProvider(t *testing.T) {
	var calls int32
	p := fx.NewUpbitProvider(upbit.NewRESTClient(upbitServer(t, &calls).URL, time.Second, 0, 0))
	ctx := context.Background()

	rate, err := p.Rate(ctx, "usdt", "krw")
	if err != nil || !rate.Equal(decimal.NewFromInt(1400)) {
		t.Fatalf("rate = %s, %v", rate, err)
	}
	inv, err := p.Rate(ctx, "KRW", "USDT")
	if err != nil || !inv.Mul(decimal.NewFromInt(1400)).Round(8).Equal(decimal.NewFromInt(1)) {
		t.Errorf("inverse = %s, %v", inv, err)
	}
	if _, err := p.Rate(ctx, "USDT", "EUR"); !errors.Is(err, fx.ErrUnsupportedPair) {
		t.Errorf("err = %v", err)
	}
}

// go test -v --run TestRatesCaches
func TestRatesCaches(t *testing.T) {
	var calls int32
	p := fx.NewUpbitProvider(upbit.NewRESTClient(upbitServer(t, &calls).URL, time.Second, 0, 0))
	rates := fx.NewRates(p, faststore.NewMemoryStore(), time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rate, err := rates.Get(ctx, "USDT", "KRW")
		if err != nil || !rate.Equal(decimal.NewFromInt(1400)) {
			t.Fatalf("get %d: %s, %v", i, rate, err)
		}
	}
	if calls != 1 {
		t.Errorf("provider calls = %d, want 1", calls)
	}
	if one, _ := rates.Get(ctx, "KRW", "krw"); !one.Equal(decimal.NewFromInt(1)) {
		t.Errorf("identity rate = %s", one)
	}
}

// go test -v --run TestPremium
func TestPremium(t *testing.T) {
	// 91,000,000 KRW vs 65,000 USDT at 1,400 KRW/USDT -> 0%
	p, err := fx.Premium(decimal.NewFromInt(91000000), decimal.NewFromInt(65000), decimal.NewFromInt(1400))
	if err != nil || !p.IsZero() {
		t.Errorf("premium = %s, %v", p, err)
	}
	p, _ = fx.Premium(decimal.NewFromInt(95550000), decimal.NewFromInt(65000), decimal.NewFromInt(1400))
	if !p.Equal(decimal.NewFromInt(5)) {
		t.Errorf("premium = %s, want 5", p)
	}
	if _, err := fx.Premium(decimal.NewFromInt(1), decimal.Zero, decimal.NewFromInt(1400)); err == nil {
		t.Error("expected error for zero reference")
	}
}
