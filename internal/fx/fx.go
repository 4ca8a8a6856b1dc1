// Package fx provides the reference rate between two quote currencies.
// Rates only feed the informational premium; they never merge prices
// across quote currencies.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"candlecollector/pkg/upbit"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrUnsupportedPair = errors.New("fx: unsupported currency pair")

// Provider quotes how many units of to one unit of from buys.
type Provider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// UpbitProvider reads KRW rates from Upbit's KRW-<asset> tickers,
// e.g. USDT->KRW from KRW-USDT.
type UpbitProvider struct {
	client *upbit.RESTClient
}

func NewUpbitProvider(client *upbit.RESTClient) *UpbitProvider {
	return &UpbitProvider{client: client}
}

func (p *UpbitProvider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	switch {
	case to == "KRW" && from != "KRW":
		t, err := p.client.GetTicker(ctx, upbit.MarketCode(from, "KRW"))
		if err != nil {
			return decimal.Zero, fmt.Errorf("fx %s/%s: %w", from, to, err)
		}
		return t.LastPrice, nil
	case from == "KRW" && to != "KRW":
		inv, err := p.Rate(ctx, to, from)
		if err != nil {
			return decimal.Zero, err
		}
		if !inv.IsPositive() {
			return decimal.Zero, fmt.Errorf("fx %s/%s: non-positive rate %s", to, from, inv)
		}
		return decimal.NewFromInt(1).Div(inv), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrUnsupportedPair, from, to)
	}
}

// Cache stores rates with a TTL. faststore.Store implements it.
type Cache interface {
	PutFxRate(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error
	FxRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error)
}

// Rates serves cached rates and falls back to the provider on a miss.
type Rates struct {
	provider Provider
	cache    Cache
	ttl      time.Duration
	logger   *zap.Logger
}

func NewRates(provider Provider, cache Cache, ttl time.Duration, logger *zap.Logger) *Rates {
	return &Rates{provider: provider, cache: cache, ttl: ttl, logger: logger}
}

func (r *Rates) Get(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	rate, ok, err := r.cache.FxRate(ctx, from, to)
	if err != nil {
		r.logger.Warn("fx cache read failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
	if ok {
		return rate, nil
	}
	return r.Refresh(ctx, from, to)
}

// Refresh fetches the rate from the provider and caches it.
func (r *Rates) Refresh(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	rate, err := r.provider.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("fx %s/%s: non-positive rate %s", from, to, rate)
	}
	if err := r.cache.PutFxRate(ctx, from, to, rate, r.ttl); err != nil {
		r.logger.Warn("fx cache write failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
	}
	return rate, nil
}

// Premium is the percentage by which price exceeds refPrice converted
// with rate (units of price's currency per unit of refPrice's currency).
func Premium(price, refPrice, rate decimal.Decimal) (decimal.Decimal, error) {
	converted := refPrice.Mul(rate)
	if !converted.IsPositive() {
		return decimal.Zero, fmt.Errorf("fx: non-positive reference %s", converted)
	}
	return price.Sub(converted).Div(converted).Mul(decimal.NewFromInt(100)), nil
}
