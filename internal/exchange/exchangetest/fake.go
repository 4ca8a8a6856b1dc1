// Package exchangetest provides a scriptable exchange.Source for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candlecollector/internal/exchange"
	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

type Fake struct {
	name string

	mu         sync.Mutex
	prices     map[string]market.PriceObservation
	errs       map[string]error
	history    map[string][]market.Kline
	historyErr map[string]error
	delay      time.Duration
	onHistory  func(m market.Market)
	calls      int
}

var _ exchange.Source = (*Fake)(nil)

func NewFake(name string) *Fake {
	return &Fake{
		name:       name,
		prices:     make(map[string]market.PriceObservation),
		errs:       make(map[string]error),
		history:    make(map[string][]market.Kline),
		historyErr: make(map[string]error),
	}
}

func (f *Fake) Name() string { return f.name }

// SetPrice scripts the next FetchPrice result for m.
func (f *Fake) SetPrice(m market.Market, price, volume string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.errs, m.Pair())
	f.prices[m.Pair()] = market.PriceObservation{
		Exchange: f.name,
		Pair:     m.Pair(),
		Price:    decimal.RequireFromString(price),
		Volume:   decimal.RequireFromString(volume),
	}
}

// SetError makes FetchPrice for m fail with err.
func (f *Fake) SetError(m market.Market, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[m.Pair()] = err
}

// SetDelay makes FetchPrice block for d or until ctx is done.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) SetHistory(m market.Market, klines []market.Kline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[m.Pair()] = klines
}

// OnHistory runs at the start of every FetchHistoricalRange call.
func (f *Fake) OnHistory(fn func(m market.Market)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onHistory = fn
}

func (f *Fake) SetHistoryError(m market.Market, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr[m.Pair()] = err
}

// Calls counts FetchPrice and FetchHistoricalRange invocations.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	f.mu.Lock()
	f.calls++
	delay := f.delay
	obs, ok := f.prices[m.Pair()]
	err := f.errs[m.Pair()]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return market.PriceObservation{}, ctx.Err()
		}
	}
	if err != nil {
		return market.PriceObservation{}, err
	}
	if !ok {
		return market.PriceObservation{}, fmt.Errorf("%w: %s has no price for %s", exchange.ErrUnavailable, f.name, m.Pair())
	}
	obs.ObservedAt = time.Now().UTC()
	return obs, nil
}

func (f *Fake) FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error) {
	f.mu.Lock()
	hook := f.onHistory
	f.mu.Unlock()
	if hook != nil {
		hook(m)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if err := f.historyErr[m.Pair()]; err != nil {
		return nil, err
	}
	var out []market.Kline
	for _, k := range f.history[m.Pair()] {
		if !k.Start.Before(start) && k.Start.Before(end) {
			out = append(out, k)
		}
	}
	return out, ctx.Err()
}

// Kline builds a one-minute history row.
func Kline(exchangeName string, m market.Market, start time.Time, o, h, l, c, v string) market.Kline {
	return market.Kline{
		Exchange: exchangeName,
		Pair:     m.Pair(),
		Start:    start,
		Open:     decimal.RequireFromString(o),
		High:     decimal.RequireFromString(h),
		Low:      decimal.RequireFromString(l),
		Close:    decimal.RequireFromString(c),
		Volume:   decimal.RequireFromString(v),
	}
}
