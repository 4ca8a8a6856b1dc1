package exchange

import (
	"context"
	"time"

	"candlecollector/internal/market"
	"candlecollector/pkg/binance"
	"candlecollector/pkg/bybit"
	"candlecollector/pkg/upbit"
)

const (
	Binance = "binance"
	Bybit   = "bybit"
	Upbit   = "upbit"
)

type binanceSource struct {
	client *binance.RESTClient
}

func NewBinance(client *binance.RESTClient) Source {
	return &binanceSource{client: client}
}

func (s *binanceSource) Name() string { return Binance }

func (s *binanceSource) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	t, err := s.client.GetTicker(ctx, m.Base+m.Quote)
	if err != nil {
		return market.PriceObservation{}, unavailable(Binance, m, err)
	}
	return observation(Binance, m, t.LastPrice, t.Volume, t.QuoteVolume, t.Time)
}

func (s *binanceSource) FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error) {
	rows, err := s.client.GetKlineRange(ctx, m.Base+m.Quote, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.Kline, len(rows))
	for i, k := range rows {
		out[i] = market.Kline{
			Exchange: Binance, Pair: m.Pair(), Start: k.Start,
			Open: k.Open, High: k.High, Low: k.Low, Close: k.Close,
			Volume: k.Volume, QuoteVolume: k.QuoteVolume,
		}
	}
	return out, nil
}

type bybitSource struct {
	client   *bybit.RESTClient
	category string
}

func NewBybit(client *bybit.RESTClient) Source {
	return &bybitSource{client: client, category: bybit.CategorySpot}
}

func (s *bybitSource) Name() string { return Bybit }

func (s *bybitSource) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	t, err := s.client.GetTicker(ctx, s.category, m.Base+m.Quote)
	if err != nil {
		return market.PriceObservation{}, unavailable(Bybit, m, err)
	}
	return observation(Bybit, m, t.LastPrice, t.Volume, t.QuoteVolume, t.Time)
}

func (s *bybitSource) FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error) {
	rows, err := s.client.GetKlineRange(ctx, s.category, m.Base+m.Quote, bybit.Interval1Min, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.Kline, len(rows))
	for i, k := range rows {
		out[i] = market.Kline{
			Exchange: Bybit, Pair: m.Pair(), Start: k.Start,
			Open: k.Open, High: k.High, Low: k.Low, Close: k.Close,
			Volume: k.Volume, QuoteVolume: k.QuoteVolume,
		}
	}
	return out, nil
}

type upbitSource struct {
	client *upbit.RESTClient
}

func NewUpbit(client *upbit.RESTClient) Source {
	return &upbitSource{client: client}
}

func (s *upbitSource) Name() string { return Upbit }

func (s *upbitSource) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	t, err := s.client.GetTicker(ctx, upbit.MarketCode(m.Base, m.Quote))
	if err != nil {
		return market.PriceObservation{}, unavailable(Upbit, m, err)
	}
	return observation(Upbit, m, t.LastPrice, t.Volume, t.QuoteVolume, t.Time)
}

func (s *upbitSource) FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error) {
	rows, err := s.client.GetCandleRange(ctx, upbit.MarketCode(m.Base, m.Quote), start, end)
	if err != nil {
		return nil, err
	}
	out := make([]market.Kline, len(rows))
	for i, k := range rows {
		out[i] = market.Kline{
			Exchange: Upbit, Pair: m.Pair(), Start: k.Start,
			Open: k.Open, High: k.High, Low: k.Low, Close: k.Close,
			Volume: k.Volume, QuoteVolume: k.QuoteVolume,
		}
	}
	return out, nil
}
