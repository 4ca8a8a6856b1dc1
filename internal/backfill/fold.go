package backfill

import (
	"time"

	"candlecollector/internal/aggregator"
	"candlecollector/internal/market"

	"github.com/shopspring/decimal"
)

// Fold combines the klines several exchanges reported for the same market
// and minute. Each OHLC field is aggregated with the live policy using
// every kline's volume as its weight; identical weights keep
// low <= open, close <= high. Volumes are summed. Klines without a
// positive close are ignored; ok is false when none remain.
func Fold(m market.Market, minute time.Time, klines []market.Kline) (c market.Candle, ok bool) {
	var opens, highs, lows, closes []market.PriceObservation
	volume, quoteVolume := decimal.Zero, decimal.Zero

	for _, k := range klines {
		if !k.Close.IsPositive() || !k.Open.IsPositive() {
			continue
		}
		obs := func(p decimal.Decimal) market.PriceObservation {
			return market.PriceObservation{
				Exchange:    k.Exchange,
				Pair:        k.Pair,
				Price:       p,
				Volume:      k.Volume,
				QuoteVolume: k.QuoteVolume,
			}
		}
		opens = append(opens, obs(k.Open))
		highs = append(highs, obs(k.High))
		lows = append(lows, obs(k.Low))
		closes = append(closes, obs(k.Close))
		volume = volume.Add(k.Volume)
		quoteVolume = quoteVolume.Add(k.QuoteVolume)
	}
	if len(closes) == 0 {
		return market.Candle{}, false
	}

	open := mustAggregate(opens)
	closePrice := mustAggregate(closes)
	high := decimal.Max(mustAggregate(highs), open, closePrice)
	low := decimal.Min(mustAggregate(lows), open, closePrice)

	return market.Candle{
		Market:      m,
		Time:        minute,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		SourceCount: len(closes),
		ClosedAt:    minute.Add(market.BucketSize),
	}, true
}

func mustAggregate(obs []market.PriceObservation) decimal.Decimal {
	p, err := aggregator.Aggregate(obs)
	if err != nil {
		// obs is never empty here
		return decimal.Zero
	}
	return p.Price
}
