package binance

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxKlineLimit is the page size cap of /api/v3/klines.
const MaxKlineLimit = 1000

type ticker24hResponse struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	CloseTime   int64           `json:"closeTime"`
}

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Ticker is the last traded price with rolling 24h volume.
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	Time        time.Time
}

// Kline is one row of /api/v3/klines.
type Kline struct {
	Start       time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}
