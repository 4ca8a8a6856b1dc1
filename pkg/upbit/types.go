package upbit

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxCandleCount is the page size cap of /v1/candles/minutes.
const MaxCandleCount = 200

// candleTimeLayout is the layout of candle_date_time_utc.
const candleTimeLayout = "2006-01-02T15:04:05"

type tickerResponse struct {
	Market            string          `json:"market"` // e.g. "KRW-BTC"
	TradePrice        decimal.Decimal `json:"trade_price"`
	AccTradeVolume24h decimal.Decimal `json:"acc_trade_volume_24h"`
	AccTradePrice24h  decimal.Decimal `json:"acc_trade_price_24h"`
	Timestamp         int64           `json:"timestamp"`
}

type candleResponse struct {
	Market               string          `json:"market"`
	CandleDateTimeUTC    string          `json:"candle_date_time_utc"`
	OpeningPrice         decimal.Decimal `json:"opening_price"`
	HighPrice            decimal.Decimal `json:"high_price"`
	LowPrice             decimal.Decimal `json:"low_price"`
	TradePrice           decimal.Decimal `json:"trade_price"`
	CandleAccTradeVolume decimal.Decimal `json:"candle_acc_trade_volume"`
	CandleAccTradePrice  decimal.Decimal `json:"candle_acc_trade_price"`
}

type errorResponse struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Ticker is the last traded price with rolling 24h volume.
type Ticker struct {
	Market      string
	LastPrice   decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	Time        time.Time
}

// Candle is one minute candle.
type Candle struct {
	Start       time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}

// MarketCode returns Upbit's "QUOTE-BASE" notation, e.g. "KRW-BTC".
func MarketCode(base, quote string) string {
	return quote + "-" + base
}
