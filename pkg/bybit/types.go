package bybit

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BybitResponse represents a generic response from Bybit's V5 REST API.
// This structure covers the standard response envelope used across all endpoints.
type BybitResponse struct {
	RetCode    int                    `json:"retCode"`    // 0 means success; non-zero indicates an error code
	RetMsg     string                 `json:"retMsg"`     // Human-readable message describing the result or error
	Result     json.RawMessage        `json:"result"`     // Delay decoding // Main response payload (varies per endpoint)
	RetExtInfo map[string]interface{} `json:"retExtInfo"` // Optional extra info (e.g. rate limits, error hints)
	Time       int64                  `json:"time"`       // Server timestamp (in milliseconds since epoch)
}

type TickersResponse struct {
	Category string `json:"category"`
	List     []struct {
		Symbol      string          `json:"symbol"`
		LastPrice   decimal.Decimal `json:"lastPrice"`
		Volume24h   decimal.Decimal `json:"volume24h"`
		Turnover24h decimal.Decimal `json:"turnover24h"`
	} `json:"list"`
}

type KlinesResponse struct {
	Category string     `json:"category"` // e.g., "linear", "spot"
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"` // newest first
}

// Ticker is the last traded price with rolling 24h volume.
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	Volume      decimal.Decimal // base asset, 24h
	QuoteVolume decimal.Decimal // turnover, 24h
	Time        time.Time
}

// Kline is one REST kline row.
type Kline struct {
	Start       time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal // turnover
}
