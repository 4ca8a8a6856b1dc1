package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market is a (base asset, quote currency) pair, e.g. BTC priced in USDT.
type Market struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// New returns a Market with upper-cased asset codes.
func New(base, quote string) Market {
	return Market{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// Symbol is the durable-store key, e.g. "BTC:USDT".
func (m Market) Symbol() string {
	return m.Base + ":" + m.Quote
}

// Pair is the quote-source pair notation, e.g. "BTC/USDT".
func (m Market) Pair() string {
	return m.Base + "/" + m.Quote
}

func (m Market) String() string {
	return m.Symbol()
}

// ParseSymbol parses "BASE:QUOTE".
func ParseSymbol(s string) (Market, error) {
	return parse(s, ":")
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string) (Market, error) {
	return parse(s, "/")
}

func parse(s, sep string) (Market, error) {
	parts := strings.Split(s, sep)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return Market{}, fmt.Errorf("invalid market %q: want BASE%sQUOTE", s, sep)
	}
	return New(parts[0], parts[1]), nil
}

// PriceObservation is one exchange's quote for a pair at a point in time.
type PriceObservation struct {
	Exchange    string          `json:"exchange"`
	Pair        string          `json:"pair"`        // BASE/QUOTE
	Price       decimal.Decimal `json:"price"`       // > 0
	Volume      decimal.Decimal `json:"volume"`      // base-asset units
	QuoteVolume decimal.Decimal `json:"quoteVolume"` // quote-currency units
	ObservedAt  time.Time       `json:"observedAt"`
}

// Algorithm names the method used to combine observations.
type Algorithm string

const (
	AlgorithmVWAP   Algorithm = "vwap"
	AlgorithmMedian Algorithm = "median"
)

// AggregatedPrice is the combined price of same-market observations.
type AggregatedPrice struct {
	Price            decimal.Decimal `json:"price"`
	TotalVolume      decimal.Decimal `json:"totalVolume"`
	TotalQuoteVolume decimal.Decimal `json:"totalQuoteVolume"`
	SourceCount      int             `json:"sourceCount"`
	Algorithm        Algorithm       `json:"algorithm"`
}

// Kline is one exchange-reported historical OHLCV bar.
type Kline struct {
	Exchange    string
	Pair        string
	Start       time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
}
