package bybit

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ParseKlineList converts Bybit REST API kline rows
// [start, open, high, low, close, volume, turnover] to []Kline.
// It safely skips invalid rows.
func ParseKlineList(raw [][]string) []Kline {
	out := make([]Kline, 0, len(raw))

	for _, row := range raw {
		if len(row) < 7 {
			continue // skip incomplete row
		}

		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}

		var vals [6]decimal.Decimal
		ok := true
		for i := range vals {
			v, err := decimal.NewFromString(row[i+1])
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}

		out = append(out, Kline{
			Start:       time.UnixMilli(start).UTC(),
			Open:        vals[0],
			High:        vals[1],
			Low:         vals[2],
			Close:       vals[3],
			Volume:      vals[4],
			QuoteVolume: vals[5],
		})
	}
	return out
}
