package bybit

import (
	"fmt"
	"time"
)

const (
	CategorySpot   = "spot"
	CategoryLinear = "linear"

	// MaxKlineLimit is the page size cap of /v5/market/kline.
	MaxKlineLimit = 1000
)

// KlineInterval is the interval type used for API requests
type KlineInterval string

const (
	Interval1Min  KlineInterval = "1"
	Interval5Min  KlineInterval = "5"
	Interval15Min KlineInterval = "15"
	Interval60Min KlineInterval = "60"
	IntervalDaily KlineInterval = "D"
)

var intervalDurations = map[KlineInterval]time.Duration{
	Interval1Min:  time.Minute,
	Interval5Min:  5 * time.Minute,
	Interval15Min: 15 * time.Minute,
	Interval60Min: time.Hour,
	IntervalDaily: 24 * time.Hour,
}

// Duration returns the bucket width of the interval.
func (k KlineInterval) Duration() (time.Duration, error) {
	d, ok := intervalDurations[k]
	if !ok {
		return 0, fmt.Errorf("invalid KlineInterval: %s", k)
	}
	return d, nil
}
