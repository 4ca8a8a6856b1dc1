package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRESTClient builds a client limited to rps requests per second.
// rps <= 0 disables limiting.
func NewRESTClient(baseURL string, timeout time.Duration, rps float64, burst int) *RESTClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RESTClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("binance error: code %d: %s", apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("binance error: status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetTicker fetches the 24h rolling ticker of one symbol, e.g. "BTCUSDT".
func (c *RESTClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var raw ticker24hResponse
	if err := c.get(ctx, "/api/v3/ticker/24hr", q, &raw); err != nil {
		return Ticker{}, err
	}

	ts := time.Now().UTC()
	if raw.CloseTime > 0 {
		ts = time.UnixMilli(raw.CloseTime).UTC()
	}
	return Ticker{
		Symbol:      raw.Symbol,
		LastPrice:   raw.LastPrice,
		Volume:      raw.Volume,
		QuoteVolume: raw.QuoteVolume,
		Time:        ts,
	}, nil
}

// GetKlines fetches one page of klines opening in [start, end], oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}
	return ParseKlineRows(rows), nil
}

// GetKlineRange pages forward from start and returns the 1m klines with
// start <= Start < end, oldest first.
func (c *RESTClient) GetKlineRange(ctx context.Context, symbol string, start, end time.Time) ([]Kline, error) {
	var out []Kline
	cursor := start

	for cursor.Before(end) {
		page, err := c.GetKlines(ctx, symbol, "1m", cursor, end.Add(-time.Millisecond), MaxKlineLimit)
		if err != nil {
			return nil, fmt.Errorf("klines %s from %s: %w", symbol, cursor.Format(time.RFC3339), err)
		}
		for _, k := range page {
			if !k.Start.Before(cursor) && k.Start.Before(end) {
				out = append(out, k)
			}
		}
		if len(page) < MaxKlineLimit {
			break
		}
		cursor = page[len(page)-1].Start.Add(time.Minute)
	}
	return out, nil
}

// ParseKlineRows converts [openTime, open, high, low, close, volume,
// closeTime, quoteVolume, ...] rows. Invalid rows are skipped.
func ParseKlineRows(rows [][]json.RawMessage) []Kline {
	out := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 8 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			continue
		}

		fields := []json.RawMessage{row[1], row[2], row[3], row[4], row[5], row[7]}
		vals := make([]decimal.Decimal, len(fields))
		ok := true
		for i, f := range fields {
			if err := json.Unmarshal(f, &vals[i]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		out = append(out, Kline{
			Start:       time.UnixMilli(openTime).UTC(),
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
