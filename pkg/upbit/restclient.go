package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

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
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Name != "" {
			return fmt.Errorf("upbit error: %s: %s", apiErr.Error.Name, apiErr.Error.Message)
		}
		return fmt.Errorf("upbit error: status %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetTicker fetches the ticker of one market code, e.g. "KRW-BTC".
func (c *RESTClient) GetTicker(ctx context.Context, market string) (Ticker, error) {
	q := url.Values{}
	q.Set("markets", market)

	var raw []tickerResponse
	if err := c.get(ctx, "/v1/ticker", q, &raw); err != nil {
		return Ticker{}, err
	}
	if len(raw) == 0 {
		return Ticker{}, fmt.Errorf("upbit: no ticker for %s", market)
	}

	t := raw[0]
	ts := time.Now().UTC()
	if t.Timestamp > 0 {
		ts = time.UnixMilli(t.Timestamp).UTC()
	}
	return Ticker{
		Market:      t.Market,
		LastPrice:   t.TradePrice,
		Volume:      t.AccTradeVolume24h,
		QuoteVolume: t.AccTradePrice24h,
		Time:        ts,
	}, nil
}

// GetMinuteCandles fetches up to count 1m candles that open before to,
// oldest first.
func (c *RESTClient) GetMinuteCandles(ctx context.Context, market string, to time.Time, count int) ([]Candle, error) {
	if count <= 0 || count > MaxCandleCount {
		count = MaxCandleCount
	}

	q := url.Values{}
	q.Set("market", market)
	q.Set("to", to.UTC().Format(time.RFC3339))
	q.Set("count", strconv.Itoa(count))

	var raw []candleResponse
	if err := c.get(ctx, "/v1/candles/minutes/1", q, &raw); err != nil {
		return nil, err
	}

	out := make([]Candle, 0, len(raw))
	for _, r := range raw {
		start, err := time.Parse(candleTimeLayout, r.CandleDateTimeUTC)
		if err != nil {
			continue
		}
		out = append(out, Candle{
			Start:       start.UTC(),
			Open:        r.OpeningPrice,
			High:        r.HighPrice,
			Low:         r.LowPrice,
			Close:       r.TradePrice,
			Volume:      r.CandleAccTradeVolume,
			QuoteVolume: r.CandleAccTradePrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// GetCandleRange pages backwards from end and returns the candles with
// start <= Start < end, oldest first. Upbit omits minutes without trades.
func (c *RESTClient) GetCandleRange(ctx context.Context, market string, start, end time.Time) ([]Candle, error) {
	var out []Candle
	cursor := end

	for cursor.After(start) {
		page, err := c.GetMinuteCandles(ctx, market, cursor, MaxCandleCount)
		if err != nil {
			return nil, fmt.Errorf("candles %s before %s: %w", market, cursor.Format(time.RFC3339), err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			if !k.Start.Before(start) && k.Start.Before(cursor) {
				out = append(out, k)
			}
		}
		oldest := page[0].Start
		if len(page) < MaxCandleCount || !oldest.Before(cursor) {
			break
		}
		cursor = oldest
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
