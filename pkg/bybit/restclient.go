package bybit

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

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// get performs a rate-limited GET and decodes the envelope's result into out.
func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out interface{}) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	endpoint := c.baseURL + path + "?" + query.Encode()

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("bybit error: status %d: %s", resp.StatusCode, body)
	}

	var rawResp BybitResponse
	if err := json.NewDecoder(resp.Body).Decode(&rawResp); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if rawResp.RetCode != 0 {
		return 0, fmt.Errorf("bybit error: retCode %d: %s", rawResp.RetCode, rawResp.RetMsg)
	}

	if err := json.Unmarshal(rawResp.Result, out); err != nil {
		return 0, fmt.Errorf("decode result: %w", err)
	}
	return rawResp.Time, nil
}

// GetTicker fetches the latest ticker of one symbol, e.g. "BTCUSDT".
func (c *RESTClient) GetTicker(ctx context.Context, category, symbol string) (Ticker, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)

	var result TickersResponse
	serverTime, err := c.get(ctx, "/v5/market/tickers", q, &result)
	if err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fmt.Errorf("bybit: no ticker for %s", symbol)
	}

	t := result.List[0]
	ts := time.Now().UTC()
	if serverTime > 0 {
		ts = time.UnixMilli(serverTime).UTC()
	}
	return Ticker{
		Symbol:      t.Symbol,
		LastPrice:   t.LastPrice,
		Volume:      t.Volume24h,
		QuoteVolume: t.Turnover24h,
		Time:        ts,
	}, nil
}

// GetKlines fetches one page of klines in [start, end], oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, category, symbol string, interval KlineInterval,
	start, end time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	q.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	var result KlinesResponse
	if _, err := c.get(ctx, "/v5/market/kline", q, &result); err != nil {
		return nil, err
	}

	klines := ParseKlineList(result.List)
	sort.Slice(klines, func(i, j int) bool { return klines[i].Start.Before(klines[j].Start) })
	return klines, nil
}

// GetKlineRange pages backwards from end until start is covered and returns
// the klines with start <= Start < end, oldest first.
func (c *RESTClient) GetKlineRange(ctx context.Context, category, symbol string, interval KlineInterval,
	start, end time.Time) ([]Kline, error) {
	step, err := interval.Duration()
	if err != nil {
		return nil, err
	}

	seen := map[int64]bool{}
	var out []Kline
	cursor := end.Add(-time.Millisecond)

	for !cursor.Before(start) {
		page, err := c.GetKlines(ctx, category, symbol, interval, start, cursor, MaxKlineLimit)
		if err != nil {
			return nil, fmt.Errorf("klines %s until %s: %w", symbol, cursor.Format(time.RFC3339), err)
		}
		if len(page) == 0 {
			break
		}
		for _, k := range page {
			ms := k.Start.UnixMilli()
			if seen[ms] || k.Start.Before(start) || !k.Start.Before(end) {
				continue
			}
			seen[ms] = true
			out = append(out, k)
		}
		oldest := page[0].Start
		if len(page) < MaxKlineLimit || !oldest.After(start) {
			break
		}
		cursor = oldest.Add(-step)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
