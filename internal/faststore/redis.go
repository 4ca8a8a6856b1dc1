package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	openSetKey      = "candles:open"
	defaultRetries  = 5
	defaultQuoteTTL = 5 * time.Minute
)

// RedisOptions configures the Redis-backed fast tier.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	QuoteTTL   time.Duration // lifetime of side-channel entries
	MaxRetries int           // optimistic update attempts before ErrConflict
}

// RedisStore keeps one hash per market (candle:{BASE:QUOTE}) carrying a
// version field. Updates run under WATCH so a concurrent writer makes the
// transaction fail and the read-modify-write is retried.
type RedisStore struct {
	client     *redis.Client
	quoteTTL   time.Duration
	maxRetries int
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts RedisOptions) *RedisStore {
	s := &RedisStore{
		client:     client,
		quoteTTL:   opts.QuoteTTL,
		maxRetries: opts.MaxRetries,
	}
	if s.quoteTTL <= 0 {
		s.quoteTTL = defaultQuoteTTL
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultRetries
	}
	return s
}

func candleKey(symbol string) string { return "candle:" + symbol }

func quoteKey(pair, exchange string) string { return "quote:" + pair + ":" + exchange }

func quoteSetKey(base string) string { return "quotes:" + strings.ToUpper(base) }

func leaseKey(name string) string { return "lease:" + name }

func (s *RedisStore) Update(ctx context.Context, symbol string, fn UpdateFunc) (*Record, error) {
	key := candleKey(symbol)
	var out *Record

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur := decodeRecord(vals)

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			out = cur
			return nil
		}

		rec := *next
		rec.Version = 1
		if cur != nil {
			rec.Version = cur.Version + 1
		}
		fields, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.SAdd(ctx, openSetKey, symbol)
			return nil
		})
		if err != nil {
			return err
		}
		out = &rec
		return nil
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("update %s: %w", symbol, err)
	}
	return nil, fmt.Errorf("update %s: %w", symbol, ErrConflict)
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, candleKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", symbol, err)
	}
	return decodeRecord(vals), nil
}

func (s *RedisStore) Symbols(ctx context.Context) ([]string, error) {
	symbols, err := s.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list open candles: %w", err)
	}
	return symbols, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, symbol string, version int64) (bool, error) {
	key := candleKey(symbol)
	var deleted bool

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "version").Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != version {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, openSetKey, symbol)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// a tick landed between WATCH and EXEC
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", symbol, err)
	}
	return deleted, nil
}

func (s *RedisStore) PutExchangeQuote(ctx context.Context, pair, exchange string, q ExchangeQuote) error {
	base, _, _ := strings.Cut(pair, "/")
	key := quoteKey(pair, exchange)
	setKey := quoteSetKey(base)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"open":         q.Open.String(),
			"high":         q.High.String(),
			"low":          q.Low.String(),
			"close":        q.Close.String(),
			"volume":       q.Volume.String(),
			"quote_volume": q.QuoteVolume.String(),
			"timestamp":    q.Timestamp.UnixMilli(),
		})
		pipe.Expire(ctx, key, s.quoteTTL)
		pipe.SAdd(ctx, setKey, key)
		pipe.Expire(ctx, setKey, s.quoteTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put quote %s@%s: %w", pair, exchange, err)
	}
	return nil
}

func (s *RedisStore) ExchangeQuotes(ctx context.Context, pair string) (map[string]ExchangeQuote, error) {
	base, _, _ := strings.Cut(pair, "/")
	keys, err := s.client.SMembers(ctx, quoteSetKey(base)).Result()
	if err != nil {
		return nil, fmt.Errorf("list quotes %s: %w", pair, err)
	}

	prefix := "quote:" + pair + ":"
	out := make(map[string]ExchangeQuote)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("get quote %s: %w", key, err)
		}
		if len(vals) == 0 {
			continue // expired
		}
		out[strings.TrimPrefix(key, prefix)] = ExchangeQuote{
			Open:        parseDecimal(vals["open"]),
			High:        parseDecimal(vals["high"]),
			Low:         parseDecimal(vals["low"]),
			Close:       parseDecimal(vals["close"]),
			Volume:      parseDecimal(vals["volume"]),
			QuoteVolume: parseDecimal(vals["quote_volume"]),
			Timestamp:   parseMillis(vals["timestamp"]),
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteExchangeQuotes(ctx context.Context, base string) error {
	setKey := quoteSetKey(base)
	keys, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("list quotes %s: %w", base, err)
	}
	keys = append(keys, setKey)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete quotes %s: %w", base, err)
	}
	return nil
}

func (s *RedisStore) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(name), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// RefreshLease extends the lease only while owner still holds it.
func (s *RedisStore) RefreshLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := leaseKey(name)
	var refreshed bool
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		refreshed = err == nil
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refresh lease %s: %w", name, err)
	}
	return refreshed, nil
}

// ReleaseLease deletes the lease if owner still holds it.
func (s *RedisStore) ReleaseLease(ctx context.Context, name, owner string) error {
	key := leaseKey(name)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) LeaseHolder(ctx context.Context, name string) (string, bool, error) {
	owner, err := s.client.Get(ctx, leaseKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get lease %s: %w", name, err)
	}
	return owner, true, nil
}

func (s *RedisStore) PutFxRate(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	if err := s.client.Set(ctx, fxKey(from, to), rate.String(), ttl).Err(); err != nil {
		return fmt.Errorf("put fx %s/%s: %w", from, to, err)
	}
	return nil
}

func (s *RedisStore) FxRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error) {
	raw, err := s.client.Get(ctx, fxKey(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("get fx %s/%s: %w", from, to, err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse fx %s/%s: %w", from, to, err)
	}
	return rate, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRecord(r Record) (map[string]interface{}, error) {
	// always written so that an emptied list overwrites the previous one
	sealed := ""
	if len(r.Sealed) > 0 {
		raw, err := json.Marshal(r.Sealed)
		if err != nil {
			return nil, fmt.Errorf("encode sealed candles: %w", err)
		}
		sealed = string(raw)
	}
	return map[string]interface{}{
		"open":              r.Open.String(),
		"high":              r.High.String(),
		"low":               r.Low.String(),
		"close":             r.Close.String(),
		"volume":            r.Volume.String(),
		"quote_volume":      r.QuoteVolume.String(),
		"volume_mark":       r.VolumeMark.String(),
		"quote_volume_mark": r.QuoteVolumeMark.String(),
		"bucket_start":      r.BucketStart.UnixMilli(),
		"updated_at":        r.UpdatedAt.UnixMilli(),
		"source_count":      r.SourceCount,
		"sealed":            sealed,
		"version":           r.Version,
	}, nil
}

// decodeRecord is lenient: unreadable fields decode to zero values so that a
// half-written hash surfaces as an invalid candle instead of an error.
func decodeRecord(vals map[string]string) *Record {
	if len(vals) == 0 {
		return nil
	}
	sourceCount, _ := strconv.Atoi(vals["source_count"])
	version, _ := strconv.ParseInt(vals["version"], 10, 64)
	var sealed []SealedCandle
	if raw := vals["sealed"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &sealed)
	}
	return &Record{
		Open:            parseDecimal(vals["open"]),
		High:            parseDecimal(vals["high"]),
		Low:             parseDecimal(vals["low"]),
		Close:           parseDecimal(vals["close"]),
		Volume:          parseDecimal(vals["volume"]),
		QuoteVolume:     parseDecimal(vals["quote_volume"]),
		VolumeMark:      parseDecimal(vals["volume_mark"]),
		QuoteVolumeMark: parseDecimal(vals["quote_volume_mark"]),
		BucketStart:     parseMillis(vals["bucket_start"]),
		UpdatedAt:       parseMillis(vals["updated_at"]),
		SourceCount:     sourceCount,
		Sealed:          sealed,
		Version:         version,
	}
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
