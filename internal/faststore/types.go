package faststore

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrConflict is returned when an optimistic update keeps losing the race.
var ErrConflict = errors.New("faststore: concurrent update conflict")

// Record is the in-flight state of one aggregated (base, quote) market: the
// open bucket's candle plus any earlier buckets that closed before a flush
// persisted them. Version increases on every successful Update.
type Record struct {
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`      // traded in this bucket
	QuoteVolume decimal.Decimal `json:"quoteVolume"` // traded in this bucket
	BucketStart time.Time       `json:"bucketStart"`
	UpdatedAt   time.Time       `json:"updatedAt"` // time of the tick that set Close
	SourceCount int             `json:"sourceCount"`

	// Cumulative exchange-reported totals seen on the last tick. Bucket
	// volume grows by their increase between ticks.
	VolumeMark      decimal.Decimal `json:"volumeMark"`
	QuoteVolumeMark decimal.Decimal `json:"quoteVolumeMark"`

	// Sealed holds closed buckets awaiting a durable write, oldest first.
	Sealed []SealedCandle `json:"sealed,omitempty"`

	Version int64 `json:"version"`
}

// SealedCandle is a bucket that stopped receiving ticks. It never changes
// until a flush persists and drops it.
type SealedCandle struct {
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	BucketStart time.Time       `json:"bucketStart"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	SourceCount int             `json:"sourceCount"`
}

// Seal freezes the record's open bucket.
func (r Record) Seal() SealedCandle {
	return SealedCandle{
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		QuoteVolume: r.QuoteVolume,
		BucketStart: r.BucketStart,
		UpdatedAt:   r.UpdatedAt,
		SourceCount: r.SourceCount,
	}
}

func (r Record) clone() Record {
	if r.Sealed != nil {
		r.Sealed = append([]SealedCandle(nil), r.Sealed...)
	}
	return r
}

// ExchangeQuote is the per-(pair, exchange) side-channel entry kept for
// point-in-time introspection.
type ExchangeQuote struct {
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Timestamp   time.Time       `json:"timestamp"`
}

// UpdateFunc receives the current record (nil when the market is empty)
// and returns the record to store. Returning nil leaves the store as is.
type UpdateFunc func(cur *Record) (*Record, error)

// Store is the fast tier shared by ingestion (writer) and flush (reader
// and clearer). Operations on different markets never block each other.
type Store interface {
	// Update atomically read-modify-writes the market record.
	Update(ctx context.Context, symbol string, fn UpdateFunc) (*Record, error)
	Get(ctx context.Context, symbol string) (*Record, error)
	// Symbols lists markets that currently hold a record.
	Symbols(ctx context.Context) ([]string, error)
	// CompareAndDelete removes the record only if its version still matches.
	CompareAndDelete(ctx context.Context, symbol string, version int64) (bool, error)

	// Side channel, keyed by (pair, exchange).
	PutExchangeQuote(ctx context.Context, pair, exchange string, q ExchangeQuote) error
	ExchangeQuotes(ctx context.Context, pair string) (map[string]ExchangeQuote, error)
	DeleteExchangeQuotes(ctx context.Context, base string) error

	// Leases back the backfill suppression flag. A lease is held by owner
	// until released or until ttl passes without a Refresh, and is visible
	// to every process sharing the store.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
	LeaseHolder(ctx context.Context, name string) (owner string, held bool, err error)

	// FX reference cache.
	PutFxRate(ctx context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error
	FxRate(ctx context.Context, from, to string) (decimal.Decimal, bool, error)

	Ping(ctx context.Context) error
	Close() error
}
