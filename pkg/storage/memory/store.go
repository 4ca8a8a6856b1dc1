// Package memory is an in-process durable candle store. It applies the
// same monotonic merge as the Postgres upsert and backs tests and dry runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"candlecollector/internal/market"
)

type key struct {
	symbol string
	time   int64
}

type Store struct {
	mu      sync.RWMutex
	candles map[key]market.Candle

	// OnUpsert, when set, runs before every write. A non-nil error aborts
	// the write.
	OnUpsert func(candles []market.Candle) error

	upserts int
}

func NewStore() *Store {
	return &Store{candles: make(map[key]market.Candle)}
}

func (s *Store) UpsertCandles(_ context.Context, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if s.OnUpsert != nil {
		if err := s.OnUpsert(candles); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upserts++
	for _, c := range candles {
		c.Time = c.Time.UTC()
		k := key{symbol: c.Market.Symbol(), time: c.Time.UnixMilli()}
		if existing, ok := s.candles[k]; ok {
			c = market.Merge(existing, c)
		}
		s.candles[k] = c
	}
	return nil
}

// QueryCandles returns candles for m with from <= time <= to, oldest first.
func (s *Store) QueryCandles(_ context.Context, m market.Market, from, to time.Time) ([]market.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sym := m.Symbol()
	var out []market.Candle
	for k, c := range s.candles {
		if k.symbol != sym || c.Time.Before(from) || c.Time.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (s *Store) DeleteCandlesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, c := range s.candles {
		if c.Time.Before(before) {
			delete(s.candles, k)
			n++
		}
	}
	return n, nil
}

// All returns every stored candle ordered by symbol then time.
func (s *Store) All() []market.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Candle, 0, len(s.candles))
	for _, c := range s.candles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Market.Symbol(), out[j].Market.Symbol()
		if si != sj {
			return si < sj
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out
}

// Upserts counts successful write calls.
func (s *Store) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}
