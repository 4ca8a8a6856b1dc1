package faststore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore keeps the fast tier in process. A global RWMutex guards the
// map of markets and each market has its own mutex, so a slow update on one
// market does not hold up the others.
type MemoryStore struct {
	globalMu sync.RWMutex
	data     map[string]*marketSlot

	quotesMu sync.Mutex
	quotes   map[string]map[string]ExchangeQuote // pair -> exchange -> quote

	fxMu sync.Mutex
	fx   map[string]fxEntry

	leaseMu sync.Mutex
	leases  map[string]lease
}

type marketSlot struct {
	mu     sync.Mutex
	record *Record
}

type lease struct {
	owner   string
	expires time.Time
}

type fxEntry struct {
	rate    decimal.Decimal
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]*marketSlot),
		quotes: make(map[string]map[string]ExchangeQuote),
		fx:     make(map[string]fxEntry),
		leases: make(map[string]lease),
	}
}

func (s *MemoryStore) slot(symbol string) *marketSlot {
	// Fast path: read lock only
	s.globalMu.RLock()
	slot, ok := s.data[symbol]
	s.globalMu.RUnlock()
	if ok {
		return slot
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if slot, ok = s.data[symbol]; !ok {
		slot = &marketSlot{}
		s.data[symbol] = slot
	}
	return slot
}

func (s *MemoryStore) Update(_ context.Context, symbol string, fn UpdateFunc) (*Record, error) {
	slot := s.slot(symbol)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	var cur *Record
	if slot.record != nil {
		cp := slot.record.clone()
		cur = &cp
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}

	stored := next.clone()
	stored.Version = 1
	if slot.record != nil {
		stored.Version = slot.record.Version + 1
	}
	slot.record = &stored
	out := stored.clone()
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, symbol string) (*Record, error) {
	s.globalMu.RLock()
	slot, ok := s.data[symbol]
	s.globalMu.RUnlock()
	if !ok {
		return nil, nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.record == nil {
		return nil, nil
	}
	cp := slot.record.clone()
	return &cp, nil
}

func (s *MemoryStore) Symbols(_ context.Context) ([]string, error) {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	out := make([]string, 0, len(s.data))
	for sym, slot := range s.data {
		slot.mu.Lock()
		if slot.record != nil {
			out = append(out, sym)
		}
		slot.mu.Unlock()
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, symbol string, version int64) (bool, error) {
	s.globalMu.RLock()
	slot, ok := s.data[symbol]
	s.globalMu.RUnlock()
	if !ok {
		return false, nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.record == nil || slot.record.Version != version {
		return false, nil
	}
	slot.record = nil
	return true, nil
}

func (s *MemoryStore) PutExchangeQuote(_ context.Context, pair, exchange string, q ExchangeQuote) error {
	s.quotesMu.Lock()
	defer s.quotesMu.Unlock()
	byExchange, ok := s.quotes[pair]
	if !ok {
		byExchange = make(map[string]ExchangeQuote)
		s.quotes[pair] = byExchange
	}
	byExchange[exchange] = q
	return nil
}

func (s *MemoryStore) ExchangeQuotes(_ context.Context, pair string) (map[string]ExchangeQuote, error) {
	s.quotesMu.Lock()
	defer s.quotesMu.Unlock()
	out := make(map[string]ExchangeQuote, len(s.quotes[pair]))
	for ex, q := range s.quotes[pair] {
		out[ex] = q
	}
	return out, nil
}

func (s *MemoryStore) DeleteExchangeQuotes(_ context.Context, base string) error {
	prefix := strings.ToUpper(base) + "/"
	s.quotesMu.Lock()
	defer s.quotesMu.Unlock()
	for pair := range s.quotes {
		if strings.HasPrefix(pair, prefix) {
			delete(s.quotes, pair)
		}
	}
	return nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	now := time.Now()
	if l, ok := s.leases[name]; ok && now.Before(l.expires) {
		return false, nil
	}
	s.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RefreshLease(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	now := time.Now()
	l, ok := s.leases[name]
	if !ok || l.owner != owner || !now.Before(l.expires) {
		return false, nil
	}
	s.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, name, owner string) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if l, ok := s.leases[name]; ok && l.owner == owner {
		delete(s.leases, name)
	}
	return nil
}

func (s *MemoryStore) LeaseHolder(_ context.Context, name string) (string, bool, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	l, ok := s.leases[name]
	if !ok || !time.Now().Before(l.expires) {
		return "", false, nil
	}
	return l.owner, true, nil
}

func (s *MemoryStore) PutFxRate(_ context.Context, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	s.fxMu.Lock()
	defer s.fxMu.Unlock()
	s.fx[fxKey(from, to)] = fxEntry{rate: rate, expires: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) FxRate(_ context.Context, from, to string) (decimal.Decimal, bool, error) {
	s.fxMu.Lock()
	defer s.fxMu.Unlock()
	e, ok := s.fx[fxKey(from, to)]
	if !ok || time.Now().After(e.expires) {
		return decimal.Zero, false, nil
	}
	return e.rate, true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func fxKey(from, to string) string {
	return "fx:" + strings.ToUpper(from) + ":" + strings.ToUpper(to)
}
