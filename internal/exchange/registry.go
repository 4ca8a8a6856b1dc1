package exchange

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"candlecollector/config"
	"candlecollector/pkg/binance"
	"candlecollector/pkg/bybit"
	"candlecollector/pkg/upbit"

	"go.uber.org/zap"
)

// Registry resolves exchange names to sources.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// NewRegistryFromConfig builds the decorated source of every configured exchange.
func NewRegistryFromConfig(cfg map[string]config.ExchangeConfig, fetchTimeout time.Duration, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for name, ec := range cfg {
		var src Source
		switch strings.ToLower(name) {
		case Binance:
			src = NewBinance(binance.NewRESTClient(ec.BaseURL, ec.Timeout, ec.RateLimit, ec.Burst))
		case Bybit:
			src = NewBybit(bybit.NewRESTClient(ec.BaseURL, ec.Timeout, ec.RateLimit, ec.Burst))
		case Upbit:
			src = NewUpbit(upbit.NewRESTClient(ec.BaseURL, ec.Timeout, ec.RateLimit, ec.Burst))
		default:
			return nil, fmt.Errorf("unsupported exchange %q", name)
		}

		if ec.Breaker.Enabled {
			src = WithCircuitBreaker(src, BreakerSettings{
				MaxFailures:  ec.Breaker.MaxFailures,
				OpenTimeout:  ec.Breaker.OpenTimeout,
				HalfOpenReqs: ec.Breaker.HalfOpenReqs,
			}, logger)
		}
		src = WithTimeout(src, fetchTimeout)

		r.Register(src)
		logger.Info("exchange source registered", zap.String("exchange", src.Name()), zap.String("base_url", ec.BaseURL))
	}
	return r, nil
}

func (r *Registry) Register(s Source) {
	r.sources[strings.ToLower(s.Name())] = s
}

func (r *Registry) Get(name string) (Source, bool) {
	s, ok := r.sources[strings.ToLower(name)]
	return s, ok
}

// Names returns registered exchange names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for name := range r.sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
