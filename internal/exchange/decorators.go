package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"candlecollector/internal/market"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type timeoutSource struct {
	Source
	timeout time.Duration
}

// WithTimeout bounds every FetchPrice call. History fetches page through
// many requests and are bounded by the caller's context instead.
func WithTimeout(src Source, timeout time.Duration) Source {
	if timeout <= 0 {
		return src
	}
	return &timeoutSource{Source: src, timeout: timeout}
}

func (s *timeoutSource) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obs, err := s.Source.FetchPrice(ctx, m)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
		return obs, unavailable(s.Name(), m, err)
	}
	return obs, err
}

// BreakerSettings configures WithCircuitBreaker.
type BreakerSettings struct {
	MaxFailures  uint32        // consecutive failures before opening
	OpenTimeout  time.Duration // open -> half-open
	HalfOpenReqs uint32
}

type breakerSource struct {
	Source
	cb *gobreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling src after repeated failures and reports
// ErrUnavailable until the breaker half-opens.
func WithCircuitBreaker(src Source, s BreakerSettings, logger *zap.Logger) Source {
	maxFailures := s.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        src.Name(),
		MaxRequests: s.HalfOpenReqs,
		Timeout:     s.OpenTimeout,
		// shutdown cancellation says nothing about the exchange
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("exchange", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakerSource{Source: src, cb: cb}
}

func (s *breakerSource) FetchPrice(ctx context.Context, m market.Market) (market.PriceObservation, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.Source.FetchPrice(ctx, m)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return market.PriceObservation{}, unavailable(s.Name(), m, err)
		}
		return market.PriceObservation{}, err
	}
	return res.(market.PriceObservation), nil
}

func (s *breakerSource) FetchHistoricalRange(ctx context.Context, m market.Market, start, end time.Time) ([]market.Kline, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.Source.FetchHistoricalRange(ctx, m, start, end)
	})
	if err != nil {
		return nil, fmt.Errorf("%s history: %w", s.Name(), err)
	}
	return res.([]market.Kline), nil
}

func (s *timeoutSource) unwrap() Source { return s.Source }
func (s *breakerSource) unwrap() Source { return s.Source }

// BreakerState reports the circuit state of src if any decorator in its
// chain is a circuit breaker.
func BreakerState(src Source) (gobreaker.State, bool) {
	for src != nil {
		if b, ok := src.(*breakerSource); ok {
			return b.cb.State(), true
		}
		w, ok := src.(interface{ unwrap() Source })
		if !ok {
			break
		}
		src = w.unwrap()
	}
	return gobreaker.StateClosed, false
}
