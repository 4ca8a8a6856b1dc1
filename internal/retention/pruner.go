// Package retention drops stored candles older than the configured horizon.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Store interface {
	DeleteCandlesBefore(ctx context.Context, before time.Time) (int64, error)
}

type Pruner struct {
	store  Store
	keep   time.Duration
	logger *zap.Logger
}

// NewPruner keeps candles newer than keep. keep <= 0 disables pruning.
func NewPruner(store Store, keep time.Duration, logger *zap.Logger) *Pruner {
	return &Pruner{store: store, keep: keep, logger: logger}
}

func (p *Pruner) Enabled() bool { return p.keep > 0 }

// Prune deletes candles whose bucket starts before now - keep.
func (p *Pruner) Prune(ctx context.Context, now time.Time) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}
	cutoff := now.UTC().Add(-p.keep).Truncate(time.Minute)
	n, err := p.store.DeleteCandlesBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("retention prune failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return n, err
	}
	p.logger.Info("retention prune completed", zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}
