package flush

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"candlecollector/internal/faststore"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSuppressed is returned by Acquire when a backfill already holds the base.
var ErrSuppressed = errors.New("flush: base already suppressed by a running backfill")

const defaultLeaseTTL = 30 * time.Second

// Guard is the per-base suppression flag a backfill holds for its lifetime.
// While set, live flush skips every market of that base. The flag is a lease
// in the fast tier, so a backfill run from the CLI suppresses the flush of a
// collector sharing the same Redis.
type Guard struct {
	store  faststore.Store
	ttl    time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]bool
}

func NewGuard(store faststore.Store, ttl time.Duration, logger *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Guard{store: store, ttl: ttl, logger: logger, held: make(map[string]bool)}
}

func leaseName(base string) string {
	return "backfill:" + strings.ToUpper(base)
}

// Acquire sets the flag for base and keeps it alive until the returned
// release is called. release is safe to call more than once.
func (g *Guard) Acquire(ctx context.Context, base string) (release func(), err error) {
	base = strings.ToUpper(base)
	name := leaseName(base)
	owner := uuid.NewString()

	ok, err := g.store.AcquireLease(ctx, name, owner, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrSuppressed
	}

	g.mu.Lock()
	g.held[base] = true
	g.mu.Unlock()

	keepCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go g.keepAlive(keepCtx, name, owner, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), g.ttl)
			defer cancel()
			if err := g.store.ReleaseLease(releaseCtx, name, owner); err != nil {
				// expires on its own after ttl
				g.logger.Warn("failed to release backfill lease", zap.String("lease", name), zap.Error(err))
			}

			g.mu.Lock()
			delete(g.held, base)
			g.mu.Unlock()
		})
	}, nil
}

func (g *Guard) keepAlive(ctx context.Context, name, owner string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := g.store.RefreshLease(ctx, name, owner, g.ttl)
			if err != nil {
				g.logger.Warn("failed to refresh backfill lease", zap.String("lease", name), zap.Error(err))
				continue
			}
			if !ok {
				g.logger.Error("backfill lease lost", zap.String("lease", name))
				return
			}
		}
	}
}

// Active reports whether any process holds the flag for base.
func (g *Guard) Active(ctx context.Context, base string) (bool, error) {
	_, held, err := g.store.LeaseHolder(ctx, leaseName(base))
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", leaseName(base), err)
	}
	return held, nil
}

// Bases lists bases suppressed by this process.
func (g *Guard) Bases() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.held))
	for b := range g.held {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}
