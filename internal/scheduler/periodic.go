package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Job is one scheduled run. now is the slot time the run was scheduled for.
type Job func(ctx context.Context, now time.Time)

// Periodic runs a job every Interval. With Align set, runs land on
// multiples of Interval (UTC) shifted by Offset, e.g. Interval=1m and
// Offset=5s runs at hh:mm:05. Runs never overlap: a slot missed while the
// previous run was still busy is skipped.
type Periodic struct {
	Name     string
	Interval time.Duration
	Offset   time.Duration
	Align    bool

	// RunAtStart runs the job once immediately before the first slot.
	RunAtStart bool

	// IsLeader, when set, is checked before every run; false skips it.
	IsLeader func() bool

	Logger *zap.Logger
}

// Next returns the first slot strictly after now.
func (p *Periodic) Next(now time.Time) time.Time {
	if !p.Align {
		return now.Add(p.Interval)
	}
	next := now.UTC().Truncate(p.Interval).Add(p.Offset)
	for !next.After(now) {
		next = next.Add(p.Interval)
	}
	return next
}

// Run blocks until ctx is done.
func (p *Periodic) Run(ctx context.Context, job Job) error {
	if p.Interval <= 0 {
		return fmt.Errorf("scheduler %s: interval must be positive", p.Name)
	}

	if p.RunAtStart {
		p.runOnce(ctx, job, time.Now().UTC())
	}

	for {
		next := p.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			p.runOnce(ctx, job, next.UTC())
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context, job Job, now time.Time) {
	if p.IsLeader != nil && !p.IsLeader() {
		p.logger().Debug("not leader, skipping run", zap.String("job", p.Name))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger().Error("scheduled job panicked", zap.String("job", p.Name), zap.Any("panic", r))
		}
	}()

	began := time.Now()
	job(ctx, now)
	if elapsed := time.Since(began); elapsed > p.Interval {
		p.logger().Warn("scheduled job overran its interval",
			zap.String("job", p.Name), zap.Duration("elapsed", elapsed), zap.Duration("interval", p.Interval))
	}
}

func (p *Periodic) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
