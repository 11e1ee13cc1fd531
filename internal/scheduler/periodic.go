// Package scheduler runs self-rescheduling background tasks: once at start,
// then on every tick of a Clock, with each cycle isolated from the next.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Task is one cycle of periodic work.
type Task func(ctx context.Context) error

// Periodic runs a Task on a fixed interval.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	clock    Clock
	logger   *slog.Logger
}

// Option configures a Periodic.
type Option func(*Periodic)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Periodic) { p.clock = c }
}

// NewPeriodic creates a Periodic named name.
func NewPeriodic(name string, interval time.Duration, task Task, logger *slog.Logger, opts ...Option) *Periodic {
	p := &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		clock:    RealClock{},
		logger:   logger.With(slog.String("component", name)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the task immediately and then once per interval until ctx is
// cancelled. A cycle that returns an error or panics is logged and the next
// tick still fires. Ticks that arrive while a cycle is running are dropped.
func (p *Periodic) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "periodic task started", slog.Duration("interval", p.interval))
	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "periodic task stopped")
			return ctx.Err()
		case <-ticker.C():
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle and reports whether it succeeded.
func (p *Periodic) RunOnce(ctx context.Context) (ok bool) {
	start := p.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.logger.ErrorContext(ctx, "periodic task panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := p.task(ctx); err != nil {
		p.logger.ErrorContext(ctx, "periodic task failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", p.clock.Now().Sub(start)),
		)
		return false
	}
	p.logger.DebugContext(ctx, "periodic task completed",
		slog.Duration("elapsed", p.clock.Now().Sub(start)),
	)
	return true
}
