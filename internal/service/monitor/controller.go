// Package monitor re-checks every environment on a fixed schedule.
package monitor

import (
	"context"
	"log/slog"
	"time"
)

const sweepTimeout = 2 * time.Minute

// Checker probes the whole catalog.
type Checker interface {
	CheckAll(ctx context.Context) error
}

// Controller runs one sweep at start and then one per interval.
type Controller struct {
	checker  Checker
	interval time.Duration
	minSweep time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option customises a Controller.
type Option func(*Controller)

// WithMinSweep keeps every sweep deadline at least d, so a short interval
// never cuts a probe off before both of its attempts ran.
func WithMinSweep(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.minSweep = d
		}
	}
}

// New constructs a Controller. A non-positive interval limits it to the
// initial sweep.
func New(checker Checker, interval time.Duration, logger *slog.Logger, opts ...Option) *Controller {
	if checker == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		checker:  checker,
		interval: interval,
		logger:   logger.With("component", "monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) sweepTimeout() time.Duration {
	timeout := sweepTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	if timeout < c.minSweep {
		timeout = c.minSweep
	}
	return timeout
}

// Run executes sweeps until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	c.logger.Info("monitor started", "interval", c.interval)
	c.runIteration(ctx)
	if c.interval <= 0 {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("monitor stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	opCtx, cancel := context.WithTimeout(parent, c.sweepTimeout())
	defer cancel()

	start := c.now()
	if err := c.checker.CheckAll(opCtx); err != nil {
		if parent.Err() != nil {
			return
		}
		c.logger.Warn("sweep incomplete", "error", err)
		return
	}
	c.logger.Debug("sweep finished", "duration", c.now().Sub(start))
}
