// Package readiness provides a bounded poller that confirms a named capability
// is available before dependent work proceeds.
//
// A transport can report itself connected before its send machinery is wired
// up. The gate closes that window by polling the capability instead of relying
// on a single fixed sleep, while bounding the worst-case wait to
// maxAttempts × interval.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CheckFunc evaluates a capability. An error counts as "not ready yet".
type CheckFunc func(ctx context.Context) (bool, error)

// Probe is a named capability check. It is evaluated fresh on every attempt.
type Probe struct {
	Name  string
	Check CheckFunc
}

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Gate polls probes with a bounded budget.
type Gate struct {
	logger *slog.Logger
	sleep  SleepFunc
}

// Option configures a Gate.
type Option func(*Gate)

// WithSleep replaces the wait between attempts. Used by tests.
func WithSleep(sleep SleepFunc) Option {
	return func(g *Gate) {
		g.sleep = sleep
	}
}

// New creates a readiness gate.
func New(logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{logger: logger, sleep: Sleep}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ConfirmReady evaluates the probe up to maxAttempts times, waiting interval
// after each failed attempt. It returns true on the first successful
// evaluation and false once the budget is spent or ctx is done. It never
// returns an error: evaluation failures only delay readiness.
func (g *Gate) ConfirmReady(ctx context.Context, probe Probe, maxAttempts int, interval time.Duration) bool {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	start := time.Now()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			g.logger.Debug("Readiness poll abandoned", "probe", probe.Name, "attempt", attempt, "error", ctx.Err())
			return false
		}

		ok, err := g.evaluate(ctx, probe)
		if ok {
			g.logger.Debug("Readiness confirmed",
				"probe", probe.Name,
				"attempts", attempt,
				"elapsed", time.Since(start))
			return true
		}
		if err != nil {
			g.logger.Debug("Readiness probe failed", "probe", probe.Name, "attempt", attempt, "error", err)
		}

		if err := g.sleep(ctx, interval); err != nil {
			g.logger.Debug("Readiness poll abandoned", "probe", probe.Name, "attempt", attempt, "error", err)
			return false
		}
	}

	g.logger.Warn("Readiness budget exhausted",
		"probe", probe.Name,
		"attempts", maxAttempts,
		"elapsed", time.Since(start))
	return false
}

func (g *Gate) evaluate(ctx context.Context, probe Probe) (ok bool, err error) {
	if probe.Check == nil {
		return false, fmt.Errorf("probe %q has no check", probe.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("probe %q panicked: %v", probe.Name, r)
		}
	}()
	return probe.Check(ctx)
}

// Sleep waits for d without blocking past ctx cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
