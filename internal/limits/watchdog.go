package limits

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Watchdog periodically compares the loop's elapsed iteration time
// against the monitor's budget and trips the shared cancellation when a
// ceiling is exceeded. It never force-kills the loop goroutine: the loop
// observes the cancellation at its own check point, so shared state is
// never left half-updated.
type Watchdog struct {
	monitor  *Monitor
	interval time.Duration
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

// NewWatchdog creates a watchdog checking the monitor every interval and
// tripping cancel on violation.
func NewWatchdog(monitor *Monitor, interval time.Duration, cancel context.CancelFunc, logger zerolog.Logger) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		monitor:  monitor,
		interval: interval,
		cancel:   cancel,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Run blocks until the context ends or a budget violation trips the
// cancellation. Intended to run on its own goroutine.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, reason := w.monitor.IsWithinLimit(); !ok {
				w.logger.Error().Str("reason", reason).Msg("Time limit exceeded, canceling run")
				w.cancel()
				return
			}
		}
	}
}
