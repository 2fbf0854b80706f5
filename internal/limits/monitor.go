// Package limits enforces wall-clock budgets on the execution loop: a
// per-iteration ceiling plus a token bucket of additional minutes for
// long-running strategy work, checked by a cooperative watchdog.
package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MonitorConfig holds the time budget settings.
type MonitorConfig struct {
	// TimeLoopMaximum is the wall-clock ceiling for a single iteration.
	TimeLoopMaximum time.Duration
	// BucketCapacity is the maximum banked additional minutes.
	BucketCapacity float64
	// RefillPerHour is how many additional minutes accrue per wall hour.
	RefillPerHour float64
}

// DefaultMonitorConfig mirrors the usual backtest budget: ten minutes per
// iteration and a small training-time bank.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		TimeLoopMaximum: 10 * time.Minute,
		BucketCapacity:  30,
		RefillPerHour:   6,
	}
}

// Monitor tracks the current iteration's elapsed time against its budget.
// The loop calls StartNewTimeStep exactly once per iteration; the watchdog
// calls IsWithinLimit from its own goroutine, so state is mutex-guarded.
type Monitor struct {
	mu sync.Mutex

	cfg    MonitorConfig
	logger zerolog.Logger

	stepStart      time.Time
	additionalTime time.Duration // granted for the current step
	tokens         float64       // banked minutes
	lastRefill     time.Time
	enforcing      bool

	now func() time.Time // injectable clock for tests
}

// NewMonitor creates a monitor with the given budget.
func NewMonitor(cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	n := time.Now
	return &Monitor{
		cfg:        cfg,
		logger:     logger.With().Str("component", "limits").Logger(),
		tokens:     cfg.BucketCapacity,
		lastRefill: n(),
		enforcing:  true,
		now:        n,
	}
}

// SetClock replaces the wall clock. Tests only.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.lastRefill = now()
}

// StartNewTimeStep resets the iteration budget. Called once at the top of
// every loop iteration; any additional time granted for the previous step
// is discarded.
func (m *Monitor) StartNewTimeStep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepStart = m.now()
	m.additionalTime = 0
}

// TryRequestAdditionalTime grants extra minutes for the current step from
// the token bucket, reporting whether the bank covered the request.
func (m *Monitor) TryRequestAdditionalTime(minutes int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refillLocked()
	need := float64(minutes)
	if m.tokens < need {
		return false
	}
	m.tokens -= need
	m.additionalTime += time.Duration(minutes) * time.Minute
	return true
}

// RequestAdditionalTime grants extra minutes, draining the bank to zero
// if it cannot fully cover the request. The overdraft is still granted;
// the bank just stops accruing until refilled.
func (m *Monitor) RequestAdditionalTime(minutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refillLocked()
	m.tokens -= float64(minutes)
	if m.tokens < 0 {
		m.tokens = 0
	}
	m.additionalTime += time.Duration(minutes) * time.Minute
}

func (m *Monitor) refillLocked() {
	now := m.now()
	elapsed := now.Sub(m.lastRefill).Hours()
	if elapsed <= 0 {
		return
	}
	m.tokens += elapsed * m.cfg.RefillPerHour
	if m.tokens > m.cfg.BucketCapacity {
		m.tokens = m.cfg.BucketCapacity
	}
	m.lastRefill = now
}

// IsWithinLimit reports whether the current iteration is inside its
// budget; the returned message names the exceeded ceiling.
func (m *Monitor) IsWithinLimit() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enforcing || m.stepStart.IsZero() {
		return true, ""
	}
	budget := m.cfg.TimeLoopMaximum + m.additionalTime
	elapsed := m.now().Sub(m.stepStart)
	if elapsed <= budget {
		return true, ""
	}
	return false, fmt.Sprintf("iteration exceeded %s (elapsed %s)", budget, elapsed.Round(time.Second))
}

// StopEnforcingTimeLimit tears the budget down; every later check passes.
// Called when the stream is exhausted so cleanup is never aborted.
func (m *Monitor) StopEnforcingTimeLimit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enforcing = false
}
