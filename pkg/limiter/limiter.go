// Package limiter enforces the per-hour invocation budget for agent runs.
package limiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

// budgetDoc is the state store document holding the persisted budget.
const budgetDoc = "budget"

// Budget is the persisted invocation budget for the current hour window.
type Budget struct {
	WindowStart     time.Time `json:"window_start"` // hour-granularity
	CallsMade       int       `json:"calls_made"`
	MaxCallsPerHour int       `json:"max_calls_per_hour"`
}

// Limiter tracks invocations within the current wall-clock hour. The window
// rolls over synchronously when a method observes the hour has advanced;
// there is no background timer.
type Limiter struct {
	store  *state.Store
	logger *logx.Logger
	now    func() time.Time

	mu     sync.Mutex
	budget Budget
}

// NewLimiter loads the persisted budget from the store, failing open to a
// fresh window when the budget document is missing, unreadable, or corrupt.
// maxCallsPerHour overrides whatever maximum the persisted document carried.
func NewLimiter(store *state.Store, maxCallsPerHour int) *Limiter {
	l := &Limiter{
		store:  store,
		logger: logx.NewLogger("limiter"),
		now:    time.Now,
	}

	var budget Budget
	err := store.Load(budgetDoc, &budget)
	switch {
	case err == nil:
		l.budget = budget
	case errors.Is(err, state.ErrNotExist):
		// First run for this project.
	case errors.Is(err, state.ErrCorrupt):
		l.logger.Warn("budget state corrupt, reinitializing: %v", err)
	default:
		// Fail open to availability, not strict throttling.
		l.logger.Warn("budget state unreadable, starting fresh window: %v", err)
	}

	if l.budget.WindowStart.IsZero() {
		l.budget.WindowStart = l.now().Truncate(time.Hour)
		l.budget.CallsMade = 0
	}
	l.budget.MaxCallsPerHour = maxCallsPerHour

	return l
}

// CanInvoke reports whether a new subprocess run may start in the current
// hour window, rolling the window over first if the hour has advanced.
func (l *Limiter) CanInvoke() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshLocked()
	return l.budget.CallsMade < l.budget.MaxCallsPerHour
}

// RecordInvocation increments the call counter and persists the budget.
// Called only after a successful subprocess launch.
func (l *Limiter) RecordInvocation() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshLocked()
	l.budget.CallsMade++
	if err := l.store.Save(budgetDoc, l.budget); err != nil {
		return fmt.Errorf("failed to persist budget: %w", err)
	}
	return nil
}

// TimeUntilReset returns the time remaining until the top of the next hour.
func (l *Limiter) TimeUntilReset() time.Duration {
	now := l.now()
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}

// Status returns the current call count and maximum for status records.
func (l *Limiter) Status() (callsMade, maxCalls int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refreshLocked()
	return l.budget.CallsMade, l.budget.MaxCallsPerHour
}

// Refresh rolls the window over if the wall-clock hour has advanced past
// the stored window start. Safe to call at the top of every iteration.
func (l *Limiter) Refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshLocked()
}

func (l *Limiter) refreshLocked() {
	currentHour := l.now().Truncate(time.Hour)
	if !currentHour.After(l.budget.WindowStart) {
		return
	}

	l.logger.Debug("hour window rolled over: %s -> %s (calls were %d)",
		l.budget.WindowStart.Format(time.RFC3339), currentHour.Format(time.RFC3339), l.budget.CallsMade)

	l.budget.WindowStart = currentHour
	l.budget.CallsMade = 0
	if err := l.store.Save(budgetDoc, l.budget); err != nil {
		l.logger.Warn("failed to persist budget after rollover: %v", err)
	}
}
