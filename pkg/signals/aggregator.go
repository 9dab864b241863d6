// Package signals aggregates per-loop classifications into a rolling window
// and decides when enough evidence exists to stop the loop gracefully.
package signals

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/classify"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

// windowDoc is the state store document holding the persisted window.
const windowDoc = "signals"

// windowCap bounds each signal sequence. Pushing a sixth entry evicts the
// oldest.
const windowCap = 5

// Graceful exit reasons, in evaluation priority order.
const (
	ReasonTestSaturation    = "test_saturation"
	ReasonCompletionSignals = "completion_signals"
	ReasonProjectComplete   = "project_complete"
	ReasonPlanComplete      = "plan_complete"
)

// Exit thresholds.
const (
	testSaturationThreshold = 3
	doneSignalThreshold     = 2
	completionThreshold     = 2
)

// Window holds the three bounded signal sequences, each recording loop
// numbers. Persisted across restarts.
type Window struct {
	TestOnlyLoops        []int `json:"test_only_loops"`
	DoneSignals          []int `json:"done_signals"`
	CompletionIndicators []int `json:"completion_indicators"`
}

// PlanChecker reports whether the external task list is fully checked off.
// A nil checker disables the plan_complete rule.
type PlanChecker interface {
	Complete() bool
}

// PlanCheckerFunc adapts a plain function to the PlanChecker interface.
type PlanCheckerFunc func() bool

// Complete calls f.
func (f PlanCheckerFunc) Complete() bool { return f() }

// Aggregator folds classifications into the window and answers the graceful
// exit question. Record mutates and persists; ShouldExitGracefully is
// read-only.
type Aggregator struct {
	store  *state.Store
	logger *logx.Logger
	plan   PlanChecker

	mu     sync.Mutex
	window Window
}

// NewAggregator loads the persisted window from the store. A missing or
// corrupt window document starts empty; that is never fatal.
func NewAggregator(store *state.Store, plan PlanChecker) *Aggregator {
	a := &Aggregator{
		store:  store,
		logger: logx.NewLogger("signals"),
		plan:   plan,
	}

	var w Window
	err := store.Load(windowDoc, &w)
	switch {
	case err == nil:
		a.window = w
	case errors.Is(err, state.ErrNotExist):
		// First run for this project.
	default:
		a.logger.Warn("signal window unreadable, starting empty: %v", err)
	}

	return a
}

// Record folds one classification into the window and persists it.
//
// A test-only loop extends the test streak; a loop with real progress clears
// the streak so stale saturation cannot block future work. Only structured
// completions feed the done and completion sequences.
func (a *Aggregator) Record(c classify.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.IsTestOnly {
		a.window.TestOnlyLoops = push(a.window.TestOnlyLoops, c.Loop)
	} else if c.HasProgress {
		a.window.TestOnlyLoops = nil
	}

	if c.HasStructuredCompletion {
		a.window.DoneSignals = push(a.window.DoneSignals, c.Loop)
		a.window.CompletionIndicators = push(a.window.CompletionIndicators, c.Loop)
	}

	if err := a.store.Save(windowDoc, a.window); err != nil {
		return fmt.Errorf("failed to persist signal window: %w", err)
	}
	return nil
}

// ShouldExitGracefully evaluates the exit rules in priority order and
// returns the first matching reason. It never mutates the window.
func (a *Aggregator) ShouldExitGracefully() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case len(a.window.TestOnlyLoops) >= testSaturationThreshold:
		return ReasonTestSaturation, true
	case len(a.window.DoneSignals) >= doneSignalThreshold:
		return ReasonCompletionSignals, true
	case len(a.window.CompletionIndicators) >= completionThreshold:
		return ReasonProjectComplete, true
	case a.plan != nil && a.plan.Complete():
		return ReasonPlanComplete, true
	}
	return "", false
}

// Snapshot returns a copy of the current window.
func (a *Aggregator) Snapshot() Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Window{
		TestOnlyLoops:        append([]int(nil), a.window.TestOnlyLoops...),
		DoneSignals:          append([]int(nil), a.window.DoneSignals...),
		CompletionIndicators: append([]int(nil), a.window.CompletionIndicators...),
	}
}

// push appends loop and truncates to the most recent windowCap entries.
func push(loops []int, loop int) []int {
	loops = append(loops, loop)
	if len(loops) > windowCap {
		loops = loops[len(loops)-windowCap:]
	}
	return loops
}
