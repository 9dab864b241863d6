// Package circuit provides the stagnation circuit breaker that halts the loop
// after sustained lack of progress or a repeating error.
package circuit

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/eventlog"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

// stateDoc is the state store document holding the persisted breaker state.
const stateDoc = "circuit"

// State represents the current state of the circuit breaker.
type State int

// Circuit breaker states for stagnation handling.
const (
	Closed   State = iota // Normal operation
	Open                  // Halted, terminal until manual reset
	HalfOpen              // Monitoring, early warning
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON persists states by name so the state file stays readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", name)
	}
	return nil
}

// Transition reasons.
const (
	ReasonNoProgress = "no progress"
	ReasonSameError  = "same error repeated"
	ReasonOpenHalted = "circuit breaker open, execution halted"
	ReasonReset      = "manual reset"
)

// Config defines thresholds for stagnation detection.
type Config struct {
	HalfOpenAfter  int `json:"half_open_after"`  // Consecutive no-progress loops before HALF_OPEN
	OpenAfter      int `json:"open_after"`       // Consecutive no-progress loops before OPEN
	SameErrorLimit int `json:"same_error_limit"` // Consecutive error loops before OPEN
}

// DefaultConfig provides the standard stagnation thresholds.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	HalfOpenAfter:  2,
	OpenAfter:      3,
	SameErrorLimit: 5,
}

// Error represents an error when the circuit is open.
type Error struct {
	State  State
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s: %s", e.State, e.Reason)
}

// Result is the per-loop evidence the breaker consumes.
type Result struct {
	Loop        int
	HasProgress bool
	HasErrors   bool
}

// Snapshot is the persisted circuit breaker state.
type Snapshot struct {
	State                 State  `json:"state"`
	ConsecutiveNoProgress int    `json:"consecutive_no_progress"`
	ConsecutiveSameError  int    `json:"consecutive_same_error"`
	LastProgressLoop      int    `json:"last_progress_loop"`
	TotalOpens            int    `json:"total_opens"`
	Reason                string `json:"reason"`
	CurrentLoop           int    `json:"current_loop"`
}

// Breaker defines the interface for the stagnation circuit breaker.
type Breaker interface {
	// Record folds one loop result into the state machine.
	Record(r Result) error

	// ShouldHalt reports whether the circuit is OPEN. Side-effect free.
	ShouldHalt() bool

	// GetState returns the current circuit breaker state.
	GetState() State

	// Snapshot returns a copy of the full persisted state.
	Snapshot() Snapshot

	// Reset clears the breaker back to CLOSED with all counters zeroed.
	Reset() error
}

// breaker implements Breaker with persistence and transition history.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type breaker struct {
	config  Config
	store   *state.Store
	history *eventlog.Writer
	logger  *logx.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// New loads the persisted breaker state from the store. A missing or corrupt
// state document reinitializes to CLOSED defaults; that is never fatal.
// history may be nil, in which case transitions are only logged.
func New(config Config, store *state.Store, history *eventlog.Writer) Breaker {
	b := &breaker{
		config:  config,
		store:   store,
		history: history,
		logger:  logx.NewLogger("circuit"),
	}

	var snap Snapshot
	err := store.Load(stateDoc, &snap)
	switch {
	case err == nil:
		b.snap = snap
	case errors.Is(err, state.ErrNotExist):
		// First run for this project.
	case errors.Is(err, state.ErrCorrupt):
		b.logger.Warn("circuit state corrupt, reinitializing to CLOSED: %v", err)
	default:
		b.logger.Warn("circuit state unreadable, reinitializing to CLOSED: %v", err)
	}

	return b
}

// Record folds one loop result into the state machine, persisting the new
// state and appending any transition to the history log.
func (b *breaker) Record(r Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.snap.State
	b.snap.CurrentLoop = r.Loop

	if r.HasProgress {
		b.snap.ConsecutiveNoProgress = 0
		b.snap.LastProgressLoop = r.Loop
	} else {
		b.snap.ConsecutiveNoProgress++
	}
	if r.HasErrors {
		b.snap.ConsecutiveSameError++
	} else {
		b.snap.ConsecutiveSameError = 0
	}

	switch prev {
	case Closed:
		switch {
		case b.snap.ConsecutiveNoProgress >= b.config.OpenAfter:
			b.snap.State = Open
			b.snap.Reason = ReasonNoProgress
		case b.snap.ConsecutiveSameError >= b.config.SameErrorLimit:
			b.snap.State = Open
			b.snap.Reason = ReasonSameError
		case b.snap.ConsecutiveNoProgress >= b.config.HalfOpenAfter:
			b.snap.State = HalfOpen
			b.snap.Reason = ReasonNoProgress
		}

	case HalfOpen:
		switch {
		case r.HasProgress:
			b.snap.State = Closed
			b.snap.Reason = ""
		case b.snap.ConsecutiveNoProgress >= b.config.OpenAfter:
			b.snap.State = Open
			b.snap.Reason = ReasonNoProgress
		case b.snap.ConsecutiveSameError >= b.config.SameErrorLimit:
			b.snap.State = Open
			b.snap.Reason = ReasonSameError
		}

	case Open:
		// Terminal until manual reset. No self-healing.
		b.snap.Reason = ReasonOpenHalted
	}

	if b.snap.State != prev {
		if b.snap.State == Open {
			b.snap.TotalOpens++
		}
		b.appendTransition(prev, b.snap.State, r.Loop, b.snap.Reason)
	}

	if err := b.store.Save(stateDoc, b.snap); err != nil {
		return fmt.Errorf("failed to persist circuit state: %w", err)
	}
	return nil
}

// ShouldHalt reports whether the circuit is OPEN.
func (b *breaker) ShouldHalt() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.State == Open
}

// GetState returns the current circuit breaker state.
func (b *breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap.State
}

// Snapshot returns a copy of the full persisted state.
func (b *breaker) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// Reset clears the breaker back to CLOSED with all counters zeroed. This is
// the only way out of OPEN.
func (b *breaker) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.snap.State
	loop := b.snap.CurrentLoop
	b.snap = Snapshot{State: Closed}

	if prev != Closed {
		b.appendTransition(prev, Closed, loop, ReasonReset)
	}

	if err := b.store.Save(stateDoc, b.snap); err != nil {
		return fmt.Errorf("failed to persist circuit state: %w", err)
	}
	return nil
}

func (b *breaker) appendTransition(from, to State, loop int, reason string) {
	b.logger.Info("circuit %s -> %s at loop %d: %s", from, to, loop, reason)

	if b.history == nil {
		return
	}
	t := eventlog.Transition{
		Timestamp: time.Now().UTC(),
		Loop:      loop,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
	}
	if err := b.history.Append(t); err != nil {
		b.logger.Warn("failed to append transition history: %v", err)
	}
}
