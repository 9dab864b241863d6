package circuit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/eventlog"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

// =============================================================================
// State transition tests
// =============================================================================

func TestNoProgress_EscalatesToHalfOpenThenOpen(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	if err := b.Record(Result{Loop: 1, HasProgress: false}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := b.GetState(); got != Closed {
		t.Errorf("after 1 no-progress loop: state = %s, want CLOSED", got)
	}

	if err := b.Record(Result{Loop: 2, HasProgress: false}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := b.GetState(); got != HalfOpen {
		t.Errorf("after 2 no-progress loops: state = %s, want HALF_OPEN", got)
	}

	if err := b.Record(Result{Loop: 3, HasProgress: false}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := b.GetState(); got != Open {
		t.Errorf("after 3 no-progress loops: state = %s, want OPEN", got)
	}
	if !b.ShouldHalt() {
		t.Error("ShouldHalt() = false for OPEN circuit")
	}

	snap := b.Snapshot()
	if snap.Reason != ReasonNoProgress {
		t.Errorf("reason = %q, want %q", snap.Reason, ReasonNoProgress)
	}
	if snap.TotalOpens != 1 {
		t.Errorf("TotalOpens = %d, want 1", snap.TotalOpens)
	}
}

func TestHalfOpen_RecoversOnProgress(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	b.Record(Result{Loop: 1, HasProgress: false})
	b.Record(Result{Loop: 2, HasProgress: false})
	if got := b.GetState(); got != HalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	if err := b.Record(Result{Loop: 3, HasProgress: true}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if got := b.GetState(); got != Closed {
		t.Errorf("progress in HALF_OPEN: state = %s, want CLOSED", got)
	}

	snap := b.Snapshot()
	if snap.ConsecutiveNoProgress != 0 {
		t.Errorf("ConsecutiveNoProgress = %d, want 0", snap.ConsecutiveNoProgress)
	}
	if snap.LastProgressLoop != 3 {
		t.Errorf("LastProgressLoop = %d, want 3", snap.LastProgressLoop)
	}
}

func TestAllProgress_StaysClosed(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	for loop := 1; loop <= 10; loop++ {
		if err := b.Record(Result{Loop: loop, HasProgress: true}); err != nil {
			t.Fatalf("Record failed on loop %d: %v", loop, err)
		}
	}

	snap := b.Snapshot()
	if snap.State != Closed {
		t.Errorf("state = %s, want CLOSED", snap.State)
	}
	if snap.TotalOpens != 0 {
		t.Errorf("TotalOpens = %d, want 0", snap.TotalOpens)
	}
	if snap.LastProgressLoop != 10 {
		t.Errorf("LastProgressLoop = %d, want 10", snap.LastProgressLoop)
	}
}

func TestIntermittentStalls_StayClosed(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	// Single stalls separated by progress never accumulate toward OPEN.
	sequence := []bool{true, true, false, true, false}
	for i, progress := range sequence {
		if err := b.Record(Result{Loop: i + 1, HasProgress: progress}); err != nil {
			t.Fatalf("Record failed on loop %d: %v", i+1, err)
		}
		if b.ShouldHalt() {
			t.Fatalf("ShouldHalt true after loop %d", i+1)
		}
	}

	snap := b.Snapshot()
	if snap.State != Closed {
		t.Errorf("state = %s, want CLOSED", snap.State)
	}
	if snap.ConsecutiveNoProgress != 1 {
		t.Errorf("ConsecutiveNoProgress = %d, want 1", snap.ConsecutiveNoProgress)
	}
	if snap.TotalOpens != 0 {
		t.Errorf("TotalOpens = %d, want 0", snap.TotalOpens)
	}
	if snap.LastProgressLoop != 4 {
		t.Errorf("LastProgressLoop = %d, want 4", snap.LastProgressLoop)
	}
}

func TestSameError_OpensAfterLimit(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	// Progress on every loop keeps the no-progress path quiet; the error
	// streak alone must trip the breaker.
	for loop := 1; loop <= 4; loop++ {
		if err := b.Record(Result{Loop: loop, HasProgress: true, HasErrors: true}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if got := b.GetState(); got != Closed {
			t.Fatalf("after %d error loops: state = %s, want CLOSED", loop, got)
		}
	}

	b.Record(Result{Loop: 5, HasProgress: true, HasErrors: true})
	if got := b.GetState(); got != Open {
		t.Errorf("after 5 error loops: state = %s, want OPEN", got)
	}
	if snap := b.Snapshot(); snap.Reason != ReasonSameError {
		t.Errorf("reason = %q, want %q", snap.Reason, ReasonSameError)
	}
}

func TestErrorStreak_ResetsOnCleanLoop(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	for loop := 1; loop <= 4; loop++ {
		b.Record(Result{Loop: loop, HasProgress: true, HasErrors: true})
	}
	b.Record(Result{Loop: 5, HasProgress: true, HasErrors: false})
	b.Record(Result{Loop: 6, HasProgress: true, HasErrors: true})

	snap := b.Snapshot()
	if snap.ConsecutiveSameError != 1 {
		t.Errorf("ConsecutiveSameError = %d, want 1", snap.ConsecutiveSameError)
	}
	if snap.State != Closed {
		t.Errorf("state = %s, want CLOSED", snap.State)
	}
}

func TestOpen_IsTerminal(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	for loop := 1; loop <= 3; loop++ {
		b.Record(Result{Loop: loop, HasProgress: false})
	}
	if got := b.GetState(); got != Open {
		t.Fatalf("state = %s, want OPEN", got)
	}

	// Progress does not heal an OPEN circuit.
	b.Record(Result{Loop: 4, HasProgress: true})
	if got := b.GetState(); got != Open {
		t.Errorf("progress while OPEN: state = %s, want OPEN", got)
	}
	if snap := b.Snapshot(); snap.Reason != ReasonOpenHalted {
		t.Errorf("reason = %q, want %q", snap.Reason, ReasonOpenHalted)
	}
}

// =============================================================================
// Reset tests
// =============================================================================

func TestReset_ClearsEverything(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	for loop := 1; loop <= 3; loop++ {
		b.Record(Result{Loop: loop, HasProgress: false})
	}
	if got := b.GetState(); got != Open {
		t.Fatalf("state = %s, want OPEN", got)
	}

	if err := b.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	snap := b.Snapshot()
	if snap.State != Closed {
		t.Errorf("state = %s, want CLOSED", snap.State)
	}
	if snap.ConsecutiveNoProgress != 0 || snap.ConsecutiveSameError != 0 {
		t.Errorf("counters = (%d, %d), want (0, 0)",
			snap.ConsecutiveNoProgress, snap.ConsecutiveSameError)
	}
	if snap.TotalOpens != 0 {
		t.Errorf("TotalOpens = %d, want 0", snap.TotalOpens)
	}
	if snap.Reason != "" {
		t.Errorf("reason = %q, want empty", snap.Reason)
	}
}

func TestReset_WhenAlreadyClosed(t *testing.T) {
	store := newTestStore(t)
	b := New(DefaultConfig, store, nil)

	if err := b.Reset(); err != nil {
		t.Fatalf("Reset on fresh breaker failed: %v", err)
	}
	if got := b.GetState(); got != Closed {
		t.Errorf("state = %s, want CLOSED", got)
	}
}

// =============================================================================
// Persistence tests
// =============================================================================

func TestState_SurvivesRestart(t *testing.T) {
	store := newTestStore(t)

	b := New(DefaultConfig, store, nil)
	for loop := 1; loop <= 3; loop++ {
		b.Record(Result{Loop: loop, HasProgress: false})
	}

	reloaded := New(DefaultConfig, store, nil)
	if got := reloaded.GetState(); got != Open {
		t.Errorf("reloaded state = %s, want OPEN", got)
	}
	snap := reloaded.Snapshot()
	if snap.ConsecutiveNoProgress != 3 {
		t.Errorf("reloaded ConsecutiveNoProgress = %d, want 3", snap.ConsecutiveNoProgress)
	}
	if snap.CurrentLoop != 3 {
		t.Errorf("reloaded CurrentLoop = %d, want 3", snap.CurrentLoop)
	}
}

func TestCorruptState_ReinitializesClosed(t *testing.T) {
	store := newTestStore(t)
	path := store.Path(stateDoc)
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	b := New(DefaultConfig, store, nil)
	if got := b.GetState(); got != Closed {
		t.Errorf("state = %s, want CLOSED after corrupt state file", got)
	}
}

// =============================================================================
// Transition history tests
// =============================================================================

func TestTransitions_AppendedToHistory(t *testing.T) {
	dir := t.TempDir()
	store, err := state.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	historyPath := filepath.Join(dir, "transitions.jsonl")
	writer, err := eventlog.NewWriter(historyPath)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer writer.Close()

	b := New(DefaultConfig, store, writer)
	for loop := 1; loop <= 3; loop++ {
		b.Record(Result{Loop: loop, HasProgress: false})
	}
	if err := b.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	transitions, err := eventlog.ReadTransitions(historyPath)
	if err != nil {
		t.Fatalf("ReadTransitions failed: %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("got %d transitions, want 3", len(transitions))
	}

	want := []struct {
		from, to, reason string
	}{
		{"CLOSED", "HALF_OPEN", ReasonNoProgress},
		{"HALF_OPEN", "OPEN", ReasonNoProgress},
		{"OPEN", "CLOSED", ReasonReset},
	}
	for i, w := range want {
		got := transitions[i]
		if got.From != w.from || got.To != w.to || got.Reason != w.reason {
			t.Errorf("transition %d = %s -> %s (%q), want %s -> %s (%q)",
				i, got.From, got.To, got.Reason, w.from, w.to, w.reason)
		}
	}
}

func TestStateJSON_RoundTrip(t *testing.T) {
	for _, s := range []State{Closed, HalfOpen, Open} {
		data, err := s.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON(%s) failed: %v", s, err)
		}
		var back State
		if err := back.UnmarshalJSON(data); err != nil {
			t.Fatalf("UnmarshalJSON(%s) failed: %v", data, err)
		}
		if back != s {
			t.Errorf("round trip: got %s, want %s", back, s)
		}
	}

	var bad State
	if err := bad.UnmarshalJSON([]byte(`"SMOLDERING"`)); err == nil {
		t.Error("expected error for unknown state name")
	}
}

func TestShouldHalt_NoSideEffects(t *testing.T) {
	b := New(DefaultConfig, newTestStore(t), nil)

	for i := 0; i < 10; i++ {
		if b.ShouldHalt() {
			t.Fatal("ShouldHalt() = true for fresh breaker")
		}
	}
	if snap := b.Snapshot(); snap.ConsecutiveNoProgress != 0 || snap.CurrentLoop != 0 {
		t.Errorf("ShouldHalt mutated state: %+v", snap)
	}
}
