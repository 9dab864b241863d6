package loop

import (
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
)

// State store documents maintained by the publisher.
const (
	statusDoc   = "status"
	progressDoc = "progress"
)

// Statuses published in the run status record.
const (
	StatusRunning     = "running"
	StatusWaiting     = "waiting"
	StatusPaused      = "paused"
	StatusCompleted   = "completed"
	StatusHalted      = "halted"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// RunStatus is the dashboard-facing record overwritten in place at
// .ralph/status.json on every update.
type RunStatus struct {
	LoopNumber int       `json:"loop_number"`
	CallsMade  int       `json:"calls_made"`
	MaxCalls   int       `json:"max_calls"`
	LastAction string    `json:"last_action"`
	Status     string    `json:"status"`
	ExitReason string    `json:"exit_reason,omitempty"`
	NextReset  time.Time `json:"next_reset"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ProgressSnapshot is the per-execution record overwritten in place at
// .ralph/progress.json while the agent runs.
type ProgressSnapshot struct {
	Status        string    `json:"status"`
	Spinner       string    `json:"spinner"`
	Elapsed       string    `json:"elapsed"`
	LastLine      string    `json:"last_line"`
	OutputBytes   int64     `json:"output_bytes"`
	TokenEstimate int       `json:"token_estimate"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher overwrites the status and progress records through the state
// store. Both records are advisory; a failed write is logged and the loop
// keeps going.
type Publisher struct {
	store  *state.Store
	logger *logx.Logger
}

// NewPublisher creates a publisher writing into the given store.
func NewPublisher(store *state.Store) *Publisher {
	return &Publisher{
		store:  store,
		logger: logx.NewLogger("status"),
	}
}

// PublishStatus overwrites the run status record, stamping updated_at.
func (p *Publisher) PublishStatus(s RunStatus) {
	s.UpdatedAt = time.Now()
	if err := p.store.Save(statusDoc, s); err != nil {
		p.logger.Warn("status record write failed: %v", err)
	}
}

// PublishProgress overwrites the progress snapshot, stamping the sample time.
func (p *Publisher) PublishProgress(snap ProgressSnapshot) {
	snap.Timestamp = time.Now()
	if err := p.store.Save(progressDoc, snap); err != nil {
		p.logger.Warn("progress snapshot write failed: %v", err)
	}
}
