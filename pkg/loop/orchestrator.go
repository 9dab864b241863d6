// Package loop drives the agent invocation cycle: gate on budget and
// breaker, launch the agent, classify its output, decide whether to stop,
// pause, repeat.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/agent"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/circuit"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/classify"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/config"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/limiter"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/metrics"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/persistence"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/signals"
)

// countdownTick is how often the rate-limit wait refreshes its countdown.
const countdownTick = 15 * time.Second

// Exit reasons for terminal outcomes not produced by the aggregator.
const (
	ReasonInterrupted = "interrupted by signal"
	ReasonQuota       = "quota exhausted"
	ReasonMaxLoops    = "max loops reached"
)

// AgentRunner launches one agent iteration. Implemented by agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, loop int) (agent.Result, error)
	CapturePath(loop int) string
}

// ChangeCounter reports working-tree changes. Implemented by git.Tracker.
type ChangeCounter interface {
	ChangedFiles(ctx context.Context, dir string) int
}

// noChanges is the tracker used when no version-control collaborator is
// wired. Progress then comes from classification keywords only.
type noChanges struct{}

func (noChanges) ChangedFiles(context.Context, string) int { return 0 }

// Deps bundles the collaborators the orchestrator drives. Config, Runner,
// Limiter, Aggregator, Breaker, and Publisher are required. A nil
// Classifier, Tracker, Recorder, or Prompter falls back to a default; a nil
// History disables run history.
type Deps struct {
	Config     *config.Config
	ProjectDir string
	Runner     AgentRunner
	Limiter    *limiter.Limiter
	Classifier classify.Classifier
	Aggregator *signals.Aggregator
	Breaker    circuit.Breaker
	Tracker    ChangeCounter
	Publisher  *Publisher
	Recorder   metrics.Recorder
	Prompter   Prompter
	History    *persistence.DatabaseOperations
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Status string
	Reason string
	Loops  int
}

// Orchestrator owns the iteration state machine for one run. Not safe for
// concurrent use; one orchestrator drives one run.
type Orchestrator struct {
	cfg        *config.Config
	projectDir string
	runner     AgentRunner
	limiter    *limiter.Limiter
	classifier classify.Classifier
	aggregator *signals.Aggregator
	breaker    circuit.Breaker
	tracker    ChangeCounter
	publisher  *Publisher
	recorder   metrics.Recorder
	prompter   Prompter
	history    *persistence.DatabaseOperations

	runID  string
	logger *logx.Logger
}

// New wires an orchestrator from its collaborators.
func New(d Deps) *Orchestrator {
	if d.Classifier == nil {
		d.Classifier = classify.NewHeuristic()
	}
	if d.Tracker == nil {
		d.Tracker = noChanges{}
	}
	if d.Recorder == nil {
		d.Recorder = metrics.Nop()
	}
	if d.Prompter == nil {
		d.Prompter = NewTerminalPrompter()
	}

	return &Orchestrator{
		cfg:        d.Config,
		projectDir: d.ProjectDir,
		runner:     d.Runner,
		limiter:    d.Limiter,
		classifier: d.Classifier,
		aggregator: d.Aggregator,
		breaker:    d.Breaker,
		tracker:    d.Tracker,
		publisher:  d.Publisher,
		recorder:   d.Recorder,
		prompter:   d.Prompter,
		history:    d.History,
		logger:     logx.NewLogger("loop"),
	}
}

// Run drives iterations until a terminal condition. The final status record
// is written on every exit path, interrupt included.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	o.runID = persistence.GenerateRunID()
	o.logger.Info("run %s starting in %s", o.runID, o.projectDir)
	o.insertRun()

	out := o.runLoop(ctx)

	o.logger.Info("run %s finished after %d loops: %s (%s)",
		o.runID, out.Loops, out.Status, out.Reason)
	o.publishStatus(out.Loops, out.Status, "run finished", out.Reason)
	o.finishRun(out)
	return out
}

// runLoop is the iteration state machine: refresh the budget window, gate on
// the breaker, gate on the budget, ask the aggregator, then launch.
func (o *Orchestrator) runLoop(ctx context.Context) Outcome {
	loop := 0
	for {
		if o.cfg.MaxLoops > 0 && loop >= o.cfg.MaxLoops {
			return Outcome{Status: StatusCompleted, Reason: ReasonMaxLoops, Loops: loop}
		}

		o.limiter.Refresh()
		calls, _ := o.limiter.Status()
		o.recorder.SetCallsInWindow(calls)

		if o.breaker.ShouldHalt() {
			return Outcome{Status: StatusHalted, Reason: o.breaker.Snapshot().Reason, Loops: loop}
		}

		if !o.limiter.CanInvoke() {
			if !o.waitForReset(ctx, loop) {
				return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}
			}
			continue
		}

		if reason, ok := o.aggregator.ShouldExitGracefully(); ok {
			return Outcome{Status: StatusCompleted, Reason: reason, Loops: loop}
		}

		if ctx.Err() != nil {
			return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}
		}

		loop++
		if out, done := o.iterate(ctx, loop); done {
			return out
		}
	}
}

// iterate launches the agent once and processes the result. done reports a
// terminal outcome.
func (o *Orchestrator) iterate(ctx context.Context, loop int) (Outcome, bool) {
	o.logger.Info("loop %d starting", loop)
	o.publishStatus(loop, StatusRunning, "agent running", "")

	sidecar := startSidecar(o.publisher, o.runner.CapturePath(loop), pollInterval)
	started := time.Now()
	res, err := o.runner.Run(ctx, loop)
	sidecar.Stop()

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}, true
		}
		// The agent never ran, so the budget is not charged.
		o.logger.Error("loop %d could not run the agent: %v", loop, err)
		return o.retryAfterFailure(ctx, loop, started, res, persistence.OutcomeFailure, err.Error())
	}

	if rerr := o.limiter.RecordInvocation(); rerr != nil {
		o.logger.Warn("budget update failed: %v", rerr)
	}
	calls, _ := o.limiter.Status()
	o.recorder.SetCallsInWindow(calls)

	switch {
	case res.TimedOut:
		o.logger.Warn("loop %d timed out after %s, partial output kept at %s",
			loop, res.Duration.Round(time.Second), res.OutputPath)
		return o.retryAfterFailure(ctx, loop, started, res, persistence.OutcomeTimeout, "agent timed out")
	case res.ExitCode != 0 && IsQuotaExhausted(res.Output):
		return o.pauseForQuota(ctx, loop, started, res)
	case res.ExitCode != 0:
		o.logger.Warn("loop %d agent exited %d", loop, res.ExitCode)
		return o.retryAfterFailure(ctx, loop, started, res, persistence.OutcomeFailure,
			fmt.Sprintf("agent exit code %d", res.ExitCode))
	}

	return o.processSuccess(ctx, loop, started, res)
}

// processSuccess classifies the output, feeds the aggregator and the
// breaker, records the iteration, and pauses briefly.
func (o *Orchestrator) processSuccess(ctx context.Context, loop int, started time.Time, res agent.Result) (Outcome, bool) {
	changed := o.tracker.ChangedFiles(ctx, o.projectDir)
	c := o.classifier.Classify(res.Output, loop, changed)
	o.logger.Info("loop %d classified: %s", loop, c.WorkSummary)

	if err := o.aggregator.Record(c); err != nil {
		o.logger.Warn("signal window update failed: %v", err)
	}

	o.recorder.ObserveLoop(loopOutcome(c), res.Duration, res.OutputBytes)
	for _, sig := range classificationSignals(c) {
		o.recorder.IncClassification(sig)
	}
	o.recordIteration(&persistence.IterationRecord{
		RunID:          o.runID,
		LoopNumber:     loop,
		StartedAt:      started,
		DurationMS:     res.Duration.Milliseconds(),
		ExitCode:       res.ExitCode,
		Outcome:        persistence.OutcomeClassified,
		FilesModified:  c.FilesModified,
		Confidence:     c.ConfidenceScore,
		TestOnly:       c.IsTestOnly,
		Stuck:          c.IsStuck,
		Progress:       c.HasProgress,
		StructuredDone: c.HasStructuredCompletion,
		OutputBytes:    res.OutputBytes,
		TokenEstimate:  estimateOutputTokens(res.Output),
		Summary:        c.WorkSummary,
	})

	if out, done := o.feedBreaker(loop, c.HasProgress, c.IsStuck); done {
		return out, true
	}

	o.publishStatus(loop, StatusPaused, c.WorkSummary, "")
	if !sleepCtx(ctx, o.cfg.Pause()) {
		return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}, true
	}
	return Outcome{}, false
}

// retryAfterFailure applies the generic failure policy: record the attempt,
// feed the breaker with the git-derived progress signal, back off briefly,
// and let the loop retry. The breaker's same-error counter is the only bound
// on consecutive failures.
func (o *Orchestrator) retryAfterFailure(ctx context.Context, loop int, started time.Time, res agent.Result, outcome, reason string) (Outcome, bool) {
	changed := o.tracker.ChangedFiles(ctx, o.projectDir)

	o.recorder.ObserveLoop(metrics.OutcomeFailed, res.Duration, res.OutputBytes)
	o.recordIteration(&persistence.IterationRecord{
		RunID:         o.runID,
		LoopNumber:    loop,
		StartedAt:     started,
		DurationMS:    res.Duration.Milliseconds(),
		ExitCode:      res.ExitCode,
		Outcome:       outcome,
		FilesModified: changed,
		OutputBytes:   res.OutputBytes,
		TokenEstimate: estimateOutputTokens(res.Output),
		Summary:       reason,
	})

	if out, done := o.feedBreaker(loop, changed > 0, true); done {
		return out, true
	}

	o.publishStatus(loop, StatusPaused, "backing off after failure", "")
	if !sleepCtx(ctx, o.cfg.FailureBackoff()) {
		return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}, true
	}
	return Outcome{}, false
}

// pauseForQuota handles the provider usage-limit signature. The pause counts
// toward neither the breaker nor the aggregator; the operator decides
// whether to keep waiting, with exit as the default.
func (o *Orchestrator) pauseForQuota(ctx context.Context, loop int, started time.Time, res agent.Result) (Outcome, bool) {
	o.logger.Warn("loop %d hit the provider quota limit", loop)
	o.recorder.IncQuotaPause()
	o.recorder.ObserveLoop(metrics.OutcomeFailed, res.Duration, res.OutputBytes)
	o.recordIteration(&persistence.IterationRecord{
		RunID:         o.runID,
		LoopNumber:    loop,
		StartedAt:     started,
		DurationMS:    res.Duration.Milliseconds(),
		ExitCode:      res.ExitCode,
		Outcome:       persistence.OutcomeQuota,
		OutputBytes:   res.OutputBytes,
		TokenEstimate: estimateOutputTokens(res.Output),
		Summary:       "provider quota exhausted",
	})

	o.publishStatus(loop, StatusPaused, "provider quota exhausted", "")
	if !o.prompter.ContinueAfterQuota(ctx, o.cfg.QuotaPromptTimeout()) {
		o.logger.Info("exiting on quota exhaustion")
		return Outcome{Status: StatusInterrupted, Reason: ReasonQuota, Loops: loop}, true
	}

	o.logger.Info("waiting %s before retrying after the quota pause", o.cfg.QuotaRetry())
	o.publishStatus(loop, StatusPaused, "waiting out provider quota", "")
	if !sleepCtx(ctx, o.cfg.QuotaRetry()) {
		return Outcome{Status: StatusInterrupted, Reason: ReasonInterrupted, Loops: loop}, true
	}
	return Outcome{}, false
}

// feedBreaker folds one loop result into the breaker, emitting a transition
// metric on any state change. A breaker state that cannot be persisted ends
// the run: the breaker is the sole authority on whether execution may
// proceed.
func (o *Orchestrator) feedBreaker(loop int, progress, errs bool) (Outcome, bool) {
	before := o.breaker.GetState()
	err := o.breaker.Record(circuit.Result{Loop: loop, HasProgress: progress, HasErrors: errs})
	if err != nil {
		o.logger.Error("circuit state write failed: %v", err)
		return Outcome{Status: StatusFailed, Reason: "circuit state unwritable", Loops: loop}, true
	}

	if after := o.breaker.GetState(); after != before {
		o.recorder.IncCircuitTransition(after.String())
	}
	if o.breaker.ShouldHalt() {
		return Outcome{Status: StatusHalted, Reason: o.breaker.Snapshot().Reason, Loops: loop}, true
	}
	return Outcome{}, false
}

// waitForReset blocks until the hour window rolls over, republishing the
// countdown so dashboards stay live. Returns false when interrupted.
func (o *Orchestrator) waitForReset(ctx context.Context, loop int) bool {
	remaining := o.limiter.TimeUntilReset()
	o.logger.Info("hourly budget exhausted, next window in %s", remaining.Round(time.Second))
	o.publishStatus(loop, StatusWaiting, "waiting for the next hour window", "")

	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	ticker := time.NewTicker(countdownTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return true
		case <-ticker.C:
			o.logger.Debug("next window in %s", o.limiter.TimeUntilReset().Round(time.Second))
			o.publishStatus(loop, StatusWaiting, "waiting for the next hour window", "")
		}
	}
}

// publishStatus overwrites the run status record with current budget counts.
func (o *Orchestrator) publishStatus(loop int, status, action, reason string) {
	calls, maxCalls := o.limiter.Status()
	o.publisher.PublishStatus(RunStatus{
		LoopNumber: loop,
		CallsMade:  calls,
		MaxCalls:   maxCalls,
		LastAction: action,
		Status:     status,
		ExitReason: reason,
		NextReset:  time.Now().Add(o.limiter.TimeUntilReset()),
	})
}

// Run history is advisory: SQLite trouble is logged and the loop keeps going.

func (o *Orchestrator) insertRun() {
	if o.history == nil {
		return
	}
	run := &persistence.Run{
		ID:         o.runID,
		ProjectDir: o.projectDir,
		StartedAt:  time.Now(),
		Status:     persistence.RunStatusRunning,
	}
	if err := o.history.InsertRun(run); err != nil {
		o.logger.Warn("run history insert failed: %v", err)
	}
}

func (o *Orchestrator) finishRun(out Outcome) {
	if o.history == nil {
		return
	}
	if err := o.history.FinishRun(o.runID, out.Status, out.Reason, out.Loops); err != nil {
		o.logger.Warn("run history update failed: %v", err)
	}
}

func (o *Orchestrator) recordIteration(it *persistence.IterationRecord) {
	if o.history == nil {
		return
	}
	if err := o.history.InsertIteration(it); err != nil {
		o.logger.Warn("iteration history insert failed: %v", err)
	}
}

// loopOutcome reduces a classification to the single outcome label for the
// loop counter. Stuck wins over test-only, test-only over progress.
func loopOutcome(c classify.Result) string {
	switch {
	case c.IsStuck:
		return metrics.OutcomeStuck
	case c.IsTestOnly:
		return metrics.OutcomeTestOnly
	case c.HasProgress:
		return metrics.OutcomeProgress
	default:
		return metrics.OutcomeNoProgress
	}
}

// classificationSignals maps one classification onto signal labels. A loop
// with no detected signal counts as no_work.
func classificationSignals(c classify.Result) []string {
	var sigs []string
	if c.HasStructuredCompletion {
		sigs = append(sigs, metrics.SignalStructuredCompletion)
	}
	if c.CompletionHint {
		sigs = append(sigs, metrics.SignalCompletionHint)
	}
	if c.IsTestOnly {
		sigs = append(sigs, metrics.SignalTestOnly)
	}
	if c.IsStuck {
		sigs = append(sigs, metrics.SignalStuck)
	}
	if c.HasProgress {
		sigs = append(sigs, metrics.SignalProgress)
	}
	if len(sigs) == 0 {
		sigs = append(sigs, metrics.SignalNoWork)
	}
	return sigs
}

// sleepCtx pauses for d unless the context is canceled first. Returns false
// when interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
