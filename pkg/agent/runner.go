// Package agent launches the coding agent subprocess for one loop iteration.
// The agent is an opaque collaborator: it receives the prompt on stdin,
// runs for a bounded time, and writes free-form output that the classifier
// inspects afterward.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/config"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/exec"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
)

// Result is the outcome of one agent iteration.
type Result struct {
	// Output is the combined stdout+stderr capture.
	Output string

	// OutputPath is the per-loop capture file on disk.
	OutputPath string

	// OutputBytes is the captured output size.
	OutputBytes int

	// Duration is the agent wall time.
	Duration time.Duration

	// ExitCode is the agent exit code. -1 when the agent did not run to
	// completion (start failure or timeout kill).
	ExitCode int

	// TimedOut reports that the agent was killed by the execution timeout.
	TimedOut bool
}

// Success reports whether the agent exited cleanly.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner executes the configured agent command once per loop iteration.
type Runner struct {
	executor   exec.Executor
	cfg        *config.Config
	projectDir string
	logger     *logx.Logger

	mu           sync.RWMutex
	lastActivity time.Time
}

// NewRunner creates a runner for the given project.
func NewRunner(executor exec.Executor, cfg *config.Config, projectDir string) *Runner {
	return &Runner{
		executor:   executor,
		cfg:        cfg,
		projectDir: projectDir,
		logger:     logx.NewLogger("agent"),
	}
}

// CapturePath returns the capture filename for a loop number.
func (r *Runner) CapturePath(loop int) string {
	return filepath.Join(config.LogsDir(r.projectDir), fmt.Sprintf("loop-%d.log", loop))
}

// LastActivity returns when the agent last produced output. Zero before
// the first write of a run.
func (r *Runner) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// recordActivity resets the activity timestamp. Called on every output write.
func (r *Runner) recordActivity() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

// Run executes one agent iteration. The prompt file is re-read every call
// so edits made between iterations take effect. Output is captured to
// .ralph/logs/loop-<N>.log as it is produced; on timeout the partial
// capture remains on disk for inspection.
//
// A non-nil error means the iteration could not run at all (missing prompt,
// unwritable capture file, start failure, or parent cancellation). Agent
// failures, including timeout kills, come back as err == nil with a
// non-zero ExitCode.
func (r *Runner) Run(ctx context.Context, loop int) (Result, error) {
	promptPath := filepath.Join(r.projectDir, r.cfg.PromptFile)
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to read prompt file %s: %w", promptPath, err)
	}

	if _, err := config.EnsureStateDir(r.projectDir); err != nil {
		return Result{ExitCode: -1}, err
	}

	capturePath := r.CapturePath(loop)
	captureFile, err := os.Create(capturePath)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create capture file %s: %w", capturePath, err)
	}
	defer captureFile.Close()

	var sink io.Writer = captureFile
	if r.cfg.StreamOutput {
		sink = io.MultiWriter(captureFile, os.Stdout)
	}

	r.recordActivity()
	r.logger.Debug("loop %d: running %v (timeout %s)", loop, r.cfg.AgentCommand, r.cfg.Timeout())

	opts := &exec.Opts{
		Env:     config.AgentEnv(),
		Timeout: r.cfg.Timeout(),
		WorkDir: r.projectDir,
		Stdin:   bytes.NewReader(prompt),
		Output:  &activityWriter{runner: r, sink: sink},
	}

	execResult, execErr := r.executor.Run(ctx, r.cfg.AgentCommand, opts)

	result := Result{
		Output:      execResult.Output,
		OutputPath:  capturePath,
		OutputBytes: len(execResult.Output),
		Duration:    execResult.Duration,
		ExitCode:    execResult.ExitCode,
		TimedOut:    execResult.TimedOut,
	}

	if execErr != nil {
		// A timeout kill is an agent failure the loop retries with backoff,
		// not an infrastructure error.
		if execResult.TimedOut {
			r.logger.Warn("loop %d: agent timed out after %s, partial output in %s",
				loop, execResult.Duration.Round(time.Second), capturePath)
			return result, nil
		}
		if errors.Is(execErr, context.Canceled) {
			return result, execErr
		}
		return result, fmt.Errorf("agent execution failed: %w", execErr)
	}

	r.logger.Debug("loop %d: agent exited %d after %s (%d bytes captured)",
		loop, result.ExitCode, result.Duration.Round(time.Millisecond), result.OutputBytes)
	return result, nil
}

// activityWriter forwards output to the capture sink while refreshing the
// runner's activity timestamp for the progress sidecar.
type activityWriter struct {
	runner *Runner
	sink   io.Writer
}

func (w *activityWriter) Write(p []byte) (int, error) {
	w.runner.recordActivity()
	return w.sink.Write(p)
}
