package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// killGrace is how long to wait for a killed process group to exit before
// giving up, so a wedged child cannot hang the loop forever.
const killGrace = 5 * time.Second

// LocalExec executes commands directly on the local system.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor name.
func (e *LocalExec) Name() string {
	return "local"
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Run executes a command locally with the given options.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		defaults := DefaultOpts()
		opts = &defaults
	}

	startTime := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{ExitCode: -1}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = os.Environ()
		execCmd.Env = append(execCmd.Env, opts.Env...)
	}

	if opts.Stdin != nil {
		execCmd.Stdin = opts.Stdin
	}

	// Combined stdout+stderr capture, optionally teed to the caller's writer.
	var captureBuf strings.Builder
	var out io.Writer = &captureBuf
	if opts.Output != nil {
		out = io.MultiWriter(&captureBuf, opts.Output)
	}
	execCmd.Stdout = out
	execCmd.Stderr = out

	// Set process group so cancellation can kill the agent and its children.
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := execCmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(startTime)}, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- execCmd.Wait()
	}()

	select {
	case <-ctx.Done():
		// Kill the entire process group (negative PID).
		if execCmd.Process != nil {
			_ = syscall.Kill(-execCmd.Process.Pid, syscall.SIGKILL)
		}

		// Wait for the process to exit after kill, bounded so a wedged
		// child cannot hang the loop.
		select {
		case <-done:
		case <-time.After(killGrace):
		}

		result := Result{
			Output:   captureBuf.String(),
			Duration: time.Since(startTime),
			ExitCode: -1,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
		}
		return result, ctx.Err()

	case err := <-done:
		result := Result{
			Output:   captureBuf.String(),
			Duration: time.Since(startTime),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// Non-zero exit is not an execution error; the caller
				// checks ExitCode.
				result.ExitCode = exitErr.ExitCode()
				return result, nil
			}
			result.ExitCode = -1
			return result, fmt.Errorf("command execution failed: %w", err)
		}
		return result, nil
	}
}
