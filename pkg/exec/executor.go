// Package exec provides subprocess execution for the loop driver.
package exec

import (
	"context"
	"io"
	"time"
)

// Executor defines the interface for running external commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging/debugging.
	Name() string

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Opts contains options for command execution.
//
//nolint:govet // Configuration struct, logical grouping preferred
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format),
	// appended to the inherited environment.
	Env []string

	// Timeout is the maximum duration for command execution. Zero means no limit.
	Timeout time.Duration

	// WorkDir is the working directory for the command.
	WorkDir string

	// Stdin, when set, is fed to the command's standard input.
	Stdin io.Reader

	// Output, when set, receives the combined stdout+stderr stream as it is
	// produced, in addition to the capture returned in Result.
	Output io.Writer
}

// Result contains the result of command execution.
type Result struct {
	// Output is the combined stdout+stderr capture.
	Output string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExitCode is the exit code of the command. -1 when the command did not
	// run to completion (start failure, kill on cancellation).
	ExitCode int

	// TimedOut reports that the command was killed by the execution timeout.
	TimedOut bool
}

// DefaultOpts returns default execution options.
func DefaultOpts() Opts {
	return Opts{
		Timeout: 15 * time.Minute,
	}
}
