// Package git supplies the file-change count the classifier treats as ground
// truth for progress.
package git

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/exec"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
)

// statusTimeout bounds one git status invocation.
const statusTimeout = 30 * time.Second

// porcelainLine matches one `git status --porcelain` entry: a two-character
// status code, a space, then a path. Captured output is a combined stream,
// so the shape filter keeps stray warning lines out of the count.
var porcelainLine = regexp.MustCompile(`^[ MTADRCU?!]{2} \S`)

// Tracker counts files changed in a working tree since the last commit.
type Tracker struct {
	executor exec.Executor
	logger   *logx.Logger
}

// NewTracker creates a tracker that shells out through the given executor.
func NewTracker(executor exec.Executor) *Tracker {
	return &Tracker{
		executor: executor,
		logger:   logx.NewLogger("git"),
	}
}

// ChangedFiles returns the number of paths git reports as modified, added,
// deleted, renamed, or untracked in dir. Any failure (git missing, dir not a
// repository) degrades to 0 so the loop keeps running without progress
// evidence rather than failing.
func (t *Tracker) ChangedFiles(ctx context.Context, dir string) int {
	opts := &exec.Opts{
		WorkDir: dir,
		Timeout: statusTimeout,
	}

	result, err := t.executor.Run(ctx, []string{"git", "status", "--porcelain"}, opts)
	if err != nil {
		t.logger.Debug("git status failed in %s: %v", dir, err)
		return 0
	}
	if result.ExitCode != 0 {
		t.logger.Debug("git status exited %d in %s", result.ExitCode, dir)
		return 0
	}

	return countPorcelainLines(result.Output)
}

func countPorcelainLines(output string) int {
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if porcelainLine.MatchString(line) {
			n++
		}
	}
	return n
}
