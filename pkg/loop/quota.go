package loop

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// quotaSignatures are provider messages that mean a multi-hour usage limit
// was hit rather than an ordinary failure. Matching is case-insensitive
// substring matching over the captured output.
//
//nolint:gochecknoglobals // Lookup table for quota detection
var quotaSignatures = []string{
	"usage limit",
	"5-hour limit",
	"usage cap",
	"quota exceeded",
	"hour limit reached",
}

// IsQuotaExhausted reports whether captured agent output carries a quota
// exhaustion signature.
func IsQuotaExhausted(output string) bool {
	lower := strings.ToLower(output)
	for _, sig := range quotaSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Prompter asks the operator whether to keep waiting after a quota pause.
// False means exit the run.
type Prompter interface {
	ContinueAfterQuota(ctx context.Context, timeout time.Duration) bool
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, timeout time.Duration) bool

// ContinueAfterQuota calls f.
func (f PrompterFunc) ContinueAfterQuota(ctx context.Context, timeout time.Duration) bool {
	return f(ctx, timeout)
}

// TerminalPrompter asks on the controlling terminal with a bounded wait.
// A non-terminal stdin, a timeout, a canceled context, or any answer other
// than an explicit yes all mean exit.
type TerminalPrompter struct {
	in *os.File

	once  sync.Once
	lines chan string
}

// NewTerminalPrompter creates a prompter reading from stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin}
}

// ContinueAfterQuota prints the continue/exit question and waits up to
// timeout for an answer.
func (p *TerminalPrompter) ContinueAfterQuota(ctx context.Context, timeout time.Duration) bool {
	if !term.IsTerminal(int(p.in.Fd())) {
		return false
	}

	p.once.Do(func() {
		p.lines = make(chan string)
		go p.readLines()
	})

	fmt.Fprintf(os.Stderr, "\nProvider quota exhausted. Keep waiting and retry? [y/N] (exit in %s): ",
		timeout.Round(time.Second))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		fmt.Fprintln(os.Stderr)
		return false
	case line, ok := <-p.lines:
		if !ok {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

// readLines feeds terminal input to the prompt. One reader goroutine per
// prompter keeps repeated prompts from racing on stdin.
func (p *TerminalPrompter) readLines() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}
