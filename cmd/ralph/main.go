// Command ralph drives a coding agent in a loop until the work is done or
// the run stops making progress. Each iteration feeds the prompt file to the
// agent subprocess on stdin, classifies the captured output, and decides
// whether to continue, pause, or halt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/agent"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/circuit"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/config"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/eventlog"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/exec"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/git"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/limiter"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/logx"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/loop"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/metrics"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/persistence"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/plan"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/signals"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/state"
	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/version"
)

const transitionsLogName = "transitions.jsonl"

// options holds the parsed command line.
type options struct {
	calls         int
	prompt        string
	planFile      string
	timeout       int
	command       string
	maxLoops      int
	status        bool
	monitor       bool
	verbose       bool
	stream        bool
	resetCircuit  bool
	circuitStatus bool
	projectDir    string
}

func main() {
	var opts options
	flag.IntVar(&opts.calls, "calls", 0, "Maximum agent calls per hour (overrides config)")
	flag.StringVar(&opts.prompt, "prompt", "", "Prompt file fed to the agent on stdin (overrides config)")
	flag.StringVar(&opts.planFile, "plan", "", "Plan checklist consulted for completion (overrides config)")
	flag.IntVar(&opts.timeout, "timeout", 0, "Agent timeout in minutes, 1-120 (overrides config)")
	flag.StringVar(&opts.command, "command", "", "Agent command line, e.g. \"codex exec --full-auto -\" (overrides config)")
	flag.IntVar(&opts.maxLoops, "max-loops", 0, "Stop after this many loops, 0 means unlimited")
	flag.BoolVar(&opts.status, "status", false, "Print the current run status and exit")
	flag.BoolVar(&opts.monitor, "monitor", false, "Serve health and metrics over HTTP (implies -verbose)")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&opts.stream, "stream", false, "Mirror agent output to stdout while it runs")
	flag.BoolVar(&opts.resetCircuit, "reset-circuit", false, "Reset the circuit breaker to CLOSED and exit")
	flag.BoolVar(&opts.circuitStatus, "circuit-status", false, "Print the circuit breaker state and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ralph %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	opts.projectDir = "."
	if flag.NArg() > 0 {
		opts.projectDir = flag.Arg(0)
	}

	os.Exit(run(&opts))
}

func run(opts *options) int {
	if opts.monitor {
		opts.verbose = true
	}
	logx.SetDebug(opts.verbose)

	cfg, err := config.Load(opts.projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	if err := applyOverrides(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}

	if _, err := config.EnsureStateDir(opts.projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	store, err := state.NewStore(config.StateDir(opts.projectDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}

	switch {
	case opts.status:
		return printStatus(store, cfg)
	case opts.resetCircuit:
		return resetCircuit(store, opts.projectDir)
	case opts.circuitStatus:
		return printCircuitStatus(store, opts.projectDir)
	}

	// The runner re-reads the prompt every loop; catch a missing file now
	// instead of on the first launch.
	promptPath := filepath.Join(opts.projectDir, cfg.PromptFile)
	if _, err := os.Stat(promptPath); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: prompt file %s is not readable: %v\n", promptPath, err)
		return 1
	}

	if err := config.LoadSecrets(opts.projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run history is advisory. SQLite trouble must not stop the loop.
	var history *persistence.DatabaseOperations
	if err := persistence.Initialize(config.HistoryDBPath(opts.projectDir)); err != nil {
		logx.Warnf("run history disabled: %v", err)
	} else {
		history = persistence.Ops()
		defer func() {
			if err := persistence.Close(); err != nil {
				logx.Warnf("failed to close run history: %v", err)
			}
		}()
	}

	if opts.monitor {
		server := metrics.NewServer(cfg.MonitorAddr, store, cfg.MetricsExporter == config.MetricsPrometheus)
		if err := server.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
			return 1
		}
	}

	transitions, err := eventlog.NewWriter(filepath.Join(config.StateDir(opts.projectDir), transitionsLogName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	defer func() { _ = transitions.Close() }()

	executor := exec.NewLocalExec()
	orch := loop.New(loop.Deps{
		Config:     cfg,
		ProjectDir: opts.projectDir,
		Runner:     agent.NewRunner(executor, cfg, opts.projectDir),
		Limiter:    limiter.NewLimiter(store, cfg.MaxCallsPerHour),
		Aggregator: signals.NewAggregator(store, plan.NewChecker(filepath.Join(opts.projectDir, cfg.PlanFile))),
		Breaker:    circuit.New(circuit.DefaultConfig, store, transitions),
		Tracker:    git.NewTracker(executor),
		Publisher:  loop.NewPublisher(store),
		Recorder:   metrics.ForExporter(cfg.MetricsExporter),
		History:    history,
	})

	logx.Infof("starting loop in %s (budget %d calls/hour, agent %q)",
		opts.projectDir, cfg.MaxCallsPerHour, strings.Join(cfg.AgentCommand, " "))

	out := orch.Run(ctx)
	switch out.Status {
	case loop.StatusHalted, loop.StatusFailed:
		fmt.Fprintf(os.Stderr, "ralph: %s after %d loops: %s\n", out.Status, out.Loops, out.Reason)
		return 1
	default:
		logx.Infof("%s after %d loops: %s", out.Status, out.Loops, out.Reason)
		return 0
	}
}

// applyOverrides folds CLI flags into the loaded config and revalidates.
func applyOverrides(cfg *config.Config, opts *options) error {
	if opts.calls != 0 {
		cfg.MaxCallsPerHour = opts.calls
	}
	if opts.prompt != "" {
		cfg.PromptFile = opts.prompt
	}
	if opts.planFile != "" {
		cfg.PlanFile = opts.planFile
	}
	if opts.timeout != 0 {
		cfg.TimeoutMinutes = opts.timeout
	}
	if opts.command != "" {
		cfg.AgentCommand = strings.Fields(opts.command)
	}
	if opts.maxLoops > 0 {
		cfg.MaxLoops = opts.maxLoops
	}
	if opts.stream {
		cfg.StreamOutput = true
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	return cfg.Validate()
}

// printStatus prints the most recent published status record. When a
// Prometheus endpoint is configured it appends a session summary.
func printStatus(store *state.Store, cfg *config.Config) int {
	var st loop.RunStatus
	err := store.Load("status", &st)
	if errors.Is(err, state.ErrNotExist) {
		fmt.Println("no run status recorded yet")
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}

	fmt.Printf("status:       %s\n", st.Status)
	fmt.Printf("loop:         %d\n", st.LoopNumber)
	fmt.Printf("calls:        %d/%d this hour\n", st.CallsMade, st.MaxCalls)
	fmt.Printf("last action:  %s\n", st.LastAction)
	if st.ExitReason != "" {
		fmt.Printf("exit reason:  %s\n", st.ExitReason)
	}
	fmt.Printf("next reset:   %s\n", st.NextReset.Format(time.RFC3339))
	fmt.Printf("updated:      %s\n", st.UpdatedAt.Format(time.RFC3339))

	if cfg.PrometheusURL != "" {
		printSessionSummary(cfg.PrometheusURL)
	}
	return 0
}

// printSessionSummary is best effort: an unreachable Prometheus only costs
// the summary lines, never the status itself.
func printSessionSummary(promURL string) {
	query, err := metrics.NewQueryService(promURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: session summary unavailable: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := query.GetSessionMetrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: session summary unavailable: %v\n", err)
		return
	}
	fmt.Printf("\nsession:      %d loops, %d quota pauses, %.1fs mean agent time\n",
		session.Loops, session.QuotaPauses, session.MeanAgentSeconds)

	outcomes, err := query.GetLoopsByOutcome(ctx)
	if err != nil || len(outcomes) == 0 {
		return
	}
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %d\n", name, outcomes[name])
	}
}

// resetCircuit clears the breaker so a halted run can be restarted. The
// reset transition is appended to the event log like any other.
func resetCircuit(store *state.Store, projectDir string) int {
	transitions, err := eventlog.NewWriter(filepath.Join(config.StateDir(projectDir), transitionsLogName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	defer func() { _ = transitions.Close() }()

	breaker := circuit.New(circuit.DefaultConfig, store, transitions)
	before := breaker.GetState()
	if err := breaker.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	fmt.Printf("circuit breaker reset: %s -> %s\n", before, circuit.Closed)
	return 0
}

func printCircuitStatus(store *state.Store, projectDir string) int {
	breaker := circuit.New(circuit.DefaultConfig, store, nil)
	snap := breaker.Snapshot()
	fmt.Printf("state:          %s\n", snap.State)
	fmt.Printf("no progress:    %d consecutive\n", snap.ConsecutiveNoProgress)
	fmt.Printf("same error:     %d consecutive\n", snap.ConsecutiveSameError)
	fmt.Printf("last progress:  loop %d\n", snap.LastProgressLoop)
	fmt.Printf("total opens:    %d\n", snap.TotalOpens)
	if snap.Reason != "" {
		fmt.Printf("reason:         %s\n", snap.Reason)
	}

	logPath := filepath.Join(config.StateDir(projectDir), transitionsLogName)
	transitions, err := eventlog.ReadTransitions(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		return 1
	}
	if len(transitions) == 0 {
		return 0
	}

	fmt.Printf("\nrecent transitions:\n")
	start := 0
	if len(transitions) > 5 {
		start = len(transitions) - 5
	}
	for _, tr := range transitions[start:] {
		fmt.Printf("  %s  loop %-3d %s -> %s  %s\n",
			tr.Timestamp.Format(time.RFC3339), tr.Loop, tr.From, tr.To, tr.Reason)
	}
	return 0
}
