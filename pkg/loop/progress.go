package loop

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yifanzhang-pro/Ralph-for-codex/pkg/utils"
)

// Sidecar sampling parameters.
const (
	// pollInterval is how often the sidecar samples the capture file.
	pollInterval = 2 * time.Second

	// exactTokenLimit bounds how much output goes through the tokenizer
	// per sample. Larger captures use the byte heuristic instead.
	exactTokenLimit = 256 * 1024

	// lastLineLimit truncates the published last output line.
	lastLineLimit = 200

	// progressFinished marks the final snapshot once the execution ends.
	progressFinished = "finished"
)

// spinnerFrames cycle through the snapshots so dashboards show liveness.
//
//nolint:gochecknoglobals // Fixed display frames
var spinnerFrames = []string{"|", "/", "-", "\\"}

// Sidecar watches one agent execution's capture file and periodically
// rewrites the progress snapshot. It is advisory only: every failure mode
// degrades to an empty sample, never into the loop's control flow.
type Sidecar struct {
	publisher *Publisher
	capture   string
	interval  time.Duration
	started   time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	frame int
}

// StartSidecar begins polling the capture file for one agent execution.
func StartSidecar(publisher *Publisher, capturePath string) *Sidecar {
	return startSidecar(publisher, capturePath, pollInterval)
}

func startSidecar(publisher *Publisher, capturePath string, interval time.Duration) *Sidecar {
	s := &Sidecar{
		publisher: publisher,
		capture:   capturePath,
		interval:  interval,
		started:   time.Now(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Stop halts polling, publishes a final snapshot, and waits for the polling
// goroutine to exit. Safe to call more than once.
func (s *Sidecar) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh
}

func (s *Sidecar) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.publish(progressFinished)
			return
		case <-ticker.C:
			s.publish(StatusRunning)
		}
	}
}

// publish samples the capture file and overwrites the progress snapshot.
func (s *Sidecar) publish(status string) {
	size, lastLine, tokens := sampleCapture(s.capture)
	s.publisher.PublishProgress(ProgressSnapshot{
		Status:        status,
		Spinner:       spinnerFrames[s.frame%len(spinnerFrames)],
		Elapsed:       time.Since(s.started).Round(time.Second).String(),
		LastLine:      lastLine,
		OutputBytes:   size,
		TokenEstimate: tokens,
	})
	s.frame++
}

// sampleCapture reads the capture file's size, last full line, and token
// estimate. A missing file (the agent has not written yet) samples as empty.
func sampleCapture(path string) (size int64, lastLine string, tokens int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, "", 0
	}
	size = int64(len(data))

	text := strings.TrimRight(string(data), "\r\n")
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	lastLine = strings.TrimSpace(text)
	if len(lastLine) > lastLineLimit {
		lastLine = lastLine[:lastLineLimit]
	}

	return size, lastLine, estimateOutputTokens(string(data))
}

// estimateOutputTokens counts tokens exactly up to exactTokenLimit and falls
// back to the 4-bytes-per-token approximation beyond it.
func estimateOutputTokens(text string) int {
	if len(text) <= exactTokenLimit {
		return utils.EstimateTokens(text)
	}
	return len(text) / 4
}
