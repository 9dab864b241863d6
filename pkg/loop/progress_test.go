package loop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSidecar_FinalSnapshotOnStop(t *testing.T) {
	pub, store := newTestPublisher(t)

	capture := filepath.Join(t.TempDir(), "loop-1.log")
	content := "starting work\nwrote pkg/server/server.go\n"
	if err := os.WriteFile(capture, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// An interval far beyond the test keeps the ticker quiet; the final
	// sample on Stop is the only publish.
	s := startSidecar(pub, capture, time.Hour)
	s.Stop()

	var snap ProgressSnapshot
	if err := store.Load(progressDoc, &snap); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.Status != progressFinished {
		t.Errorf("Expected status %q after stop, got %q", progressFinished, snap.Status)
	}
	if snap.OutputBytes != int64(len(content)) {
		t.Errorf("Expected %d output bytes, got %d", len(content), snap.OutputBytes)
	}
	if snap.LastLine != "wrote pkg/server/server.go" {
		t.Errorf("Expected the capture's last line, got %q", snap.LastLine)
	}
	if snap.TokenEstimate <= 0 {
		t.Error("Expected a positive token estimate")
	}
}

func TestSidecar_PollsWhileRunning(t *testing.T) {
	pub, store := newTestPublisher(t)

	capture := filepath.Join(t.TempDir(), "loop-2.log")
	if err := os.WriteFile(capture, []byte("line one\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	s := startSidecar(pub, capture, 5*time.Millisecond)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var snap ProgressSnapshot
		if err := store.Load(progressDoc, &snap); err == nil && snap.Status == StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected a running snapshot before the deadline")
}

func TestSidecar_MissingCaptureSamplesEmpty(t *testing.T) {
	pub, store := newTestPublisher(t)

	s := startSidecar(pub, filepath.Join(t.TempDir(), "missing.log"), time.Hour)
	s.Stop()

	var snap ProgressSnapshot
	if err := store.Load(progressDoc, &snap); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if snap.OutputBytes != 0 || snap.LastLine != "" || snap.TokenEstimate != 0 {
		t.Errorf("Expected an empty sample for a missing capture, got %+v", snap)
	}
}

func TestSidecar_StopIsIdempotent(t *testing.T) {
	pub, _ := newTestPublisher(t)

	s := startSidecar(pub, filepath.Join(t.TempDir(), "missing.log"), time.Hour)
	s.Stop()
	s.Stop()
}

func TestSampleCapture_TruncatesLongLines(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "loop-3.log")
	long := strings.Repeat("x", lastLineLimit+50)
	if err := os.WriteFile(capture, []byte("first\n"+long), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	size, lastLine, _ := sampleCapture(capture)
	if size != int64(len("first\n")+lastLineLimit+50) {
		t.Errorf("Expected the full capture size, got %d", size)
	}
	if len(lastLine) != lastLineLimit {
		t.Errorf("Expected the last line truncated to %d, got %d", lastLineLimit, len(lastLine))
	}
}
