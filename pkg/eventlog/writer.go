// Package eventlog records circuit breaker transitions to an append-only JSONL file.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Transition is one circuit breaker state change, kept for postmortem
// inspection of why a run halted.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	Loop      int       `json:"loop"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
}

// Writer appends transitions to a single JSONL file. The file is never
// rewritten or truncated by the loop.
type Writer struct {
	file *os.File
	mu   sync.Mutex
}

// NewWriter opens (or creates) the transition log at path for appending.
func NewWriter(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transition log %s: %w", path, err)
	}

	return &Writer{file: file}, nil
}

// Append writes one transition as a JSON line and syncs it to disk.
func (w *Writer) Append(t Transition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("transition log is closed")
	}

	jsonData, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize transition: %w", err)
	}

	if _, err := w.file.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write transition: %w", err)
	}
	if _, err := w.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Transitions are rare and load-bearing for postmortems; sync each one.
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transition log: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		if err != nil {
			return fmt.Errorf("failed to close transition log: %w", err)
		}
	}

	return nil
}

// ReadTransitions parses all transitions from a log file. A missing file
// yields an empty slice, so status queries work on fresh projects.
func ReadTransitions(path string) ([]Transition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Transition{}, nil
		}
		return nil, fmt.Errorf("failed to read transition log: %w", err)
	}

	if len(data) == 0 {
		return []Transition{}, nil
	}

	var transitions []Transition
	line := []byte{}
	for _, b := range data {
		if b == '\n' {
			if len(line) > 0 {
				var t Transition
				if err := json.Unmarshal(line, &t); err != nil {
					return nil, fmt.Errorf("failed to parse transition: %w", err)
				}
				transitions = append(transitions, t)
				line = []byte{}
			}
		} else {
			line = append(line, b)
		}
	}

	// Handle last line if no trailing newline.
	if len(line) > 0 {
		var t Transition
		if err := json.Unmarshal(line, &t); err != nil {
			return nil, fmt.Errorf("failed to parse final transition: %w", err)
		}
		transitions = append(transitions, t)
	}

	return transitions, nil
}
