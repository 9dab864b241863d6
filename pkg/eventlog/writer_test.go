package eventlog

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.jsonl")

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	first := Transition{
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Loop:      3,
		From:      "CLOSED",
		To:        "HALF_OPEN",
		Reason:    "no progress",
	}
	second := Transition{
		Timestamp: first.Timestamp.Add(time.Minute),
		Loop:      4,
		From:      "HALF_OPEN",
		To:        "OPEN",
		Reason:    "no progress",
	}

	if err := writer.Append(first); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Append(second); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	transitions, err := ReadTransitions(path)
	if err != nil {
		t.Fatalf("ReadTransitions failed: %v", err)
	}

	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %d", len(transitions))
	}
	if transitions[0].From != "CLOSED" || transitions[0].To != "HALF_OPEN" {
		t.Errorf("Unexpected first transition: %+v", transitions[0])
	}
	if transitions[1].Loop != 4 || transitions[1].To != "OPEN" {
		t.Errorf("Unexpected second transition: %+v", transitions[1])
	}
	if !transitions[0].Timestamp.Equal(first.Timestamp) {
		t.Errorf("Expected timestamp %v, got %v", first.Timestamp, transitions[0].Timestamp)
	}
}

func TestAppend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.jsonl")

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.Append(Transition{Loop: 1, From: "CLOSED", To: "OPEN", Reason: "same error repeated"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A new writer on the same path must append, not truncate.
	writer, err = NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to reopen writer: %v", err)
	}
	defer writer.Close()
	if err := writer.Append(Transition{Loop: 9, From: "OPEN", To: "CLOSED", Reason: "manual reset"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	transitions, err := ReadTransitions(path)
	if err != nil {
		t.Fatalf("ReadTransitions failed: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions after reopen, got %d", len(transitions))
	}
	if transitions[1].Reason != "manual reset" {
		t.Errorf("Unexpected final transition: %+v", transitions[1])
	}
}

func TestAppend_AfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transitions.jsonl")

	writer, err := NewWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := writer.Append(Transition{Loop: 1}); err == nil {
		t.Error("Expected error appending to closed writer")
	}
}

func TestReadTransitions_MissingFile(t *testing.T) {
	transitions, err := ReadTransitions(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil {
		t.Fatalf("Expected nil error for missing file, got: %v", err)
	}
	if len(transitions) != 0 {
		t.Errorf("Expected empty slice, got %d entries", len(transitions))
	}
}
