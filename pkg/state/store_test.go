package state

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sampleDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", ".ralph")

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if store.BaseDir() != dir {
		t.Errorf("Expected base dir %q, got %q", dir, store.BaseDir())
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Expected state directory to exist: %v", err)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	saved := sampleDoc{Name: "budget", Count: 7}
	if err := store.Save("budget", saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var loaded sampleDoc
	if err := store.Load("budget", &loaded); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded != saved {
		t.Errorf("Expected %+v, got %+v", saved, loaded)
	}
}

func TestLoad_MissingDocument(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	var doc sampleDoc
	err = store.Load("nonexistent", &doc)
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist, got: %v", err)
	}
}

func TestLoad_CorruptDocument(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := os.WriteFile(store.Path("circuit"), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var doc sampleDoc
	err = store.Load("circuit", &doc)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Expected ErrCorrupt, got: %v", err)
	}
}

func TestSave_OverwritesInPlace(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save("status", sampleDoc{Name: "first", Count: 1}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save("status", sampleDoc{Name: "second", Count: 2}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var loaded sampleDoc
	if err := store.Load("status", &loaded); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Name != "second" || loaded.Count != 2 {
		t.Errorf("Expected overwritten document, got %+v", loaded)
	}

	// The temp file from the atomic write must not linger.
	entries, err := os.ReadDir(store.BaseDir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("Leftover temp file: %s", entry.Name())
		}
	}
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if err := store.Save("signals", sampleDoc{Name: "x"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete("signals"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var doc sampleDoc
	if err := store.Load("signals", &doc); !errors.Is(err, ErrNotExist) {
		t.Errorf("Expected ErrNotExist after delete, got: %v", err)
	}

	// Deleting again is a no-op.
	if err := store.Delete("signals"); err != nil {
		t.Errorf("Expected nil deleting missing document, got: %v", err)
	}
}

func TestPath(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	want := filepath.Join(store.BaseDir(), "budget.json")
	if got := store.Path("budget"); got != want {
		t.Errorf("Expected path %q, got %q", want, got)
	}
}
