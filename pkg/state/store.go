// Package state persists loop state as JSON documents in the project state directory.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotExist reports that no document with the given name has been saved.
	ErrNotExist = errors.New("state document does not exist")

	// ErrCorrupt reports that a document exists but does not parse. Callers
	// reinitialize the document to its default value; corruption is never fatal.
	ErrCorrupt = errors.New("state document is corrupt")
)

// Store manages persistent state documents for one project directory.
// Components receive a Store handle; there is no ambient global store.
type Store struct {
	baseDir string
}

// NewStore creates a state store rooted at baseDir, creating it if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}

	return &Store{
		baseDir: baseDir,
	}, nil
}

// BaseDir returns the directory the store writes into.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path returns the full filename backing the named document.
func (s *Store) Path(name string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", name))
}

// Save persists v as pretty-printed JSON under the given document name.
// The write is atomic: a temp file in the same directory is renamed over
// the target, so readers never observe a partial document.
func (s *Store) Save(name string, v any) error {
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", name, err)
	}

	filename := s.Path(name)
	tmpName := filename + ".tmp"
	if err := os.WriteFile(tmpName, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write document %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("failed to replace document %s: %w", name, err)
	}

	return nil
}

// Load reads the named document into v. A missing file yields ErrNotExist;
// unparseable content yields ErrCorrupt with the parse error appended.
func (s *Store) Load(name string, v any) error {
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}

	filename := s.Path(name)

	fileData, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, ErrNotExist)
		}
		return fmt.Errorf("failed to read document %s: %w", name, err)
	}

	if err := json.Unmarshal(fileData, v); err != nil {
		return fmt.Errorf("load %s: %w (%v)", name, ErrCorrupt, err)
	}

	return nil
}

// Delete removes the named document. Deleting a missing document is a no-op.
func (s *Store) Delete(name string) error {
	if name == "" {
		return fmt.Errorf("document name cannot be empty")
	}

	filename := s.Path(name)
	if err := os.Remove(filename); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete document %s: %w", name, err)
	}

	return nil
}
