package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore is a DurableStore backed by a single JSON document. Writes go to
// a temporary file in the same directory followed by an atomic rename over
// the canonical path, so a crash mid-write never leaves a torn snapshot.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore persisting to path. The parent directory
// is created if missing.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create snapshot directory: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// LoadAll reads the snapshot. A missing file yields an empty map with no
// error; an unreadable or corrupt file yields an empty map and the error so
// the caller can log it.
func (s *FileStore) LoadAll() (map[string][]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string][]Entry{}, nil
	}
	if err != nil {
		return map[string][]Entry{}, fmt.Errorf("memory: read snapshot %s: %w", s.path, err)
	}

	var snapshot map[string][]Entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return map[string][]Entry{}, fmt.Errorf("memory: parse snapshot %s: %w", s.path, err)
	}
	if snapshot == nil {
		snapshot = map[string][]Entry{}
	}
	return snapshot, nil
}

// SaveAll atomically replaces the snapshot on disk.
func (s *FileStore) SaveAll(snapshot map[string][]Entry) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("memory: replace snapshot: %w", err)
	}
	return nil
}
