package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Snapshot is the durable projection of the orchestration state. A snapshot
// loaded at startup must reproduce the same scheduling decisions as the
// state right before the last persist.
type Snapshot struct {
	Notified         []string                    `json:"notified"`
	CacheRefreshedAt int64                       `json:"cache_refreshed_at"`
	Ledger           map[string]map[string]int64 `json:"ledger"`
	Sessions         map[string]Session          `json:"sessions"`
	LastDates        map[string]string           `json:"last_dates"`
	LastStatuses     map[string]string           `json:"last_statuses"`
}

type Store interface {
	Save(Snapshot) error
	// Load returns the last snapshot and whether one existed.
	Load() (Snapshot, bool, error)
}

// FileStore persists snapshots as a JSON file, written to a temp file and
// renamed so a crash mid-write never truncates the previous snapshot.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Save(snap Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("state encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("state save: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state save: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state save: %w", err)
	}
	return nil
}

func (s *FileStore) Load() (Snapshot, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("state load: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("state decode: %w", err)
	}
	return snap, true, nil
}
