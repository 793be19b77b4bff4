package gamification

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const DocumentName = "gamification.json"

// Snapshot is the persisted document: every profile plus the leaderboard.
type Snapshot struct {
	Users       []Profile          `json:"users"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	LastUpdated time.Time          `json:"lastUpdated"`
}

// Store loads and rewrites the whole document. There is no incremental log.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileStore keeps the document as indented JSON on disk.
type FileStore struct {
	Path string
}

func NewFileStore(dataDir string) FileStore {
	return FileStore{Path: filepath.Join(dataDir, DocumentName)}
}

// Load returns an empty snapshot when the file does not exist yet.
func (s FileStore) Load() (Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return snap, nil
}

// Save writes to a temp file and renames it over the document.
func (s FileStore) Save(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), DocumentName+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path)
}

// MemoryStore is a Store for tests and dry runs.
type MemoryStore struct {
	mu    sync.Mutex
	snap  Snapshot
	Saves int
	Err   error
}

func (m *MemoryStore) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *MemoryStore) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.snap = snap
	m.Saves++
	return nil
}
