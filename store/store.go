// Package store persists Persistent session state across broker
// restarts (spec.md §4.4 "Session store"). It is grounded on the
// file-per-client-id layout of a session store elsewhere in this
// codebase's ancestry, adapted to a single whole-broker snapshot file
// written atomically.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-io/edgemq/session"
)

// SessionStore loads and saves the set of Persistent/Offline sessions
// the broker must survive a restart with.
type SessionStore interface {
	Load() (map[string]*session.Session, error)
	Save(sessions map[string]*session.Session) error
}

// snapshot is the on-disk envelope: a version counter that Save
// increments and Load resumes from (Load does not otherwise check it),
// and a timestamp useful for operational debugging.
type snapshot struct {
	Version   uint64              `json:"version"`
	SavedAt   time.Time           `json:"saved_at"`
	Sessions  map[string]*session.Session `json:"sessions"`
}

// FileStore implements SessionStore with a single JSON file, replaced
// atomically on every Save via write-to-temp-then-rename so a crash mid
// write never corrupts the previous snapshot (spec.md §4.4).
type FileStore struct {
	path        string
	permissions os.FileMode
	version     uint64
}

// NewFileStore returns a FileStore persisting to path. The containing
// directory must already exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, permissions: 0640}
}

// Load reads the most recent snapshot, or an empty map if none exists
// yet (a fresh broker has nothing to resume).
func (f *FileStore) Load() (map[string]*session.Session, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]*session.Session), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", f.path, err)
	}
	f.version = snap.Version
	if snap.Sessions == nil {
		snap.Sessions = make(map[string]*session.Session)
	}
	return snap.Sessions, nil
}

// Save writes sessions as the new snapshot. The write goes to a temp
// file in the same directory (so the rename is on one filesystem) and
// is renamed over the target only after a successful fsync.
func (f *FileStore) Save(sessions map[string]*session.Session) error {
	f.version++
	snap := snapshot{Version: f.version, SavedAt: time.Now(), Sessions: sessions}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, f.permissions); err != nil {
		return fmt.Errorf("store: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("store: rename into place: %w", err)
	}
	return nil
}

// NullStore discards everything; selected when the broker is configured
// with no persistence directory, spec.md §6 "persistence.enabled=false".
type NullStore struct{}

func (NullStore) Load() (map[string]*session.Session, error) {
	return make(map[string]*session.Session), nil
}
func (NullStore) Save(map[string]*session.Session) error { return nil }
