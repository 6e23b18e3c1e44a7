package notify

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store persists notification preferences.
type Store interface {
	// Load returns the stored preferences, or ok=false when nothing was saved yet.
	Load() (prefs Preferences, ok bool, err error)
	Save(prefs Preferences) error
}

// FileStore keeps preferences in a YAML file.
type FileStore struct {
	Path string
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (Preferences, bool, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return Preferences{}, false, nil
	}
	if err != nil {
		return Preferences{}, false, errors.Wrapf(err, "read preferences %s", s.Path)
	}

	prefs := DefaultPreferences()
	if err := yaml.Unmarshal(data, &prefs); err != nil {
		return Preferences{}, false, errors.Wrapf(err, "parse preferences %s", s.Path)
	}
	return prefs, true, nil
}

func (s *FileStore) Save(prefs Preferences) error {
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return errors.Wrap(err, "encode preferences")
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write preferences %s", tmp)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return errors.Wrapf(err, "replace preferences %s", s.Path)
	}
	return nil
}

// MemoryStore keeps preferences in memory.
type MemoryStore struct {
	mu    sync.Mutex
	prefs *Preferences
	saves int
}

func (s *MemoryStore) Load() (Preferences, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs == nil {
		return Preferences{}, false, nil
	}
	return *s.prefs, true, nil
}

func (s *MemoryStore) Save(prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = &prefs
	s.saves++
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
