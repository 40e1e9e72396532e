package store

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjstillabower/climatescope/internal/dataset"
)

// ErrNoDataset is returned when no dataset has been loaded yet.
var ErrNoDataset = errors.New("no dataset loaded")

// Snapshot is an immutable view of the active dataset.
type Snapshot struct {
	Frame    *dataset.Frame
	Version  string
	Source   string
	LoadedAt time.Time
}

// Store holds the active dataset. Readers get a Snapshot; Replace swaps atomically.
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
	now     func() time.Time
}

func New() *Store {
	return &Store{now: time.Now}
}

// Current returns the active snapshot or ErrNoDataset.
func (s *Store) Current() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoDataset
	}
	return s.current, nil
}

// Loaded reports whether a dataset is active.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Replace installs f as the active dataset under a fresh version id.
// The caller must not mutate f afterwards.
func (s *Store) Replace(f *dataset.Frame, source string) *Snapshot {
	snap := &Snapshot{
		Frame:    f,
		Version:  uuid.NewString(),
		Source:   source,
		LoadedAt: s.now(),
	}
	s.mu.Lock()
	s.current = snap
	s.mu.Unlock()
	return snap
}
