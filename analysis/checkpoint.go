package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/fileutils"
)

// CheckpointStore is the durable key -> last processed record id map.
// The whole map is written on every Persist via atomic replace.
type CheckpointStore struct {
	path string

	mu  sync.RWMutex
	ids map[Key]int64

	// persistMu serializes writers so an older snapshot can never land after a newer one.
	persistMu sync.Mutex
}

// NewCheckpointStore returns an empty store backed by path. Call Load to read existing state.
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path, ids: map[Key]int64{}}
}

// Path returns the backing file.
func (s *CheckpointStore) Path() string { return s.path }

// Load replaces the in-memory map with the file contents. A missing file is an empty map.
func (s *CheckpointStore) Load() error {
	if s.path == "" {
		return errors.New("CheckpointStore.Load: path is empty")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.mu.Lock()
			s.ids = map[Key]int64{}
			s.mu.Unlock()
			return nil
		}
		return fmt.Errorf("%w: read checkpoints: %w", ErrPersistence, err)
	}

	ids := map[Key]int64{}
	if err := json.Unmarshal(b, &ids); err != nil {
		return fmt.Errorf("%w: unmarshal checkpoints %s: %w", ErrPersistence, s.path, err)
	}
	s.mu.Lock()
	s.ids = ids
	s.mu.Unlock()
	return nil
}

// Get returns the last processed id for key, 0 if the key was never processed.
func (s *CheckpointStore) Get(key Key) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[key]
}

// Advance raises the checkpoint for key to id. Smaller or equal ids are a no-op.
func (s *CheckpointStore) Advance(key Key, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.ids[key] {
		s.ids[key] = id
	}
}

// Snapshot returns a copy of the map.
func (s *CheckpointStore) Snapshot() map[Key]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Key]int64, len(s.ids))
	for k, v := range s.ids {
		out[k] = v
	}
	return out
}

// Persist writes the full map atomically.
func (s *CheckpointStore) Persist() error {
	if s.path == "" {
		return fmt.Errorf("%w: checkpoint path is empty", ErrPersistence)
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := fileutils.WriteJSONFileAtomic(s.path, s.Snapshot(), false); err != nil {
		return fmt.Errorf("%w: checkpoints: %w", ErrPersistence, err)
	}
	return nil
}
