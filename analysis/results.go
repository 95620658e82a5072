package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/fileutils"
)

// ResultDocument is the on-disk form of one key's accumulated result.
type ResultDocument struct {
	Key       Key       `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
	Result
}

// ResultStore holds accumulated results, one JSON document per key under dir.
type ResultStore struct {
	dir string

	mu      sync.RWMutex
	results map[Key]Result
	updated map[Key]time.Time

	now func() time.Time
}

// NewResultStore returns an empty store backed by dir. Call Load to read existing documents.
func NewResultStore(dir string) *ResultStore {
	return &ResultStore{
		dir:     dir,
		results: map[Key]Result{},
		updated: map[Key]time.Time{},
		now:     time.Now,
	}
}

// Dir returns the backing directory.
func (s *ResultStore) Dir() string { return s.dir }

// Load reads every *.json document in the store directory. A missing directory is empty.
func (s *ResultStore) Load() error {
	if s.dir == "" {
		return errors.New("ResultStore.Load: dir is empty")
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: read results dir: %w", ErrPersistence, err)
	}

	results := map[Key]Result{}
	updated := map[Key]time.Time{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("%w: read %s: %w", ErrPersistence, p, err)
		}
		var doc ResultDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("%w: unmarshal %s: %w", ErrPersistence, p, err)
		}
		if doc.Key == "" {
			continue
		}
		results[doc.Key] = doc.Result
		updated[doc.Key] = doc.UpdatedAt
	}

	s.mu.Lock()
	s.results = results
	s.updated = updated
	s.mu.Unlock()
	return nil
}

// Get returns a copy of key's accumulated result (empty if none).
func (s *ResultStore) Get(key Key) Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[key].Clone()
}

// Has reports whether a result exists for key.
func (s *ResultStore) Has(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.results[key]
	return ok
}

// UpdatedAt returns when key's document was last written.
func (s *ResultStore) UpdatedAt(key Key) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated[key]
}

// Keys returns all keys with a stored result, sorted.
func (s *ResultStore) Keys() []Key {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.results))
	for k := range s.results {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Merge applies partial to key's result and persists that key's document immediately.
// On a write failure the in-memory result is left unchanged.
func (s *ResultStore) Merge(key Key, partial Result) (Result, error) {
	d := s.Stage(key)
	d.Apply(partial)
	if err := s.Commit(d); err != nil {
		return s.Get(key), err
	}
	return d.Result(), nil
}

// ResultDraft accumulates chunk partials for one key without touching the store.
// It is owned by a single worker.
type ResultDraft struct {
	key    Key
	result Result
	merges int
}

// Stage starts a draft from key's current accumulated result.
func (s *ResultStore) Stage(key Key) *ResultDraft {
	return &ResultDraft{key: key, result: s.Get(key)}
}

// Apply merges one partial into the draft.
func (d *ResultDraft) Apply(partial Result) {
	d.result = Merge(d.result, partial)
	d.merges++
}

// Result returns a copy of the draft's current value.
func (d *ResultDraft) Result() Result { return d.result.Clone() }

// Merges returns how many partials were applied.
func (d *ResultDraft) Merges() int { return d.merges }

// Commit writes the draft's key document and then publishes it in memory.
func (s *ResultStore) Commit(d *ResultDraft) error {
	if d == nil {
		return errors.New("ResultStore.Commit: draft is nil")
	}
	if s.dir == "" {
		return fmt.Errorf("%w: results dir is empty", ErrPersistence)
	}
	doc := ResultDocument{Key: d.key, UpdatedAt: s.now().UTC(), Result: d.result.Clone()}
	if err := fileutils.WriteJSONFileAtomic(s.pathFor(d.key), doc, true); err != nil {
		return fmt.Errorf("%w: result %s: %w", ErrPersistence, d.key, err)
	}

	s.mu.Lock()
	s.results[d.key] = doc.Result
	s.updated[d.key] = doc.UpdatedAt
	s.mu.Unlock()
	return nil
}

func (s *ResultStore) pathFor(key Key) string {
	return filepath.Join(s.dir, fileutils.SanitizeFilename(string(key))+".json")
}
