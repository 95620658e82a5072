package analysis

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStore_LoadMissingIsEmpty(t *testing.T) {
	t.Parallel()

	s := NewCheckpointStore(filepath.Join(t.TempDir(), "processed_records.json"))
	require.NoError(t, s.Load())
	assert.Empty(t, s.Snapshot())
	assert.Equal(t, int64(0), s.Get("aa:bb"))
}

func TestCheckpointStore_LoadCorruptIsPersistenceError(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "processed_records.json")
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o644))

	err := NewCheckpointStore(p).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestCheckpointStore_AdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	a := NewCheckpointStore("")
	b := NewCheckpointStore("")
	ids := []int64{5, 9, 3, 9, 7}
	for _, id := range ids {
		a.Advance("k", id)
	}
	for i := len(ids) - 1; i >= 0; i-- {
		b.Advance("k", ids[i])
	}
	assert.Equal(t, int64(9), a.Get("k"))
	assert.Equal(t, a.Snapshot(), b.Snapshot())
}

func TestCheckpointStore_PersistRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := filepath.Join(dir, "processed_records.json")
	s := NewCheckpointStore(p)
	s.Advance("aa:bb", 42)
	s.Advance("cc:dd", 7)
	require.NoError(t, s.Persist())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"aa:bb":42,"cc:dd":7}`, string(b))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	again := NewCheckpointStore(p)
	require.NoError(t, again.Load())
	assert.Equal(t, map[Key]int64{"aa:bb": 42, "cc:dd": 7}, again.Snapshot())
}

func TestCheckpointStore_PersistFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := NewCheckpointStore(filepath.Join(blocker, "processed_records.json"))
	s.Advance("k", 1)
	err := s.Persist()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestCheckpointStore_FailedPersistNeverLowersDisk(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	p := filepath.Join(dir, "processed_records.json")
	s := NewCheckpointStore(p)
	s.Advance("a", 3)
	require.NoError(t, s.Persist())

	// a advances, b persists it, then a's own write fails.
	s.Advance("a", 7)
	s.Advance("b", 1)
	require.NoError(t, s.Persist())
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("x"), 0o644))
	require.ErrorIs(t, s.Persist(), ErrPersistence)
	assert.Equal(t, int64(7), s.Get("a"))

	// The next successful write still carries a=7.
	require.NoError(t, os.Remove(dir))
	s.Advance("c", 2)
	require.NoError(t, s.Persist())

	again := NewCheckpointStore(p)
	require.NoError(t, again.Load())
	assert.Equal(t, map[Key]int64{"a": 7, "b": 1, "c": 2}, again.Snapshot())
}
