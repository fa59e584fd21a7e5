package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	_, err := NewStore(dir, time.Millisecond)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCheckpointThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Millisecond)
	require.NoError(t, err)

	CheckpointJSON(s, "widgets", widget{Name: "gpu", Count: 4})
	s.Flush()

	var got widget
	LoadJSON(s, "widgets", &got)
	assert.Equal(t, widget{Name: "gpu", Count: 4}, got)
}

func TestFlushForcesImmediateWrite(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Hour) // debounce long enough that only Flush would write in time
	require.NoError(t, err)

	CheckpointJSON(s, "nodes", widget{Name: "a", Count: 1})
	s.Flush()

	path := filepath.Join(dir, "nodes.json")
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestRapidCheckpointsCoalesceToLatestValue(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 5*time.Millisecond)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		CheckpointJSON(s, "counter", widget{Name: "c", Count: i})
	}
	s.Flush()

	var got widget
	LoadJSON(s, "counter", &got)
	assert.Equal(t, 9, got.Count, "only the latest pending value should survive coalescing")
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Millisecond)
	require.NoError(t, err)

	got := widget{Name: "unchanged", Count: 7}
	LoadJSON(s, "does-not-exist", &got)
	assert.Equal(t, widget{Name: "unchanged", Count: 7}, got, "missing snapshot must leave v untouched")
}

func TestLoadCorruptFileZeroesValueInsteadOfFailing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Millisecond)
	require.NoError(t, err)

	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not valid json"), 0o644))

	got := widget{Name: "should-be-zeroed", Count: 99}
	LoadJSON(s, "broken", &got)
	assert.Equal(t, widget{}, got)
}
