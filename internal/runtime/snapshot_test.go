package runtime

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotWritesOnlyOnChange(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))

	path := filepath.Join(t.TempDir(), "runtime.json")
	s := NewSnapshotter(slog.Default(), r, path)

	require.NoError(t, s.tick())
	first, err := os.Stat(path)
	require.NoError(t, err)

	// no mutation, second tick must not rewrite the file
	require.NoError(t, os.Remove(path))
	require.NoError(t, s.tick())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, r.AppendEvent("abc", "api", "received"))
	require.NoError(t, s.tick())
	second, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, second.Size(), first.Size())
}

func TestSnapshotUsesTwoSpaceIndent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))

	path := filepath.Join(t.TempDir(), "runtime.json")
	s := NewSnapshotter(slog.Default(), r, path)
	require.NoError(t, s.tick())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"abc\"")
}

func TestSnapshotEvictsWhenOverCeiling(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("first", r.NewItem(testMessage("first"))))
	require.NoError(t, r.Insert("second", r.NewItem(testMessage("second"))))

	path := filepath.Join(t.TempDir(), "runtime.json")
	s := NewSnapshotter(slog.Default(), r, path)
	s.sizeCeiling = 1

	require.NoError(t, s.tick())
	assert.Equal(t, 1, r.Len())
	_, exists := r.Get("first")
	assert.False(t, exists)
}

func TestFlushWritesUnconditionally(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))

	path := filepath.Join(t.TempDir(), "runtime.json")
	s := NewSnapshotter(slog.Default(), r, path)

	require.NoError(t, s.tick())
	require.NoError(t, os.Remove(path))

	require.NoError(t, s.Flush())
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadRegistry(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))
	require.NoError(t, r.SetState("abc", StateError))

	path := filepath.Join(t.TempDir(), "runtime.json")
	s := NewSnapshotter(slog.Default(), r, path)
	require.NoError(t, s.Flush())

	loaded, err := LoadRegistry(slog.Default(), path)
	require.NoError(t, err)
	item, exists := loaded.Get("abc")
	require.True(t, exists)
	assert.Equal(t, StateError, item.State)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	loaded, err := LoadRegistry(slog.Default(), filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Len())
}

func TestLoadRegistryBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err := LoadRegistry(slog.Default(), path)
	assert.Error(t, err)
}
