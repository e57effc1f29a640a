package index

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stix/internal/lockfile"
)

func writeTestIndex(t *testing.T, path string, paths ...string) *File {
	t.Helper()
	f := &File{State: testState(V2, paths...), Path: path}
	require.NoError(t, f.Write())
	return f
}

func TestFileWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	written := writeTestIndex(t, path, "a.txt", "b/c.txt")

	got, err := Read(path, DecodeOptions{})
	require.NoError(t, err)
	require.Equal(t, written.Table.Len(), got.Table.Len())
	for i := 0; i < got.Table.Len(); i++ {
		assert.Equal(t, written.Table.At(i), got.Table.At(i))
	}
	assert.Equal(t, written.Checksum, got.Checksum)

	_, err = os.Stat(path + lockfile.Suffix)
	assert.True(t, os.IsNotExist(err), "no lock file may survive a write")
}

func TestFileWriteContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	f := writeTestIndex(t, path, "a.txt")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path+lockfile.Suffix, nil, 0o644))
	err = f.Write()
	assert.ErrorIs(t, err, lockfile.ErrLocked)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "contention must leave the index untouched")
}

func TestFileChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	writeTestIndex(t, path, "a.txt")

	f, err := Read(path, DecodeOptions{})
	require.NoError(t, err)

	changed, err := f.Changed()
	require.NoError(t, err)
	assert.False(t, changed)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	changed, err = f.Changed()
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, os.Remove(path))
	changed, err = f.Changed()
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	writeTestIndex(t, path, "a.txt")

	c, err := NewCache(4, DecodeOptions{})
	require.NoError(t, err)

	first, err := c.Get(path)
	require.NoError(t, err)
	second, err := c.Get(path)
	require.NoError(t, err)
	assert.Same(t, first, second, "unchanged file must be served from cache")

	// A stat change invalidates the snapshot.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))
	third, err := c.Get(path)
	require.NoError(t, err)
	assert.NotSame(t, first, third)

	t.Run("Invalidate", func(t *testing.T) {
		fresh, err := c.Get(path)
		require.NoError(t, err)
		c.Invalidate(path)
		again, err := c.Get(path)
		require.NoError(t, err)
		assert.NotSame(t, fresh, again)
	})
}
