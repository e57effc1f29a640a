package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitReplacesTarget(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	lk, err := Acquire(target)
	require.NoError(t, err)
	_, err = lk.Write([]byte("new content"))
	require.NoError(t, err)
	require.NoError(t, lk.Commit())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("new content"), got)

	_, err = os.Stat(target + Suffix)
	assert.True(t, os.IsNotExist(err), "lock file must be gone after commit")
}

func TestContention(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))
	require.NoError(t, os.WriteFile(target+Suffix, []byte("other writer"), 0o644))

	_, err := Acquire(target)
	assert.ErrorIs(t, err, ErrLocked)

	// The target is untouched by the failed acquisition.
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestRollback(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0o644))

	lk, err := Acquire(target)
	require.NoError(t, err)
	_, err = lk.Write([]byte("half-written garbage"))
	require.NoError(t, err)
	require.NoError(t, lk.Rollback())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	_, err = os.Stat(target + Suffix)
	assert.True(t, os.IsNotExist(err))

	// Rollback after rollback is a no-op, so deferring it is safe.
	assert.NoError(t, lk.Rollback())
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")

	lk, err := Acquire(target)
	require.NoError(t, err)
	_, err = lk.Write([]byte("content"))
	require.NoError(t, err)
	require.NoError(t, lk.Commit())
	require.NoError(t, lk.Rollback())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)
}

func TestCreatesTargetWhenAbsent(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")

	lk, err := Acquire(target)
	require.NoError(t, err)
	_, err = lk.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, lk.Commit())

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestWriteAfterReleaseFails(t *testing.T) {
	target := filepath.Join(t.TempDir(), "index")

	lk, err := Acquire(target)
	require.NoError(t, err)
	require.NoError(t, lk.Rollback())

	_, err = lk.Write([]byte("x"))
	assert.Error(t, err)
	assert.Error(t, lk.Commit())
}
