package lockfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_WritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "taskpilot.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	assert.Equal(t, path, l.Path())
	assert.Equal(t, os.Getpid(), Holder(path))
}

func TestAcquire_SecondHolderIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskpilot.lock")

	first, err := Acquire(path)
	require.NoError(t, err)

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "pid")

	require.NoError(t, first.Release())

	again, err := Acquire(path)
	require.NoError(t, err, "lock is free after release")
	require.NoError(t, again.Release())
}

func TestHolder_Unreadable(t *testing.T) {
	dir := t.TempDir()
	assert.Zero(t, Holder(filepath.Join(dir, "missing")))

	garbage := filepath.Join(dir, "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pid"), 0o644))
	assert.Zero(t, Holder(garbage))
}

func TestRelease_Nil(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
