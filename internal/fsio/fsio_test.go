package fsio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	want := []byte(`{"k":"v"}`)
	require.NoError(t, WriteFileAtomic(path, want, 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestWriteFileAtomic_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "two", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not survive a successful write")
}

func TestWriteJSONAtomic_TrailingNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"seq": 3}))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), b[len(b)-1])
}

func TestTryLockFile_BusyIsDistinguishable(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")
	held, err := TryLockFile(lockPath)
	require.NoError(t, err)
	defer func() { _ = held.Unlock() }()

	_, err = TryLockFile(lockPath)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrLockBusy))

	require.NoError(t, held.Unlock())
	again, err := TryLockFile(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "x.lock")
	boom := errors.New("boom")
	err := WithLock(lockPath, func() error { return boom })
	require.ErrorIs(t, err, boom)

	lock, err := TryLockFile(lockPath)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}
