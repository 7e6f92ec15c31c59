package lockfile_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jigdo-go/mktemplate/internal/lockfile"
)

func Test_TryLock_Succeeds_On_Fresh_Path_And_Creates_Parent_Dirs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "cache.lock")

	lock, err := lockfile.TryLock(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = lock.Close() })
}

func Test_TryLock_Returns_ErrWouldBlock_When_Already_Held(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.lock")

	first, err := lockfile.TryLock(path)
	require.NoError(t, err)

	defer func() { _ = first.Close() }()

	_, err = lockfile.TryLock(path)
	require.True(t, errors.Is(err, lockfile.ErrWouldBlock))
}

func Test_TryLock_Succeeds_Again_After_Close(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.lock")

	first, err := lockfile.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := lockfile.TryLock(path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = second.Close() })
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cache.lock")

	lock, err := lockfile.TryLock(path)
	require.NoError(t, err)

	require.NoError(t, lock.Close())
	require.NoError(t, lock.Close())
}

func Test_Close_On_Nil_Lock_Is_Safe(t *testing.T) {
	t.Parallel()

	var lock *lockfile.Lock

	require.NoError(t, lock.Close())
}
