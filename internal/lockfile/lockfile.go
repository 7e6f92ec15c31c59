// Package lockfile provides single-writer advisory file locking for
// pkg/filecache, guarding against two mktemplate processes committing to the
// same cache file concurrently (spec.md §5: "CacheStore: one writer").
//
// Adapted from the teacher repository's internal/fs/lock.go: the flock,
// EINTR-retry, and inode-verification logic is kept, but trimmed to the one
// mode filecache.Store actually needs (a single exclusive, non-blocking
// lock) — the shared-lock and timeout-polling variants have no caller here
// and were dropped rather than carried as dead code.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when the lock is already held by
// another process.
var ErrWouldBlock = errors.New("lockfile: would block")

// errInodeMismatch is an internal sentinel indicating the lock file was
// replaced between open and flock; callers retry.
var errInodeMismatch = errors.New("lockfile: inode mismatch")

const (
	filePerm = 0o600
	dirPerm  = 0o755
)

// Lock represents a held exclusive lock. Call Close to release it.
type Lock struct {
	file *os.File
}

// TryLock acquires an exclusive, non-blocking lock on the file at path,
// creating it (and its parent directories) if necessary.
//
// Returns ErrWouldBlock if another process already holds the lock.
func TryLock(path string) (*Lock, error) {
	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = acquire(file, path)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		if errors.Is(err, errInodeMismatch) {
			continue
		}

		return nil, err
	}
}

// Close releases the lock and closes the underlying file descriptor.
//
// Close is idempotent. On Unix, closing the descriptor also releases any
// flock held by it, so Close always ends up unlocked even if the explicit
// unlock step below fails.
func (lk *Lock) Close() error {
	if lk == nil || lk.file == nil {
		return nil
	}

	fd := int(lk.file.Fd())

	unlockErr := flockRetryEINTR(fd, unix.LOCK_UN)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlocking lock: %w", unlockErr)
	}

	if closeErr != nil {
		return fmt.Errorf("closing lock fd: %w", closeErr)
	}

	return nil
}

func acquire(file *os.File, path string) error {
	fd := int(file.Fd())

	if err := flockRetryEINTR(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if isWouldBlock(err) {
			return ErrWouldBlock
		}

		return err
	}

	match, err := inodeMatchesPath(path, file)
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verifying inode match: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, filePerm)
}

// inodeMatchesPath guards against the lock file being replaced (rename,
// delete+recreate) between open and flock: flock locks an inode, not a
// pathname, so without this check two processes could each believe they
// locked "the file at path" while actually holding locks on different
// inodes. See the teacher's internal/fs/lock.go for the full rationale.
func inodeMatchesPath(path string, f *os.File) (bool, error) {
	var openStat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &openStat); err != nil {
		return false, err
	}

	var pathStat unix.Stat_t
	if err := unix.Stat(path, &pathStat); err != nil {
		return false, err
	}

	return openStat.Dev == pathStat.Dev && openStat.Ino == pathStat.Ino, nil
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)
}

// flockRetryEINTR wraps flock, retrying on EINTR (a signal interrupted the
// blocking syscall before it completed; the syscall itself didn't fail).
func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error

	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
