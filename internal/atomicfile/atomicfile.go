// Package atomicfile exposes a streaming, rename-based atomic file writer.
//
// It is adapted from the teacher repository's pkg/fs/atomic_write.go: the
// same mechanism (temp file created in the target directory, explicit
// Chmod, Sync before rename, Rename over the destination, fsync of the
// parent directory) is kept, but the API is inverted. The teacher's
// AtomicWriter.Write(path, io.Reader, opts) buffers the whole payload behind
// a Reader and performs one call; pkg/tmplwriter needs to write a header,
// then an unknown number of compressed parts, then a trailer, then seek
// back and patch the header's total-size field — all before the file
// becomes visible at its final path. That needs a live file handle, not a
// single Write call, hence this package.
package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ErrDirSync indicates the parent directory could not be synced after
// rename. When returned, the new file is in place but durability of the
// rename itself is not guaranteed.
var ErrDirSync = errors.New("atomicfile: dir sync")

// File is a temp file that becomes visible at its final path only once
// Commit succeeds.
type File struct {
	*os.File

	dir     string
	base    string
	tmpPath string
	destTmp string // empty once committed or aborted
}

// Create opens a temp file in dir for a destination ultimately named base,
// ready to be written to with the normal io.Writer/io.Seeker methods on
// File.File. perm is applied immediately via Chmod (not left to umask).
func Create(dir, base string, perm os.FileMode) (*File, error) {
	if dir == "" {
		dir = "."
	}

	dir = filepath.Clean(dir)

	tmp, tmpPath, err := createTempFile(dir, base, perm)
	if err != nil {
		return nil, err
	}

	if err := tmp.Chmod(perm); err != nil {
		closeErr := tmp.Close()
		removeErr := removeIfExists(tmpPath)

		return nil, errors.Join(fmt.Errorf("chmod temp file %q: %w", tmpPath, err), closeErr, removeErr)
	}

	return &File{File: tmp, dir: dir, base: base, tmpPath: tmpPath, destTmp: tmpPath}, nil
}

// Commit syncs the temp file's contents, renames it into place at
// filepath.Join(dir, base), and fsyncs the parent directory. After Commit
// returns successfully, the file is visible at its final path and durable.
func (f *File) Commit() error {
	if f.destTmp == "" {
		return errors.New("atomicfile: already committed or aborted")
	}

	if err := f.Sync(); err != nil {
		abortErr := f.Abort()

		return errors.Join(fmt.Errorf("sync temp file %q: %w", f.tmpPath, err), abortErr)
	}

	if err := f.Close(); err != nil {
		removeErr := removeIfExists(f.tmpPath)
		f.destTmp = ""

		return errors.Join(fmt.Errorf("close temp file %q: %w", f.tmpPath, err), removeErr)
	}

	dest := filepath.Join(f.dir, f.base)

	if err := os.Rename(f.tmpPath, dest); err != nil {
		removeErr := removeIfExists(f.tmpPath)
		f.destTmp = ""

		return errors.Join(fmt.Errorf("rename to %q: %w", dest, err), removeErr)
	}

	f.destTmp = ""

	return fsyncDir(f.dir)
}

// Abort closes and removes the temp file without ever making it visible at
// its final path. Safe to call after Commit has already succeeded (no-op).
func (f *File) Abort() error {
	if f.destTmp == "" {
		return nil
	}

	closeErr := f.Close()
	removeErr := removeIfExists(f.tmpPath)
	f.destTmp = ""

	return errors.Join(closeErr, removeErr)
}

const maxCreateAttempts = 10000

var tempFileCounter atomic.Uint64

func createTempFile(dir, base string, perm os.FileMode) (*os.File, string, error) {
	for range maxCreateAttempts {
		seq := tempFileCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return file, path, nil
		}

		if os.IsExist(err) {
			continue
		}

		return nil, "", fmt.Errorf("create temp file: %w", err)
	}

	return nil, "", fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func fsyncDir(dirPath string) error {
	dirFile, err := os.Open(dirPath)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dirPath, err))
	}

	syncErr := dirFile.Sync()
	closeErr := dirFile.Close()

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dirPath, syncErr), closeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("close dir %q: %w", dirPath, closeErr)
	}

	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp file %q: %w", path, err)
	}

	return nil
}
