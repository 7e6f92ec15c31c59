package filecache

import "errors"

// ErrNotFound is returned by Find when no entry exists for the given
// leafname, or when an entry exists but its (mtime, size) do not match the
// caller-supplied values.
var ErrNotFound = errors.New("filecache: not found")

// errCorrupt is an internal sentinel: the file on disk is unreadable or
// carries an incompatible format identifier. Open never returns it; on
// errCorrupt (or any other load error) it starts from an empty store
// instead (spec.md §7 CacheCorrupt:
// "Non-fatal; delete & recreate empty. Logged as warning.").
var errCorrupt = errors.New("filecache: corrupt or incompatible cache file")
