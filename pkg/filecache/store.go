// Package filecache implements CacheStore (spec.md §4.3): an on-disk
// key-value store mapping a candidate file's leafname to an opaque summary
// payload, persisted across mktemplate runs.
//
// The teacher's equivalent, pkg/slotcache, is a concurrent mmap+seqlock
// fixed-slot cache built for many readers racing one writer across process
// boundaries mid-operation. CacheStore's actual contract (spec.md §5) is
// much narrower: one process writes it, sequentially, during the pre-scan,
// and nothing reads it concurrently with that writer. So Store trades
// slotcache's machinery for the teacher's other pattern instead — load the
// whole file into memory, mutate a map, commit atomically on Commit — the
// same shape as the root-level TicketCache, just keyed by filename instead
// of ticket ID and committed with github.com/natefinch/atomic instead of a
// temp-file-plus-rename written by hand.
package filecache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	natomic "github.com/natefinch/atomic"

	"github.com/jigdo-go/mktemplate/internal/lockfile"
)

// formatID is written at the start of every cache file. It is the same
// identifier the reference implementation uses, so a human inspecting the
// file with `strings` recognizes it; this implementation does not attempt
// byte-for-byte compatibility with the reference B-tree encoding, only with
// this identifier and the CacheEntry header layout described in spec.md §3.
const formatID = "jigdo filecache v0"

const (
	accessLen = 4
	mtimeLen  = 4
	sizeLen   = 6
	headerLen = accessLen + mtimeLen + sizeLen
)

// entry is one in-memory record: the spec.md §3 header fields plus the
// opaque payload bytes, exactly as supplied to Insert.
type entry struct {
	lastAccess uint32
	mtime      uint32
	size       uint64 // stored in 6 bytes; values above 2^48-1 are rejected at Insert
	payload    []byte
}

// Store is an open cache file. The zero Store is not usable; construct one
// with Open.
type Store struct {
	path    string
	lock    *lockfile.Lock
	entries map[string]*entry
	dirty   bool
}

// Open opens the cache file at path, creating it if it does not exist.
//
// If the existing file is unreadable or carries an incompatible format
// identifier, Open recreates it empty instead of failing (spec.md §7,
// CacheCorrupt) and reports that via warn, which may be nil.
func Open(path string, warn func(format string, args ...any)) (*Store, error) {
	lk, err := lockfile.TryLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("locking cache file %q: %w", path, err)
	}

	entries, err := loadFile(path)
	if err != nil {
		if warn != nil {
			warn("cache file %q is corrupt or incompatible, recreating empty: %v", path, err)
		}

		entries = map[string]*entry{}
	}

	return &Store{path: path, lock: lk, entries: entries}, nil
}

// Find returns the payload stored under leafname iff an entry exists and
// its stored (mtime, size) equal the supplied values. On a hit, lastAccess
// is stamped to now in place; this does not require rewriting the whole
// payload, only the in-memory header field (the on-disk equivalent of the
// reference implementation's 4-byte partial write, realized here as a
// pending mutation flushed on Commit).
func (s *Store) Find(leafname string, size uint64, mtime uint32, now uint32) ([]byte, error) {
	e, ok := s.entries[leafname]
	if !ok {
		return nil, ErrNotFound
	}

	if e.mtime != mtime || e.size != size {
		return nil, ErrNotFound
	}

	e.lastAccess = now
	s.dirty = true

	out := make([]byte, len(e.payload))
	copy(out, e.payload)

	return out, nil
}

// Insert overwrites any existing entry for leafname and stamps
// lastAccess = now.
func (s *Store) Insert(leafname string, payload []byte, size uint64, mtime uint32, now uint32) error {
	if size >= 1<<48 {
		return fmt.Errorf("filecache: size %d exceeds 6-byte field width", size)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	s.entries[leafname] = &entry{
		lastAccess: now,
		mtime:      mtime,
		size:       size,
		payload:    buf,
	}
	s.dirty = true

	return nil
}

// Expire deletes every entry whose lastAccess is older than maxAge seconds,
// measured against now. The comparison is tolerant of uint32 wraparound
// (spec.md §4.3): signedDiff := int32(now - lastAccess); expire iff
// signedDiff > maxAge.
func (s *Store) Expire(now uint32, maxAge int32) {
	for leaf, e := range s.entries {
		signedDiff := int32(now - e.lastAccess)
		if signedDiff > maxAge {
			delete(s.entries, leaf)
			s.dirty = true
		}
	}
}

// Commit persists pending changes to disk atomically and releases the
// writer lock. Commit is safe to call even if nothing changed; it is then
// a no-op aside from releasing the lock.
func (s *Store) Commit() error {
	defer func() { _ = s.lock.Close() }()

	if !s.dirty {
		return nil
	}

	buf, err := encodeFile(s.entries)
	if err != nil {
		return fmt.Errorf("encoding cache file %q: %w", s.path, err)
	}

	if err := natomic.WriteFile(s.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("writing cache file %q: %w", s.path, err)
	}

	s.dirty = false

	return nil
}

// Close discards the writer lock without persisting pending changes. Use
// Commit to persist; Close after a successful Commit is a harmless no-op
// since Commit already released the lock.
func (s *Store) Close() error {
	return s.lock.Close()
}

// loadFile reads and decodes an existing cache file. Any error (missing
// file aside — that case is handled by returning an empty map, not an
// error, since a fresh cache is not "corrupt") causes the caller to
// recreate the store empty.
func loadFile(path string) (map[string]*entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]*entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	defer f.Close()

	return decodeFile(f)
}

// encodeFile lays out the cache file as: the format identifier, NUL
// terminator, then one record per entry: 2-byte big-endian key length, key
// bytes, the spec.md §3 header (lastAccess, mtime, size), a 4-byte
// big-endian payload length, then the payload bytes.
//
// Entries are written in sorted-by-leafname order so that two runs over an
// unchanged cache produce a byte-identical file, matching the
// determinism property spec.md §8 requires of the template builder as a
// whole.
func encodeFile(entries map[string]*entry) ([]byte, error) {
	leaves := make([]string, 0, len(entries))
	for leaf := range entries {
		leaves = append(leaves, leaf)
	}

	sort.Strings(leaves)

	var buf bytes.Buffer

	buf.WriteString(formatID)
	buf.WriteByte(0)

	for _, leaf := range leaves {
		e := entries[leaf]

		if len(leaf) > 1<<16-1 {
			return nil, fmt.Errorf("leafname %q exceeds 65535 bytes", leaf)
		}

		var keyLen [2]byte
		binary.BigEndian.PutUint16(keyLen[:], uint16(len(leaf)))
		buf.Write(keyLen[:])
		buf.WriteString(leaf)

		var header [headerLen]byte
		binary.BigEndian.PutUint32(header[0:4], e.lastAccess)
		binary.BigEndian.PutUint32(header[4:8], e.mtime)
		put6(header[8:14], e.size)
		buf.Write(header[:])

		var payloadLen [4]byte
		binary.BigEndian.PutUint32(payloadLen[:], uint32(len(e.payload)))
		buf.Write(payloadLen[:])
		buf.Write(e.payload)
	}

	return buf.Bytes(), nil
}

func decodeFile(r io.Reader) (map[string]*entry, error) {
	br := bufio.NewReader(r)

	id := make([]byte, len(formatID)+1)
	if _, err := io.ReadFull(br, id); err != nil {
		return nil, fmt.Errorf("reading format identifier: %w", err)
	}

	if string(id[:len(formatID)]) != formatID || id[len(formatID)] != 0 {
		return nil, fmt.Errorf("%w: bad format identifier", errCorrupt)
	}

	entries := map[string]*entry{}

	for {
		var keyLenBuf [2]byte

		_, err := io.ReadFull(br, keyLenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: reading key length: %v", errCorrupt, err)
		}

		keyLen := binary.BigEndian.Uint16(keyLenBuf[:])

		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return nil, fmt.Errorf("%w: reading key: %v", errCorrupt, err)
		}

		var header [headerLen]byte
		if _, err := io.ReadFull(br, header[:]); err != nil {
			return nil, fmt.Errorf("%w: reading entry header: %v", errCorrupt, err)
		}

		var payloadLenBuf [4]byte
		if _, err := io.ReadFull(br, payloadLenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: reading payload length: %v", errCorrupt, err)
		}

		payloadLen := binary.BigEndian.Uint32(payloadLenBuf[:])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("%w: reading payload: %v", errCorrupt, err)
		}

		entries[string(key)] = &entry{
			lastAccess: binary.BigEndian.Uint32(header[0:4]),
			mtime:      binary.BigEndian.Uint32(header[4:8]),
			size:       get6(header[8:14]),
			payload:    payload,
		}
	}

	return entries, nil
}

func put6(dst []byte, v uint64) {
	dst[0] = byte(v >> 40)
	dst[1] = byte(v >> 32)
	dst[2] = byte(v >> 24)
	dst[3] = byte(v >> 16)
	dst[4] = byte(v >> 8)
	dst[5] = byte(v)
}

func get6(src []byte) uint64 {
	return uint64(src[0])<<40 | uint64(src[1])<<32 | uint64(src[2])<<24 |
		uint64(src[3])<<16 | uint64(src[4])<<8 | uint64(src[5])
}
