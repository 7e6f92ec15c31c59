package candidate

import (
	"encoding/binary"
	"fmt"

	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

// payload is the CacheStore opaque payload layout (spec.md §3): 4-byte W,
// 4-byte B, 4-byte blockCount, 8-byte rsum0, 16-byte digest (valid iff
// blockCount == ceil(size/B)), then blockCount*16 bytes of block digests.
//
// The field order and widths mirror original_source/src/cachefile.cc's
// insert_perform/find layout (blockLength, md5BlockLength, numBlocks,
// rsum0, fileMD5Sum, then the block digest array), adapted from that
// file's big-endian-agnostic byte-packed convention.
const (
	payloadWOff          = 0
	payloadBOff          = 4
	payloadBlockCountOff = 8
	payloadRsum0Off      = 12
	payloadDigestOff     = 20
	payloadHeaderLen     = payloadDigestOff + strongsum.Size
)

func encodePayload(s *Summary) []byte {
	buf := make([]byte, payloadHeaderLen+len(s.blocks)*strongsum.Size)

	binary.BigEndian.PutUint32(buf[payloadWOff:], s.params.W)
	binary.BigEndian.PutUint32(buf[payloadBOff:], s.params.B)
	binary.BigEndian.PutUint32(buf[payloadBlockCountOff:], uint32(len(s.blocks)))
	binary.BigEndian.PutUint64(buf[payloadRsum0Off:], uint64(s.rsum0))

	if s.hasFull {
		copy(buf[payloadDigestOff:], s.digest[:])
	}

	for i, d := range s.blocks {
		copy(buf[payloadHeaderLen+i*strongsum.Size:], d[:])
	}

	return buf
}

// decodePayload populates a Summary's block-digest state from a cached
// payload. It does not validate (mtime, size) against the live file; the
// caller (LoadFromCache) only calls this after filecache.Store.Find has
// already done that check.
func decodePayload(s *Summary, buf []byte) error {
	if len(buf) < payloadHeaderLen {
		return fmt.Errorf("cache payload for %q too short: %d bytes", s.leafname, len(buf))
	}

	w := binary.BigEndian.Uint32(buf[payloadWOff:])
	b := binary.BigEndian.Uint32(buf[payloadBOff:])

	if w != s.params.W || b != s.params.B {
		return fmt.Errorf("cache payload for %q was computed with W=%d,B=%d, want W=%d,B=%d", s.leafname, w, b, s.params.W, s.params.B)
	}

	blockCount := int(binary.BigEndian.Uint32(buf[payloadBlockCountOff:]))

	wantLen := payloadHeaderLen + blockCount*strongsum.Size
	if len(buf) != wantLen {
		return fmt.Errorf("cache payload for %q has %d bytes, want %d for blockCount=%d", s.leafname, len(buf), wantLen, blockCount)
	}

	s.rsum0 = uint32(binary.BigEndian.Uint64(buf[payloadRsum0Off:]))

	s.blocks = make([]strongsum.Digest, blockCount)
	for i := range s.blocks {
		copy(s.blocks[i][:], buf[payloadHeaderLen+i*strongsum.Size:payloadHeaderLen+(i+1)*strongsum.Size])
	}

	if blockCount == s.BlockCount() {
		copy(s.digest[:], buf[payloadDigestOff:payloadDigestOff+strongsum.Size])
		s.hasFull = true
	}

	return nil
}

// LoadFromCache populates s from store, if a valid (mtime, size)-matching
// entry exists. A cache miss is not an error; s is simply left with no
// blocks computed yet.
func (s *Summary) LoadFromCache(store cacheReader, now uint32) error {
	if s.excluded {
		return nil
	}

	buf, err := store.Find(s.leafname, s.size, s.mtime, now)
	if err != nil {
		return nil //nolint:nilerr // cache miss is not an error, see doc comment
	}

	return decodePayload(s, buf)
}

// SaveToCache writes s's currently-computed digest state to store.
//
// Per spec.md §4.4 ("whenever new digests are computed, the cached payload
// for F is rewritten with an up-to-date blockCount") this should be called
// after every call that may have extended s's block coverage, and per
// spec.md §9's resolved open question, extend-iff-not-regressing holds
// because this method always overwrites the entry with the Summary's
// current blockCount, which only grows once LoadFromCache has seeded it
// from a (mtime, size)-matching entry. Store.Insert itself overwrites
// unconditionally.
func (s *Summary) SaveToCache(store cacheWriter, now uint32) error {
	if s.excluded || len(s.blocks) == 0 {
		return nil
	}

	return store.Insert(s.leafname, encodePayload(s), s.size, s.mtime, now)
}
