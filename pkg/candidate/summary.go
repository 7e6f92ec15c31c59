// Package candidate implements FileSummary (spec.md §4.4) and CandidateIndex
// (spec.md §4.5): lazily computed, cache-backed per-file digests, and the
// in-memory rsum0 -> files multimap the Matcher probes against.
package candidate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jigdo-go/mktemplate/pkg/filecache"
	"github.com/jigdo-go/mktemplate/pkg/rsum"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

// Params are the scan-wide parameters shared by every Summary, named for
// the same fields spec.md §3 describes: W is the rolling-window size, B is
// the strong-block size.
type Params struct {
	W uint32
	B uint32
}

// Summary is the per-candidate-file record described in spec.md §3/§4.4: a
// rolling checksum of the first window, a StrongDigest per B-byte block,
// and (once fully computed) a StrongDigest of the whole file.
//
// A Summary is computed lazily: NewSummary reads no content, Rsum0
// computes rsum0 and the first block digest, and BlockDigest/FullDigest
// extend it on demand.
// Once excluded, a Summary must not be returned by a CandidateIndex lookup
// again; callers check Excluded() before using one found via an older
// reference.
type Summary struct {
	path     string
	leafname string
	size     uint64
	mtime    uint32

	params Params

	rsum0   uint32
	blocks  []strongsum.Digest // blocks[i] valid for i < len(blocks)
	digest  strongsum.Digest
	hasFull bool

	excluded bool
}

// NewSummary constructs a Summary for the file at path. It stats the file
// immediately (spec.md §4: size(F) >= W is required for a file to
// participate in matching) but does not read its content; callers should
// check Excluded() after construction for files that failed to stat or
// that are smaller than W.
func NewSummary(path, leafname string, params Params) (*Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return &Summary{path: path, leafname: leafname, params: params, excluded: true}, fmt.Errorf("stat %q: %w", path, err)
	}

	size := uint64(info.Size())
	if size < uint64(params.W) {
		return &Summary{path: path, leafname: leafname, params: params, excluded: true}, nil
	}

	return &Summary{
		path:     path,
		leafname: leafname,
		size:     size,
		mtime:    uint32(info.ModTime().Unix()),
		params:   params,
	}, nil
}

// Leafname returns the candidate's bare filename, the CacheStore key.
func (s *Summary) Leafname() string { return s.leafname }

// Path returns the candidate's filesystem path.
func (s *Summary) Path() string { return s.path }

// Size returns size(F).
func (s *Summary) Size() uint64 { return s.size }

// Excluded reports whether an I/O error has permanently removed this
// Summary from consideration (spec.md §4.4 Failure, §7 BadCandidate).
func (s *Summary) Excluded() bool { return s.excluded }

// BlockCount is ceil(size(F)/B), the number of blocks a fully-computed
// Summary has.
func (s *Summary) BlockCount() int {
	b := uint64(s.params.B)

	return int((s.size + b - 1) / b)
}

// BlockEnd returns the file-relative offset one past the end of block i,
// i.e. min((i+1)*B, size(F)). Used by the matcher to compute nextCheckOff.
func (s *Summary) BlockEnd(i int) uint64 {
	end := uint64(i+1) * uint64(s.params.B)
	if end > s.size {
		end = s.size
	}

	return end
}

// blockLen returns the length in bytes of block i.
func (s *Summary) blockLen(i int) uint64 {
	b := uint64(s.params.B)
	start := uint64(i) * b
	end := start + b

	if end > s.size {
		end = s.size
	}

	return end - start
}

// Rsum0 returns rsum0(F): the RollingSum over the leading min(W, size(F))
// bytes. Computing it requires reading only the first block.
func (s *Summary) Rsum0(loadFromCache func() bool) (uint32, error) {
	if s.excluded {
		return 0, fmt.Errorf("summary for %q is excluded", s.leafname)
	}

	if len(s.blocks) == 0 {
		if err := s.ensureBlocks(1); err != nil {
			return 0, err
		}
	}

	return s.rsum0, nil
}

// BlockDigest returns the StrongDigest of block i, computing through block
// i if necessary. Block digests already computed are kept, but extending a
// Summary that has some blocks reads those blocks again once, to rebuild
// the whole-file digest state (see ensureBlocks).
func (s *Summary) BlockDigest(i int) (strongsum.Digest, error) {
	if s.excluded {
		return strongsum.Digest{}, fmt.Errorf("summary for %q is excluded", s.leafname)
	}

	if i < 0 || i >= s.BlockCount() {
		return strongsum.Digest{}, fmt.Errorf("block %d out of range for %q (blockCount=%d)", i, s.leafname, s.BlockCount())
	}

	if i >= len(s.blocks) {
		if err := s.ensureBlocks(i + 1); err != nil {
			return strongsum.Digest{}, err
		}
	}

	return s.blocks[i], nil
}

// FullDigest forces digestion of the entire file and returns digest(F).
func (s *Summary) FullDigest() (strongsum.Digest, error) {
	if s.excluded {
		return strongsum.Digest{}, fmt.Errorf("summary for %q is excluded", s.leafname)
	}

	if !s.hasFull {
		if err := s.ensureBlocks(s.BlockCount()); err != nil {
			return strongsum.Digest{}, err
		}
	}

	return s.digest, nil
}

// ensureBlocks computes block digests (and rsum0, and, once every block is
// done, the whole-file digest) so that at least min(upTo, BlockCount())
// blocks are populated. New block digests are computed only for the suffix
// not already covered by s.blocks; when s.blocks is non-empty, the covered
// prefix is also read again to rebuild the whole-file digest state.
func (s *Summary) ensureBlocks(upTo int) error {
	target := upTo
	if bc := s.BlockCount(); target > bc {
		target = bc
	}

	already := len(s.blocks)
	if target <= already {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		s.excluded = true

		return fmt.Errorf("opening candidate %q: %w", s.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(already)*int64(s.params.B), io.SeekStart); err != nil {
		s.excluded = true

		return fmt.Errorf("seeking candidate %q: %w", s.path, err)
	}

	r := bufio.NewReaderSize(f, int(s.params.B))

	whole := strongsum.State{}
	if already > 0 {
		// The whole-file digest is only meaningful once every block has
		// been fed in order. Summary keeps no incremental whole-file
		// digest state between calls (nor in the cache), so it is rebuilt
		// here from the blocks already covered.
		if err := s.recomputeWholeFromScratch(&whole); err != nil {
			s.excluded = true

			return err
		}
	}

	buf := make([]byte, s.params.B)

	for i := already; i < target; i++ {
		n := int(s.blockLen(i))

		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			s.excluded = true

			return fmt.Errorf("reading block %d of %q: %w", i, s.path, err)
		}

		digest := strongsum.Sum(buf[:n])
		s.blocks = append(s.blocks, digest)

		if i == 0 {
			window := buf[:n]
			if uint32(n) > s.params.W {
				window = buf[:s.params.W]
			}

			s.rsum0 = rsum.Init(window).Value()
		}

		whole.Write(buf[:n])
	}

	if len(s.blocks) == s.BlockCount() {
		s.digest = whole.FinishForReuse()
		s.hasFull = true
	}

	return nil
}

// recomputeWholeFromScratch re-derives the whole-file digest state for the
// blocks already present in s.blocks, by re-reading the file from the
// start. Called whenever ensureBlocks extends a Summary whose s.blocks is
// non-empty, whether those blocks came from an earlier call or from a
// cached partial entry.
func (s *Summary) recomputeWholeFromScratch(whole *strongsum.State) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening candidate %q: %w", s.path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, int(s.params.B))
	buf := make([]byte, s.params.B)

	for i := 0; i < len(s.blocks); i++ {
		n := int(s.blockLen(i))

		if _, err := io.ReadFull(r, buf[:n]); err != nil {
			return fmt.Errorf("re-reading block %d of %q: %w", i, s.path, err)
		}

		whole.Write(buf[:n])
	}

	return nil
}

// Index is the in-memory rsum0 -> candidate-files multimap (spec.md §4.5).
// Built once before matching begins; the only mutation during matching is
// Exclude, which removes a Summary from every bucket it appears in.
type Index struct {
	buckets map[uint32][]*Summary
}

// NewIndex builds a CandidateIndex over summaries, computing Rsum0 for
// each (excluding, rather than failing the whole build, any summary whose
// first window cannot be read — spec.md §7 BadCandidate).
func NewIndex(summaries []*Summary, warn func(format string, args ...any)) *Index {
	idx := &Index{buckets: map[uint32][]*Summary{}}

	for _, s := range summaries {
		if s.Excluded() {
			continue
		}

		r, err := s.Rsum0(nil)
		if err != nil {
			s.excluded = true

			if warn != nil {
				warn("excluding candidate %q: %v", s.leafname, err)
			}

			continue
		}

		idx.buckets[r] = append(idx.buckets[r], s)
	}

	return idx
}

// Lookup returns every non-excluded Summary whose rsum0 equals r.
func (idx *Index) Lookup(r uint32) []*Summary {
	bucket := idx.buckets[r]
	if len(bucket) == 0 {
		return nil
	}

	out := make([]*Summary, 0, len(bucket))

	for _, s := range bucket {
		if !s.Excluded() {
			out = append(out, s)
		}
	}

	return out
}

// Exclude removes summary from every bucket of the index (spec.md §4.5:
// "the 'excluded on I/O error' case ... removes a FileSummary from all
// buckets").
func (idx *Index) Exclude(summary *Summary) {
	summary.excluded = true

	// NewIndex only buckets summaries whose rsum0 was computed, so the
	// stored field names the one bucket summary can be in.
	r := summary.rsum0
	bucket := idx.buckets[r]

	for i, s := range bucket {
		if s == summary {
			idx.buckets[r] = append(bucket[:i], bucket[i+1:]...)

			return
		}
	}
}

// All returns every summary currently indexed, across all buckets, sorted
// by leafname for deterministic iteration (spec.md §8 Determinism).
func (idx *Index) All() []*Summary {
	out := make([]*Summary, 0)

	for _, bucket := range idx.buckets {
		out = append(out, bucket...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].leafname < out[j].leafname })

	return out
}

// cacheReader/cacheWriter are the two operations candidate needs from
// filecache.Store, named narrowly so tests can fake them without pulling in
// the whole Store.
type cacheReader interface {
	Find(leafname string, size uint64, mtime uint32, now uint32) ([]byte, error)
}

type cacheWriter interface {
	Insert(leafname string, payload []byte, size uint64, mtime uint32, now uint32) error
}

var (
	_ cacheReader = (*filecache.Store)(nil)
	_ cacheWriter = (*filecache.Store)(nil)
)
