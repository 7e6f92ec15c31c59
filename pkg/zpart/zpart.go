// Package zpart implements the Compressor abstraction (spec.md §4.9): two
// byte-stream compressors, deflate-style and block-sort style, that each
// turn a stream of literal bytes into a sequence of independently
// decompressible compressed "parts" of known uncompressed length.
//
// The reference implementation models this as a class hierarchy (gzip and
// bzip2 subclasses of a common Compressor base). Per spec.md §9's
// polymorphic-compressor design note, this is re-modeled as a tagged
// variant: one Kind enum persisted in each part header (spec.md §4.8), and
// a shared bufferedCompressor driving two distinct encode functions rather
// than two divergent type hierarchies.
package zpart

import (
	"bytes"
	"fmt"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
)

// Kind identifies which codec produced a Part. It is persisted as the
// 4-byte part-header tag (spec.md §4.8): "DATA" for Deflate, "BZIP" for
// BlockSort.
type Kind int

const (
	KindDeflate Kind = iota
	KindBlockSort
)

// Tag returns the 4-byte ASCII part-header tag for k.
func (k Kind) Tag() [4]byte {
	switch k {
	case KindDeflate:
		return [4]byte{'D', 'A', 'T', 'A'}
	case KindBlockSort:
		return [4]byte{'B', 'Z', 'I', 'P'}
	default:
		panic(fmt.Sprintf("zpart: unknown kind %d", k))
	}
}

func (k Kind) String() string {
	switch k {
	case KindDeflate:
		return "deflate"
	case KindBlockSort:
		return "block-sort"
	default:
		return fmt.Sprintf("zpart.Kind(%d)", k)
	}
}

// Part is one self-contained compressed chunk: Compressed can be handed to
// a decoder on its own, without any other part, to recover exactly
// UncompressedLen bytes.
type Part struct {
	Kind            Kind
	Compressed      []byte
	UncompressedLen int
}

// Compressor buffers literal bytes and emits Parts once enough have
// accumulated. Implementations reset their underlying codec state between
// parts so each Part decompresses independently (spec.md §4.9).
type Compressor interface {
	Kind() Kind

	// ChunkLimit is the uncompressed-byte threshold at which Write flushes
	// a part. For BlockSort this is an exact value the codec imposes; for
	// Deflate it is the caller-supplied soft cap.
	ChunkLimit() int

	// Write buffers p, flushing one Part per ChunkLimit-sized (or, for the
	// final part, whatever remains) chunk of previously-unflushed bytes.
	Write(p []byte) (parts []Part, err error)

	// Close flushes any remaining buffered bytes as a final, possibly
	// under-sized, part. Close is idempotent; calling it again returns no
	// parts and no error.
	Close() (parts []Part, err error)
}

// BlockSortChunkLimit returns the exact uncompressed chunk size the
// block-sort codec imposes at the given level (spec.md §4.9: "≈
// 100000·level − 50 bytes").
func BlockSortChunkLimit(level int) int {
	return 100000*level - 50
}

type encodeFunc func(chunk []byte, level int) ([]byte, error)

// bufferedCompressor is the shared chunking engine behind both variants:
// accumulate bytes, and whenever at least ChunkLimit bytes are buffered,
// hand exactly ChunkLimit bytes to encode as one part. Deflate's "soft
// cap" and BlockSort's "hard cap" differ only in what ChunkLimit is set
// to (an arbitrary config value vs. the codec-mandated constant above);
// the flushing discipline itself is identical, which is what lets both
// variants share this type instead of duplicating it.
type bufferedCompressor struct {
	kind   Kind
	level  int
	limit  int
	encode encodeFunc

	buf    []byte
	closed bool
}

func (c *bufferedCompressor) Kind() Kind     { return c.kind }
func (c *bufferedCompressor) ChunkLimit() int { return c.limit }

func (c *bufferedCompressor) Write(p []byte) ([]Part, error) {
	if c.closed {
		return nil, fmt.Errorf("zpart: write to closed %s compressor", c.kind)
	}

	c.buf = append(c.buf, p...)

	var parts []Part

	for len(c.buf) >= c.limit {
		part, err := c.flush(c.buf[:c.limit])
		if err != nil {
			c.closed = true

			return parts, err
		}

		parts = append(parts, part)
		c.buf = c.buf[c.limit:]
	}

	return parts, nil
}

func (c *bufferedCompressor) Close() ([]Part, error) {
	if c.closed {
		return nil, nil
	}

	c.closed = true

	if len(c.buf) == 0 {
		return nil, nil
	}

	part, err := c.flush(c.buf)
	c.buf = nil

	if err != nil {
		return nil, err
	}

	return []Part{part}, nil
}

func (c *bufferedCompressor) flush(chunk []byte) (Part, error) {
	compressed, err := c.encode(chunk, c.level)
	if err != nil {
		return Part{}, fmt.Errorf("zpart: compressing %s chunk: %w", c.kind, err)
	}

	out := Part{Kind: c.kind, UncompressedLen: len(chunk)}
	out.Compressed = make([]byte, len(compressed))
	copy(out.Compressed, compressed)

	return out, nil
}

// NewDeflate constructs a Deflate-variant Compressor. level follows
// compress/flate's convention (flate.BestSpeed..flate.BestCompression);
// chunkLimit is the soft per-part uncompressed-byte cap (spec.md §6
// default: 256 KiB).
func NewDeflate(level, chunkLimit int) (Compressor, error) {
	if chunkLimit <= 0 {
		return nil, fmt.Errorf("zpart: chunkLimit must be positive, got %d", chunkLimit)
	}

	return &bufferedCompressor{kind: KindDeflate, level: level, limit: chunkLimit, encode: deflateEncode}, nil
}

// NewBlockSort constructs a BlockSort-variant Compressor. level is
// 1..9, the same scale as bzip2(1); ChunkLimit is fixed by the codec at
// BlockSortChunkLimit(level), not caller-supplied.
func NewBlockSort(level int) (Compressor, error) {
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("zpart: block-sort level must be 1..9, got %d", level)
	}

	return &bufferedCompressor{kind: KindBlockSort, level: level, limit: BlockSortChunkLimit(level), encode: bzip2Encode}, nil
}

func deflateEncode(chunk []byte, level int) ([]byte, error) {
	var out bytes.Buffer

	w, err := flate.NewWriter(&out, level)
	if err != nil {
		return nil, fmt.Errorf("opening deflate writer: %w", err)
	}

	if _, err := w.Write(chunk); err != nil {
		return nil, fmt.Errorf("deflate write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}

	return out.Bytes(), nil
}

func bzip2Encode(chunk []byte, level int) ([]byte, error) {
	var out bytes.Buffer

	w, err := bzip2.NewWriter(&out, &bzip2.WriterConfig{Level: level})
	if err != nil {
		return nil, fmt.Errorf("opening bzip2 writer: %w", err)
	}

	if _, err := w.Write(chunk); err != nil {
		return nil, fmt.Errorf("bzip2 write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bzip2 close: %w", err)
	}

	return out.Bytes(), nil
}
