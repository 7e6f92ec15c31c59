// Package tmplwriter implements the TemplateWriter and container framing
// described in spec.md §4.8/§4.10: it turns the Matcher's Literal/
// MatchEmitted event stream into an append-only template file — a header
// line, a sequence of compressed literal parts, a trailing DESC index, and
// a fixed trailer — using pkg/zpart for compression and internal/atomicfile
// for the output file's atomic, seek-once-to-finalize lifecycle.
package tmplwriter

import (
	"fmt"
	"io"
	"os"

	"github.com/jigdo-go/mktemplate/internal/atomicfile"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
	"github.com/jigdo-go/mktemplate/pkg/zpart"
)

const (
	headerVersionPrefix = "JigsawDownload template"
	sizeFieldWidth       = 20 // decimal digits, zero-padded; wide enough for any uint64
)

// part tags. DATA/BZIP come from zpart.Kind; DESC is this package's own,
// used only for the trailing descriptor-table part (spec.md §4.10).
var tagDESC = [4]byte{'D', 'E', 'S', 'C'}

const partHeaderLen = 16 // 4 kind + 6 total-length + 6 uncompressed-length

// Descriptor tags (spec.md §4.10): one byte, followed by fixed fields.
const (
	tagImageInfo       byte = 0x01
	tagMatchedFile     byte = 0x02
	tagWrittenUnmatched byte = 0x03
)

// MatchedFile describes one confirmed match for the DESC table's
// MATCHED_FILE record: (offset, size, digest, rsum0).
type MatchedFile struct {
	StartOff int64
	Size     uint64
	Digest   strongsum.Digest
	Rsum0    uint32
}

// Params configures a Writer.
type Params struct {
	Dir  string
	Base string
	Perm os.FileMode

	Version     int
	BlockLength uint32 // B, recorded in the IMAGE_INFO descriptor

	// NewCompressor constructs a fresh zpart.Compressor. Called once at
	// Writer construction and again every time a MATCH forces literal parts
	// to be flushed mid-stream (spec.md §4.8: "no match reference may span
	// a part boundary" — the in-flight chunk must be closed out, and since
	// Compressor.Close is terminal, writing resumes on a brand new
	// instance).
	NewCompressor func() (zpart.Compressor, error)
}

// Writer accumulates one template file. Use New, feed it Literal/Match
// calls in image order, then Finalize (success) or Abort (cancellation).
type Writer struct {
	f    *atomicfile.File
	perm os.FileMode

	newCompressor func() (zpart.Compressor, error)
	compressor    zpart.Compressor

	blockLength uint32

	sizeFieldOffset int64

	descriptors []byte // DESC table payload, built incrementally
	done        bool
}

// New creates the output file (as a temp file not yet visible at its final
// path, per internal/atomicfile) and writes the header line with a
// placeholder total-size field to be patched in by Finalize.
func New(params Params) (*Writer, error) {
	if params.NewCompressor == nil {
		return nil, fmt.Errorf("tmplwriter: NewCompressor is required")
	}

	perm := params.Perm
	if perm == 0 {
		perm = 0o644
	}

	f, err := atomicfile.Create(params.Dir, params.Base, perm)
	if err != nil {
		return nil, fmt.Errorf("tmplwriter: creating output: %w", err)
	}

	c, err := params.NewCompressor()
	if err != nil {
		_ = f.Abort()

		return nil, fmt.Errorf("tmplwriter: constructing compressor: %w", err)
	}

	w := &Writer{
		f:             f,
		perm:          perm,
		newCompressor: params.NewCompressor,
		compressor:    c,
		blockLength:   params.BlockLength,
	}

	prefix := fmt.Sprintf("%s %d ", headerVersionPrefix, params.Version)
	header := prefix + zeroPadded(0, sizeFieldWidth) + "\n"

	if _, err := f.Write([]byte(header)); err != nil {
		_ = f.Abort()

		return nil, fmt.Errorf("tmplwriter: writing header: %w", err)
	}

	w.sizeFieldOffset = int64(len(prefix))

	return w, nil
}

// Literal buffers and flushes n compressed literal bytes and appends one
// WRITTEN_UNMATCHED descriptor covering them. b must not be modified after
// this call returns.
func (w *Writer) Literal(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	parts, err := w.compressor.Write(b)
	if err != nil {
		return fmt.Errorf("tmplwriter: compressing literal run: %w", err)
	}

	for _, p := range parts {
		if err := w.writeCompressedPart(p); err != nil {
			return err
		}
	}

	w.appendWrittenUnmatched(uint64(len(b)), strongsum.Sum(b))

	return nil
}

// Match flushes any buffered literal bytes as their own part (so no match
// reference spans a part boundary, spec.md §4.8), appends a MATCHED_FILE
// descriptor for mf, and rotates in a fresh Compressor for subsequent
// literal bytes.
func (w *Writer) Match(mf MatchedFile) error {
	if err := w.flushCompressor(); err != nil {
		return err
	}

	c, err := w.newCompressor()
	if err != nil {
		return fmt.Errorf("tmplwriter: rotating compressor after match: %w", err)
	}

	w.compressor = c

	w.appendMatchedFile(mf)

	return nil
}

// Finalize flushes any trailing literal bytes, writes the DESC part and
// fixed trailer, patches the header's total-size field, and commits the
// output file into place at its final path.
func (w *Writer) Finalize(imageSize int64, imageDigest strongsum.Digest) error {
	if w.done {
		return fmt.Errorf("tmplwriter: Finalize called twice")
	}

	w.done = true

	if err := w.flushCompressor(); err != nil {
		return err
	}

	payload := make([]byte, 0, len(w.descriptors)+imageInfoLen)
	payload = append(payload, encodeImageInfo(uint64(imageSize), imageDigest, w.blockLength)...)
	payload = append(payload, w.descriptors...)

	descPartLen := uint64(partHeaderLen + len(payload))

	if err := w.writePartHeader(tagDESC, descPartLen, uint64(len(payload))); err != nil {
		return err
	}

	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("tmplwriter: writing DESC payload: %w", err)
	}

	trailer := make([]byte, 4+6+strongsum.Size)
	copy(trailer[0:4], tagDESC[:])
	putUint48LE(trailer[4:10], descPartLen)
	copy(trailer[10:], imageDigest[:])

	if _, err := w.f.Write(trailer); err != nil {
		return fmt.Errorf("tmplwriter: writing trailer: %w", err)
	}

	if _, err := w.f.Seek(w.sizeFieldOffset, io.SeekStart); err != nil {
		return fmt.Errorf("tmplwriter: seeking to patch header: %w", err)
	}

	if _, err := w.f.Write([]byte(zeroPadded(imageSize, sizeFieldWidth))); err != nil {
		return fmt.Errorf("tmplwriter: patching header size: %w", err)
	}

	if err := w.f.Commit(); err != nil {
		return fmt.Errorf("tmplwriter: committing output: %w", err)
	}

	return nil
}

// Abort discards the output file without ever making it visible at its
// final path (spec.md §5 cancellation).
func (w *Writer) Abort() error {
	w.done = true

	return w.f.Abort()
}

// flushCompressor closes out the current compressor, writing whatever
// part(s) it yields (zero or one, since Close flushes at most the
// remaining under-limit buffer).
func (w *Writer) flushCompressor() error {
	parts, err := w.compressor.Close()
	if err != nil {
		return fmt.Errorf("tmplwriter: closing compressor: %w", err)
	}

	for _, p := range parts {
		if err := w.writeCompressedPart(p); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) writeCompressedPart(p zpart.Part) error {
	tag := p.Kind.Tag()
	totalLen := uint64(partHeaderLen + len(p.Compressed))

	if err := w.writePartHeader(tag, totalLen, uint64(p.UncompressedLen)); err != nil {
		return err
	}

	if _, err := w.f.Write(p.Compressed); err != nil {
		return fmt.Errorf("tmplwriter: writing %s part payload: %w", p.Kind, err)
	}

	return nil
}

func (w *Writer) writePartHeader(tag [4]byte, totalLen, uncompressedLen uint64) error {
	header := make([]byte, partHeaderLen)
	copy(header[0:4], tag[:])
	putUint48LE(header[4:10], totalLen)
	putUint48LE(header[10:16], uncompressedLen)

	if _, err := w.f.Write(header); err != nil {
		return fmt.Errorf("tmplwriter: writing part header: %w", err)
	}

	return nil
}

func zeroPadded(v int64, width int) string {
	return fmt.Sprintf("%0*d", width, v)
}

func putUint48LE(dst []byte, v uint64) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
	dst[4] = byte(v >> 32)
	dst[5] = byte(v >> 40)
}

func getUint48LE(src []byte) uint64 {
	return uint64(src[0]) | uint64(src[1])<<8 | uint64(src[2])<<16 |
		uint64(src[3])<<24 | uint64(src[4])<<32 | uint64(src[5])<<40
}
