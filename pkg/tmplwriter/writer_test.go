package tmplwriter_test

import (
	"bytes"
	"compress/flate"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/stretchr/testify/require"

	"github.com/jigdo-go/mktemplate/pkg/strongsum"
	"github.com/jigdo-go/mktemplate/pkg/tmplwriter"
	"github.com/jigdo-go/mktemplate/pkg/zpart"
)

func newDeflateFactory(t *testing.T, chunkLimit int) func() (zpart.Compressor, error) {
	t.Helper()

	return func() (zpart.Compressor, error) { return zpart.NewDeflate(6, chunkLimit) }
}

type part struct {
	tag             string
	compressed      []byte
	uncompressedLen int
}

// parseContainer splits a template file's bytes into the header line, the
// sequence of DATA/BZIP/DESC parts (stopping at and including DESC), and
// whatever bytes remain (the 26-byte trailer).
func parseContainer(t *testing.T, data []byte) (headerLine string, parts []part, trailer []byte) {
	t.Helper()

	nl := bytes.IndexByte(data, '\n')
	require.GreaterOrEqual(t, nl, 0)

	headerLine = string(data[:nl])
	rest := data[nl+1:]

	for {
		require.GreaterOrEqual(t, len(rest), 16)

		tag := string(rest[0:4])
		totalLen := getUint48LE(rest[4:10])
		uncompressedLen := getUint48LE(rest[10:16])

		payload := rest[16:totalLen]
		parts = append(parts, part{tag: tag, compressed: append([]byte{}, payload...), uncompressedLen: int(uncompressedLen)})

		rest = rest[totalLen:]

		if tag == "DESC" {
			trailer = rest

			return headerLine, parts, trailer
		}
	}
}

func getUint48LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v |= uint64(b[i]) << (8 * i)
	}

	return v
}

func decodeDeflate(t *testing.T, compressed []byte) []byte {
	t.Helper()

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	out, err := io.ReadAll(r)
	require.NoError(t, err)

	return out
}

func Test_Header_Line_Reports_Version_And_Patched_Total_Size(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 3, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	require.NoError(t, w.Literal([]byte("hello world")))
	require.NoError(t, w.Finalize(11, strongsum.Sum([]byte("hello world"))))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	headerLine, _, _ := parseContainer(t, data)

	fields := strings.Fields(headerLine)
	require.Equal(t, []string{"JigsawDownload", "template", "3"}, fields[:3])

	size, err := strconv.ParseInt(fields[3], 10, 64)
	require.NoError(t, err)
	require.Equal(t, int64(11), size)
}

func Test_Literal_Match_Literal_Produces_Descriptors_In_Order(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	lit1 := []byte("prefix-bytes")
	lit2 := []byte("suffix-bytes-here")

	require.NoError(t, w.Literal(lit1))
	require.NoError(t, w.Match(tmplwriter.MatchedFile{StartOff: int64(len(lit1)), Size: 500, Digest: strongsum.Sum([]byte("f-content")), Rsum0: 0xdeadbeef}))
	require.NoError(t, w.Literal(lit2))

	total := int64(len(lit1)) + 500 + int64(len(lit2))
	require.NoError(t, w.Finalize(total, strongsum.Sum([]byte("whole-image"))))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	_, parts, trailer := parseContainer(t, data)

	require.Equal(t, "DESC", parts[len(parts)-1].tag)
	descPayload := parts[len(parts)-1].compressed

	descs, err := tmplwriter.DecodeDescriptors(descPayload)
	require.NoError(t, err)
	require.Len(t, descs, 4)

	require.Equal(t, tmplwriter.DescImageInfo, descs[0].Kind)
	require.Equal(t, uint64(total), descs[0].Size)
	require.Equal(t, uint32(64), descs[0].BlockLength)

	require.Equal(t, tmplwriter.DescWrittenUnmatched, descs[1].Kind)
	require.Equal(t, uint64(len(lit1)), descs[1].Size)
	require.Equal(t, strongsum.Sum(lit1), descs[1].Digest)

	require.Equal(t, tmplwriter.DescMatchedFile, descs[2].Kind)
	require.Equal(t, int64(len(lit1)), descs[2].StartOff)
	require.Equal(t, uint64(500), descs[2].Size)
	require.Equal(t, uint32(0xdeadbeef), descs[2].Rsum0)

	require.Equal(t, tmplwriter.DescWrittenUnmatched, descs[3].Kind)
	require.Equal(t, uint64(len(lit2)), descs[3].Size)
	require.Equal(t, strongsum.Sum(lit2), descs[3].Digest)

	// Trailer: 4-byte magic + 6-byte DESC part length + 16-byte digest.
	require.Len(t, trailer, 4+6+strongsum.Size)
	require.Equal(t, "DESC", string(trailer[0:4]))

	descPartLen := getUint48LE(trailer[4:10])
	require.Equal(t, uint64(16+len(descPayload)), descPartLen)

	digest := strongsum.Sum([]byte("whole-image"))
	require.Equal(t, digest[:], trailer[10:])
}

func Test_Match_Forces_Partial_Literal_Flush_Into_Its_Own_Part(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	// Chunk limit far larger than the literal run, so nothing would flush
	// on its own without the forced pre-match flush.
	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	lit := []byte("short")
	require.NoError(t, w.Literal(lit))
	require.NoError(t, w.Match(tmplwriter.MatchedFile{StartOff: int64(len(lit)), Size: 10, Digest: strongsum.Sum([]byte("f")), Rsum0: 1}))
	require.NoError(t, w.Finalize(int64(len(lit))+10, strongsum.Sum([]byte("img"))))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	_, parts, _ := parseContainer(t, data)

	require.Len(t, parts, 2) // the forced-flush literal part, then DESC
	require.Equal(t, "DATA", parts[0].tag)
	require.Equal(t, lit, decodeDeflate(t, parts[0].compressed))
	require.Equal(t, len(lit), parts[0].uncompressedLen)
}

func Test_Compressed_Parts_Split_At_ChunkLimit_And_Decompress_To_Original(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 100),
	})
	require.NoError(t, err)

	lit := bytes.Repeat([]byte("x"), 250)
	require.NoError(t, w.Literal(lit))
	require.NoError(t, w.Finalize(int64(len(lit)), strongsum.Sum(lit)))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	_, parts, _ := parseContainer(t, data)

	require.Len(t, parts, 4) // 2 full 100-byte chunks + 1 50-byte remainder + DESC

	var reconstructed []byte

	for _, p := range parts[:3] {
		require.Equal(t, "DATA", p.tag)
		reconstructed = append(reconstructed, decodeDeflate(t, p.compressed)...)
	}

	require.Equal(t, lit, reconstructed)
}

func Test_Abort_Leaves_No_File_At_Final_Path(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	require.NoError(t, w.Literal([]byte("never committed")))
	require.NoError(t, w.Abort())

	_, statErr := os.Stat(filepath.Join(dir, "out.tmpl"))
	require.True(t, os.IsNotExist(statErr))
}

func Test_Finalize_Twice_Errors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	require.NoError(t, w.Finalize(0, strongsum.Digest{}))
	err = w.Finalize(0, strongsum.Digest{})
	require.Error(t, err)
}

func Test_New_Requires_NewCompressor_Factory(t *testing.T) {
	t.Parallel()

	_, err := tmplwriter.New(tmplwriter.Params{Dir: t.TempDir(), Base: "out.tmpl"})
	require.Error(t, err)
}

func Test_BlockSort_Compressor_Round_Trips_Through_Writer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: func() (zpart.Compressor, error) { return zpart.NewBlockSort(1) },
	})
	require.NoError(t, err)

	lit := bytes.Repeat([]byte("bzip-me "), 50)
	require.NoError(t, w.Literal(lit))
	require.NoError(t, w.Finalize(int64(len(lit)), strongsum.Sum(lit)))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	_, parts, _ := parseContainer(t, data)
	require.Equal(t, "BZIP", parts[0].tag)

	r, err := bzip2.NewReader(bytes.NewReader(parts[0].compressed), nil)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, lit, got)
}

func Test_Literal_Of_Zero_Length_Emits_No_Descriptor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: dir, Base: "out.tmpl", Version: 1, BlockLength: 64,
		NewCompressor: newDeflateFactory(t, 1<<20),
	})
	require.NoError(t, err)

	require.NoError(t, w.Literal(nil))
	require.NoError(t, w.Finalize(0, strongsum.Digest{}))

	data, err := os.ReadFile(filepath.Join(dir, "out.tmpl"))
	require.NoError(t, err)

	_, parts, _ := parseContainer(t, data)
	descs, err := tmplwriter.DecodeDescriptors(parts[len(parts)-1].compressed)
	require.NoError(t, err)
	require.Len(t, descs, 1) // IMAGE_INFO only
	require.Equal(t, tmplwriter.DescImageInfo, descs[0].Kind)
}
