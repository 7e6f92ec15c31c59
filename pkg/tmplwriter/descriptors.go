package tmplwriter

import (
	"fmt"

	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

const (
	imageInfoLen       = 1 + 8 + strongsum.Size + 4
	matchedFileLen      = 1 + 8 + 8 + strongsum.Size + 4
	writtenUnmatchedLen = 1 + 8 + strongsum.Size
)

func (w *Writer) appendWrittenUnmatched(size uint64, digest strongsum.Digest) {
	buf := make([]byte, writtenUnmatchedLen)
	buf[0] = tagWrittenUnmatched
	putUint64LE(buf[1:9], size)
	copy(buf[9:], digest[:])

	w.descriptors = append(w.descriptors, buf...)
}

func (w *Writer) appendMatchedFile(mf MatchedFile) {
	buf := make([]byte, matchedFileLen)
	buf[0] = tagMatchedFile
	putUint64LE(buf[1:9], uint64(mf.StartOff))
	putUint64LE(buf[9:17], mf.Size)
	copy(buf[17:17+strongsum.Size], mf.Digest[:])
	putUint32LE(buf[17+strongsum.Size:], mf.Rsum0)

	w.descriptors = append(w.descriptors, buf...)
}

func encodeImageInfo(size uint64, digest strongsum.Digest, blockLength uint32) []byte {
	buf := make([]byte, imageInfoLen)
	buf[0] = tagImageInfo
	putUint64LE(buf[1:9], size)
	copy(buf[9:9+strongsum.Size], digest[:])
	putUint32LE(buf[9+strongsum.Size:], blockLength)

	return buf
}

func putUint64LE(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUint64LE(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * i)
	}

	return v
}

func putUint32LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func getUint32LE(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

// DescriptorKind distinguishes the three DESC-table record shapes
// (spec.md §4.10).
type DescriptorKind int

const (
	DescImageInfo DescriptorKind = iota
	DescMatchedFile
	DescWrittenUnmatched
)

// Descriptor is one decoded DESC-table record. Which fields are meaningful
// depends on Kind.
type Descriptor struct {
	Kind DescriptorKind

	Size   uint64
	Digest strongsum.Digest

	BlockLength uint32 // ImageInfo only

	StartOff int64  // MatchedFile only
	Rsum0    uint32 // MatchedFile only
}

// DecodeDescriptors parses a DESC part's payload into its constituent
// records. Each record is tag-prefixed and fixed-width per tag, so parsing
// never needs to seek (spec.md §4.10).
func DecodeDescriptors(payload []byte) ([]Descriptor, error) {
	var out []Descriptor

	for len(payload) > 0 {
		tag := payload[0]

		switch tag {
		case tagImageInfo:
			if len(payload) < imageInfoLen {
				return nil, fmt.Errorf("tmplwriter: truncated IMAGE_INFO record")
			}

			var digest strongsum.Digest
			copy(digest[:], payload[9:9+strongsum.Size])

			out = append(out, Descriptor{
				Kind:        DescImageInfo,
				Size:        getUint64LE(payload[1:9]),
				Digest:      digest,
				BlockLength: getUint32LE(payload[9+strongsum.Size:]),
			})

			payload = payload[imageInfoLen:]

		case tagMatchedFile:
			if len(payload) < matchedFileLen {
				return nil, fmt.Errorf("tmplwriter: truncated MATCHED_FILE record")
			}

			var digest strongsum.Digest
			copy(digest[:], payload[17:17+strongsum.Size])

			out = append(out, Descriptor{
				Kind:     DescMatchedFile,
				StartOff: int64(getUint64LE(payload[1:9])),
				Size:     getUint64LE(payload[9:17]),
				Digest:   digest,
				Rsum0:    getUint32LE(payload[17+strongsum.Size:]),
			})

			payload = payload[matchedFileLen:]

		case tagWrittenUnmatched:
			if len(payload) < writtenUnmatchedLen {
				return nil, fmt.Errorf("tmplwriter: truncated WRITTEN_UNMATCHED record")
			}

			var digest strongsum.Digest
			copy(digest[:], payload[9:9+strongsum.Size])

			out = append(out, Descriptor{
				Kind:   DescWrittenUnmatched,
				Size:   getUint64LE(payload[1:9]),
				Digest: digest,
			})

			payload = payload[writtenUnmatchedLen:]

		default:
			return nil, fmt.Errorf("tmplwriter: unknown descriptor tag 0x%02x", tag)
		}
	}

	return out, nil
}
