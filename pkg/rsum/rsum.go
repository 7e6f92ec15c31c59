// Package rsum implements the rolling checksum used to cheaply recognize
// candidate file starts while scanning an image byte stream.
//
// The checksum is the classic rsync-style two-accumulator rolling sum: an
// O(1) update per byte as the window slides forward by one, at the cost of
// being only weakly collision-resistant (hence the subsequent strong-digest
// confirmation step in pkg/strongsum).
package rsum

// charOffset biases every byte before summation so that a run of zero bytes
// doesn't produce an all-zero checksum. 31 matches the constant used by the
// reference rsync/jigdo implementation.
const charOffset = 31

// Sum is a rolling checksum over a fixed-length window of bytes.
//
// The zero value is not usable; construct one with [Init].
type Sum struct {
	s1, s2 uint32
	window uint32 // W, the window length this Sum was initialized with
}

// Init computes the checksum of the given window from scratch.
//
// window's length becomes W: the caller must pass the same length to every
// subsequent call of [Sum.Slide] for this Sum.
func Init(window []byte) Sum {
	var s Sum

	s.window = uint32(len(window))

	for i, b := range window {
		x := uint32(b) + charOffset
		s.s1 = (s.s1 + x) & 0xffff
		s.s2 = (s.s2 + (s.window-uint32(i))*x) & 0xffff
	}

	return s
}

// Slide updates the checksum in O(1) time for a window that has moved
// forward by one byte: oldByte leaves the window (from its front), newByte
// enters it (at its back).
func (s *Sum) Slide(oldByte, newByte byte) {
	oldX := uint32(oldByte) + charOffset
	newX := uint32(newByte) + charOffset

	s.s1 = (s.s1 + newX - oldX) & 0xffff
	s.s2 = (s.s2 + s.s1 - s.window*oldX) & 0xffff
}

// Value returns the current 32-bit checksum.
func (s Sum) Value() uint32 {
	return s.s1 | (s.s2 << 16)
}
