// Package strongsum implements the cryptographic-strength content digest
// used to confirm candidates that the rolling checksum (pkg/rsum) flagged
// as merely plausible.
//
// Only collision-resistance against accidental collisions is required
// (spec.md §4.2); adversarial resistance is not a design goal. The reference
// implementation is MD5, and this package's output must match it exactly so
// templates stay interoperable with existing jigdo consumers (spec.md §6).
package strongsum

import "crypto/md5" //nolint:gosec // MD5 is the normative wire format, not used for adversarial security

// Size is the length in bytes of a Digest.
const Size = md5.Size

// Digest is a 128-bit strong digest.
type Digest [Size]byte

// Sum computes the digest of a single byte slice in one call.
func Sum(data []byte) Digest {
	return Digest(md5.Sum(data))
}

// State is an incremental digest computation: bytes can be added in any
// number of calls to Write before the result is read with Finish.
//
// The zero value is ready to use.
type State struct {
	h hash128
}

// hash128 avoids exposing crypto/md5's concrete type in State's field,
// keeping this package's public surface independent of the chosen
// implementation.
type hash128 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
}

// Reset discards any bytes previously written, returning State to its
// initial (empty) state.
func (s *State) Reset() {
	if s.h == nil {
		return
	}

	s.h.Reset()
}

// Write adds bytes to the digest in progress. It never returns an error.
func (s *State) Write(p []byte) {
	s.ensure()
	_, _ = s.h.Write(p)
}

// Finish returns the digest of all bytes written so far. Finish may be
// called more than once; it is idempotent and does not reset the state.
func (s *State) Finish() Digest {
	s.ensure()

	var d Digest
	copy(d[:], s.h.Sum(nil))

	return d
}

// FinishForReuse returns the digest as Finish does, then resets the state so
// the same State can be reused to digest the next block.
func (s *State) FinishForReuse() Digest {
	d := s.Finish()
	s.Reset()

	return d
}

func (s *State) ensure() {
	if s.h == nil {
		s.h = md5.New() //nolint:gosec // see package doc
	}
}
