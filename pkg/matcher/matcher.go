// Package matcher implements the Matcher (spec.md §4.7): the streaming
// engine that drives the rolling window across the image, consults a
// candidate.Index, promotes rolling-checksum hits to PartialMatches,
// advances and arbitrates them, and emits an ordered Literal/MatchEmitted
// event stream.
package matcher

import (
	"fmt"
	"io"
	"sort"

	"github.com/jigdo-go/mktemplate/pkg/candidate"
	"github.com/jigdo-go/mktemplate/pkg/matchqueue"
	"github.com/jigdo-go/mktemplate/pkg/rsum"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

// EventKind distinguishes the two event shapes emitted by the Matcher.
type EventKind int

const (
	EventLiteral EventKind = iota
	EventMatchEmitted
)

// Event is one unit of the Matcher's output stream, strictly in image-offset
// order (spec.md §5 Ordering).
type Event struct {
	Kind EventKind

	// Literal holds n raw image bytes; valid iff Kind == EventLiteral. Each
	// Literal event carries a newly allocated slice that the Matcher does
	// not touch again.
	Literal []byte

	// Summary and StartOff describe a confirmed match; valid iff
	// Kind == EventMatchEmitted.
	Summary  *candidate.Summary
	StartOff int64
}

// Emit is called once per Event, in order. Returning an error aborts the
// scan (propagated back out of Run).
type Emit func(Event) error

// Params are the Matcher's tunable parameters (spec.md §6).
type Params struct {
	W           uint32
	B           uint32
	MaxMatches  int
	BufferLimit int64
}

// Matcher holds the running state of one image scan. A Matcher is used
// once, for one call to Run.
type Matcher struct {
	params Params
	index  *candidate.Index
	warn   func(format string, args ...any)

	queue *matchqueue.Queue

	window []byte // circular, length W
	rs     rsum.Sum

	curOff       int64
	committedOff int64
	buf          []byte // bytes [committedOff, curOff)

	// pendingConfirmed holds matches whose last block has already verified
	// but whose win cannot yet be decided: some other still-live match
	// overlaps their span and might itself confirm to a longer match later
	// (spec.md §8 scenario 3). They are arbitrated, via arbitrateWinners,
	// only once every live match overlapping them has resolved one way or
	// the other.
	pendingConfirmed []*matchqueue.Match

	imageDigest strongsum.State
}

// New constructs a Matcher. Returns a ConfigError-flavored error if W > B
// (spec.md §7 ConfigError: "invalid parameters (e.g. W > B). Fatal at
// startup before any I/O").
func New(params Params, index *candidate.Index, warn func(format string, args ...any)) (*Matcher, error) {
	if params.W == 0 || params.B == 0 {
		return nil, fmt.Errorf("matcher: W and B must be positive, got W=%d B=%d", params.W, params.B)
	}

	if params.W > params.B {
		return nil, fmt.Errorf("matcher: W (%d) must be <= B (%d)", params.W, params.B)
	}

	return &Matcher{
		params: params,
		index:  index,
		warn:   warn,
		queue:  matchqueue.New(params.MaxMatches),
		window: make([]byte, params.W),
	}, nil
}

// Run consumes r byte by byte, calling emit for every Literal/MatchEmitted
// event, until r is exhausted. A MatchEmitted event is emitted as soon as
// its match wins; literal bytes are held back and emitted as one run just
// before the next match, once more than BufferLimit bytes are pending, or
// at the end of the image.
func (m *Matcher) Run(r io.Reader, emit Emit) error {
	chunk := make([]byte, 64*1024)

	for {
		n, err := r.Read(chunk)

		for i := 0; i < n; i++ {
			if ferr := m.feed(chunk[i], emit); ferr != nil {
				return ferr
			}
		}

		if err == io.EOF {
			break
		}

		if err != nil {
			return fmt.Errorf("matcher: reading image: %w", err)
		}
	}

	return m.finish(emit)
}

// ImageSize returns the number of image bytes consumed so far.
func (m *Matcher) ImageSize() int64 { return m.curOff }

// ImageDigest returns the StrongDigest over every byte consumed so far.
// Safe to call repeatedly; does not reset.
func (m *Matcher) ImageDigest() strongsum.Digest { return m.imageDigest.Finish() }

// feed processes one image byte b arriving at offset o = m.curOff,
// implementing the six steps of spec.md §4.7's main loop in order.
func (m *Matcher) feed(b byte, emit Emit) error {
	o := m.curOff

	m.imageDigest.Write([]byte{b})
	m.buf = append(m.buf, b)

	// Step 1: slide window.
	widx := int(o % int64(m.params.W))

	if o >= int64(m.params.W) {
		old := m.window[widx]
		m.window[widx] = b
		m.rs.Slide(old, b)
	} else {
		m.window[widx] = b

		if o == int64(m.params.W)-1 {
			m.rs = rsum.Init(m.window)
		}
	}

	// Step 2: probe index, creating new PartialMatches on a rolling-sum hit.
	var created map[*matchqueue.Match]bool

	if o >= int64(m.params.W)-1 {
		startOff := o - int64(m.params.W) + 1

		for _, s := range m.index.Lookup(m.rs.Value()) {
			nm := &matchqueue.Match{
				Summary:      s,
				StartOff:     startOff,
				NextBlock:    0,
				NextCheckOff: startOff + int64(s.BlockEnd(0)),
				Status:       matchqueue.StatusCandidate,
			}
			window := m.orderedWindow(widx)
			nm.LiveDigest.Write(window)
			nm.CumulativeDigest.Write(window)

			if _, ok := m.queue.Insert(nm); ok {
				if created == nil {
					created = make(map[*matchqueue.Match]bool, 1)
				}

				created[nm] = true
			}
		}
	}

	// Step 3: extend every live match except ones just created this
	// iteration (their liveDigest was already seeded through o above).
	for _, live := range m.queue.All() {
		if created[live] {
			continue
		}

		live.LiveDigest.Write([]byte{b})
		live.CumulativeDigest.Write([]byte{b})
	}

	// Step 4: check completions due at this offset.
	if due := m.queue.PopFront(o + 1); len(due) > 0 {
		if err := m.resolveCompletions(due, emit); err != nil {
			return err
		}
	}

	// Step 4b: a completion resolved above may have freed up a previously
	// blocked pending confirmation (one of its overlapping live competitors
	// just confirmed or was rejected); try to settle as many as are now
	// decidable.
	if err := m.finalizePending(emit); err != nil {
		return err
	}

	// Step 5: commit literals up to the new safe offset. Safe bytes are held
	// back until the pending buffer exceeds BufferLimit, so that a literal
	// run goes out as one event; a match emission (arbitrateWinners) and
	// finish commit whatever precedes them.
	if int64(len(m.buf)) > m.params.BufferLimit {
		if err := m.commitThrough(m.safeOff(o), emit); err != nil {
			return err
		}
	}

	// Step 6: backpressure.
	if err := m.enforceBackpressure(o, emit); err != nil {
		return err
	}

	// Backpressure may itself have rejected the last live competitor
	// blocking a pending confirmation; give it one more chance to settle
	// before advancing.
	if err := m.finalizePending(emit); err != nil {
		return err
	}

	if int64(len(m.buf)) > m.params.BufferLimit {
		if err := m.commitThrough(m.safeOff(o), emit); err != nil {
			return err
		}
	}

	m.curOff = o + 1

	return nil
}

// orderedWindow returns the current W-byte window in offset order (oldest
// first), given widx = the position just written (i.e. the current, most
// recent byte).
func (m *Matcher) orderedWindow(widx int) []byte {
	w := len(m.window)
	out := make([]byte, w)

	for i := 0; i < w; i++ {
		out[i] = m.window[(widx+1+i)%w]
	}

	return out
}

// resolveCompletions finalizes every due PartialMatch's current block
// digest, advancing, rejecting, or provisionally confirming each. Every
// block, including the last, is checked against Summary.BlockDigest; the
// last block is additionally required to make CumulativeDigest (every byte
// since StartOff, never reset) equal Summary.FullDigest before the match
// can confirm at all — a per-block match alone says nothing about the rest
// of a multi-block file. A confirmed whole-file match is not arbitrated
// here: it is only a winner once every other live match that overlaps its
// span has also resolved (see finalizePending), since a still-live
// competitor might still confirm to a longer match later (spec.md §8
// scenario 3).
func (m *Matcher) resolveCompletions(due []*matchqueue.Match, emit Emit) error {
	for _, dm := range due {
		isLast := dm.NextBlock == dm.Summary.BlockCount()-1
		got := dm.LiveDigest.FinishForReuse()

		want, err := dm.Summary.BlockDigest(dm.NextBlock)
		if err != nil {
			if m.warn != nil {
				m.warn("excluding candidate %q mid-scan: %v", dm.Summary.Leafname(), err)
			}

			m.index.Exclude(dm.Summary)
			dm.Status = matchqueue.StatusRejected

			continue
		}

		if got != want {
			dm.Status = matchqueue.StatusRejected

			continue
		}

		if isLast {
			full, err := dm.Summary.FullDigest()
			if err != nil {
				if m.warn != nil {
					m.warn("excluding candidate %q mid-scan: %v", dm.Summary.Leafname(), err)
				}

				m.index.Exclude(dm.Summary)
				dm.Status = matchqueue.StatusRejected

				continue
			}

			if dm.CumulativeDigest.Finish() != full {
				dm.Status = matchqueue.StatusRejected

				continue
			}

			dm.Status = matchqueue.StatusConfirmed
			m.pendingConfirmed = append(m.pendingConfirmed, dm)

			continue
		}

		dm.NextBlock++
		dm.NextCheckOff = dm.StartOff + int64(dm.Summary.BlockEnd(dm.NextBlock))
		dm.Status = matchqueue.StatusConfirming
		_, _ = m.queue.Insert(dm)
	}

	return nil
}

// finalizePending repeatedly extracts and arbitrates every cluster of
// mutually-overlapping pendingConfirmed matches that no longer has any
// live (still-undecided) match overlapping any member, until no further
// cluster is decidable.
func (m *Matcher) finalizePending(emit Emit) error {
	for {
		cluster, ok := m.extractFinalizableCluster()
		if !ok {
			return nil
		}

		if err := m.arbitrateWinners(cluster, emit); err != nil {
			return err
		}
	}
}

// extractFinalizableCluster finds one pendingConfirmed match whose full
// transitive overlap cluster (within pendingConfirmed) contains no member
// still overlapped by a live match, removes that cluster from
// pendingConfirmed, and returns it.
func (m *Matcher) extractFinalizableCluster() ([]*matchqueue.Match, bool) {
	for start := range m.pendingConfirmed {
		cluster := m.transitiveCluster(start)
		if m.clusterIsFree(cluster) {
			m.removeFromPending(cluster)

			return cluster, true
		}
	}

	return nil, false
}

// transitiveCluster returns every pendingConfirmed match reachable from
// m.pendingConfirmed[seedIdx] by a chain of pairwise-overlapping spans.
func (m *Matcher) transitiveCluster(seedIdx int) []*matchqueue.Match {
	included := map[*matchqueue.Match]bool{m.pendingConfirmed[seedIdx]: true}

	for changed := true; changed; {
		changed = false

		for _, c := range m.pendingConfirmed {
			if included[c] {
				continue
			}

			for in := range included {
				if rangesOverlap(c.StartOff, c.EndOff(), in.StartOff, in.EndOff()) {
					included[c] = true
					changed = true

					break
				}
			}
		}
	}

	out := make([]*matchqueue.Match, 0, len(included))

	for _, c := range m.pendingConfirmed {
		if included[c] {
			out = append(out, c)
		}
	}

	return out
}

// clusterIsFree reports whether no member of cluster is overlapped by any
// still-live (undecided) match in the queue.
func (m *Matcher) clusterIsFree(cluster []*matchqueue.Match) bool {
	for _, c := range cluster {
		if m.hasOverlappingLiveMatch(c) {
			return false
		}
	}

	return true
}

func (m *Matcher) hasOverlappingLiveMatch(cand *matchqueue.Match) bool {
	for _, live := range m.queue.All() {
		if rangesOverlap(cand.StartOff, cand.EndOff(), live.StartOff, live.EndOff()) {
			return true
		}
	}

	return false
}

func (m *Matcher) removeFromPending(cluster []*matchqueue.Match) {
	remove := make(map[*matchqueue.Match]bool, len(cluster))
	for _, c := range cluster {
		remove[c] = true
	}

	kept := m.pendingConfirmed[:0]

	for _, c := range m.pendingConfirmed {
		if !remove[c] {
			kept = append(kept, c)
		}
	}

	m.pendingConfirmed = kept
}


// arbitrateWinners applies spec.md §4.7's tie-breaking rule (smaller
// startOff wins; then larger size(F); then leafname order) among matches
// that confirmed simultaneously, rejects every losing and overlapping
// live match, and emits MatchEmitted for each accepted winner in image
// order.
func (m *Matcher) arbitrateWinners(confirmed []*matchqueue.Match, emit Emit) error {
	sort.Slice(confirmed, func(i, j int) bool {
		a, b := confirmed[i], confirmed[j]

		if a.StartOff != b.StartOff {
			return a.StartOff < b.StartOff
		}

		if a.Summary.Size() != b.Summary.Size() {
			return a.Summary.Size() > b.Summary.Size()
		}

		return a.Summary.Leafname() < b.Summary.Leafname()
	})

	var winners []*matchqueue.Match

	for _, cand := range confirmed {
		overlapsWinner := false

		for _, w := range winners {
			if rangesOverlap(cand.StartOff, cand.EndOff(), w.StartOff, w.EndOff()) {
				overlapsWinner = true

				break
			}
		}

		if overlapsWinner {
			cand.Status = matchqueue.StatusRejected

			continue
		}

		winners = append(winners, cand)
	}

	for _, w := range winners {
		toReject := make([]*matchqueue.Match, 0)

		for _, live := range m.queue.All() {
			if rangesOverlap(live.StartOff, live.EndOff(), w.StartOff, w.EndOff()) {
				toReject = append(toReject, live)
			}
		}

		for _, r := range toReject {
			r.Status = matchqueue.StatusRejected
			m.queue.Remove(r)
		}

		if err := m.commitThrough(w.StartOff, emit); err != nil {
			return err
		}

		m.dropBuf(w.EndOff())

		if err := emit(Event{Kind: EventMatchEmitted, Summary: w.Summary, StartOff: w.StartOff}); err != nil {
			return err
		}
	}

	return nil
}

func rangesOverlap(aStart, aEnd, bStart, bEnd int64) bool {
	return aStart < bEnd && bStart < aEnd
}

// safeOff computes spec.md §4.7 step 5's safeOff: the smallest startOff
// among all live matches and still-unsettled pending confirmations (their
// span cannot be committed as literal until arbitration decides whether
// they win), capped at o-W+2, the earliest startOff a future probe could
// still produce.
func (m *Matcher) safeOff(o int64) int64 {
	// The next probe (at o+1) can still start a match at o+1-W+1, so the
	// last W-1 bytes read stay uncommitted even with nothing outstanding.
	safe := o - int64(m.params.W) + 2

	if min, ok := m.queue.MinStartOff(); ok && min < safe {
		safe = min
	}

	for _, c := range m.pendingConfirmed {
		if c.StartOff < safe {
			safe = c.StartOff
		}
	}

	return safe
}

// commitThrough emits a Literal event covering [committedOff, target) and
// advances committedOff to target. A no-op if target has already been
// reached.
func (m *Matcher) commitThrough(target int64, emit Emit) error {
	if target <= m.committedOff {
		return nil
	}

	n := target - m.committedOff
	lit := make([]byte, n)
	copy(lit, m.buf[:n])
	m.buf = m.buf[n:]
	m.committedOff = target

	return emit(Event{Kind: EventLiteral, Literal: lit})
}

// dropBuf advances committedOff to target without emitting the intervening
// bytes as Literal: they were just superseded by an emitted MatchEmitted
// event instead (spec.md §4.7 step 4: "drop from pendingBuf the bytes
// [startOff, startOff+size(F))").
func (m *Matcher) dropBuf(target int64) {
	if target <= m.committedOff {
		return
	}

	n := target - m.committedOff
	if n > int64(len(m.buf)) {
		n = int64(len(m.buf))
	}

	m.buf = m.buf[n:]
	m.committedOff = target
}

// enforceBackpressure implements spec.md §4.7 step 6: while pendingBuf
// exceeds BufferLimit, force-reject the oldest live match (smallest
// startOff) to free space, then re-advance the commit point.
func (m *Matcher) enforceBackpressure(o int64, emit Emit) error {
	for int64(len(m.buf)) > m.params.BufferLimit {
		live := m.queue.All()
		if len(live) == 0 {
			break
		}

		oldest := live[0]

		for _, c := range live[1:] {
			if c.StartOff < oldest.StartOff {
				oldest = c
			}
		}

		oldest.Status = matchqueue.StatusRejected
		m.queue.Remove(oldest)

		if err := m.commitThrough(m.safeOff(o), emit); err != nil {
			return err
		}
	}

	return nil
}

// finish drains any still-live matches (none of them reached their
// nextCheckOff, so none can be confirmed), which frees every remaining
// pending confirmation to be settled, then flushes the remainder of
// pendingBuf as a final Literal (spec.md §4.7 "End-of-image").
func (m *Matcher) finish(emit Emit) error {
	for _, live := range append([]*matchqueue.Match{}, m.queue.All()...) {
		live.Status = matchqueue.StatusRejected
		m.queue.Remove(live)
	}

	if err := m.finalizePending(emit); err != nil {
		return err
	}

	return m.commitThrough(m.curOff, emit)
}
