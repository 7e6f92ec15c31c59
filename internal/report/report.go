// Package report re-models the source implementation's ProgressReporter
// base class (spec.md §9 DESIGN NOTES) as a plain struct of optional
// closures, passed by reference into the builder, instead of an inherited
// base class or a package-global singleton.
package report

// Sink receives diagnostics and progress updates from the builder. Any
// field may be left nil; a nil Sink is equivalent to a Sink with every
// field nil.
type Sink struct {
	// OnInfo reports a purely informational message (e.g. "cache hit for %s").
	OnInfo func(format string, args ...any)

	// OnWarn reports a recovered, non-fatal error (spec.md §7: BadCandidate,
	// CacheCorrupt, CacheIO). The run continues.
	OnWarn func(format string, args ...any)

	// OnProgress reports cumulative bytes of the image consumed so far,
	// versus the image's known total length.
	OnProgress func(bytesDone, bytesTotal int64)
}

// Info calls s.OnInfo if set. Safe to call on a nil Sink.
func (s *Sink) Info(format string, args ...any) {
	if s == nil || s.OnInfo == nil {
		return
	}

	s.OnInfo(format, args...)
}

// Warn calls s.OnWarn if set. Safe to call on a nil Sink.
func (s *Sink) Warn(format string, args ...any) {
	if s == nil || s.OnWarn == nil {
		return
	}

	s.OnWarn(format, args...)
}

// Progress calls s.OnProgress if set. Safe to call on a nil Sink.
func (s *Sink) Progress(bytesDone, bytesTotal int64) {
	if s == nil || s.OnProgress == nil {
		return
	}

	s.OnProgress(bytesDone, bytesTotal)
}
