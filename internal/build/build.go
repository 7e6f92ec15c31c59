// Package build orchestrates one end-to-end template build (spec.md §5/§6):
// open the cache, compute the candidate pool's FileSummaries (in bounded
// parallel, finalized before the image scan begins), build the
// CandidateIndex, drive the Matcher into the TemplateWriter, and persist
// cache updates. It plays the role the teacher's internal/store plays for
// ticket operations: the one package that wires every lower-level package
// together behind a single call.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jigdo-go/mktemplate/internal/report"
	"github.com/jigdo-go/mktemplate/pkg/candidate"
	"github.com/jigdo-go/mktemplate/pkg/filecache"
	"github.com/jigdo-go/mktemplate/pkg/matcher"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
	"github.com/jigdo-go/mktemplate/pkg/tmplwriter"
	"github.com/jigdo-go/mktemplate/pkg/zpart"
)

// Params configures one BuildTemplate call (spec.md §6 External Interfaces).
type Params struct {
	ImagePath      string
	CandidatePaths []string // full filesystem paths; leafname = filepath.Base

	W, B        uint32
	MaxMatches  int
	BufferLimit int64

	CompressionKind  zpart.Kind
	CompressionLevel int
	ChunkLimit       int // deflate only; BlockSort's is codec-derived

	CachePath   string // empty disables the cache
	CacheMaxAge int32  // seconds; <= 0 disables expiry

	OutputDir  string
	OutputBase string
	Version    int

	// MaxWorkers bounds the parallel FileSummary pre-scan; <= 0 uses
	// runtime.NumCPU().
	MaxWorkers int

	Report *report.Sink
}

// Result summarizes one successful build.
type Result struct {
	TemplatePath string
	ImageSize    int64
	ImageDigest  strongsum.Digest

	LiteralBytes int64
	MatchedBytes int64

	// ExcludedCandidates lists, sorted by leafname, every candidate that
	// could not participate (too small, unreadable, or excluded mid-scan
	// after an I/O error — spec.md §7 BadCandidate).
	ExcludedCandidates []string
}

// BuildTemplate runs one full build: pre-scan, match, write, persist cache.
// ctx is checked at each event the Matcher emits: every match, and every
// literal run, which the Matcher flushes at the latest once more than
// BufferLimit bytes are pending (and at the end of the image). On
// cancellation or any other error the output file is deleted and never
// reported complete.
func BuildTemplate(ctx context.Context, params Params) (Result, error) {
	rep := params.Report

	if params.W == 0 || params.B == 0 || params.W > params.B {
		return Result{}, fmt.Errorf("%w: W and B must be positive with W <= B (W=%d B=%d)", ErrConfig, params.W, params.B)
	}

	var cache *filecache.Store

	if params.CachePath != "" {
		c, err := filecache.Open(params.CachePath, rep.Warn)
		if err != nil {
			return Result{}, fmt.Errorf("build: opening cache: %w", err)
		}

		cache = c
		defer cache.Close()

		if params.CacheMaxAge > 0 {
			cache.Expire(uint32(time.Now().Unix()), params.CacheMaxAge)
		}
	}

	now := uint32(time.Now().Unix())

	summaries, err := prepareSummaries(params.CandidatePaths, candidate.Params{W: params.W, B: params.B}, cache, now, workerCount(params.MaxWorkers), rep)
	if err != nil {
		return Result{}, err
	}

	idx := candidate.NewIndex(summaries, rep.Warn)

	var maxCandidateSize uint64

	for _, s := range idx.All() {
		if s.Size() > maxCandidateSize {
			maxCandidateSize = s.Size()
		}
	}

	if params.BufferLimit < 0 || uint64(params.BufferLimit) < maxCandidateSize {
		return Result{}, fmt.Errorf("%w: BUFFER_LIMIT %d is smaller than the largest candidate file (%d bytes)", ErrConfig, params.BufferLimit, maxCandidateSize)
	}

	newCompressor, err := compressorFactory(params.CompressionKind, params.CompressionLevel, params.ChunkLimit)
	if err != nil {
		return Result{}, err
	}

	w, err := tmplwriter.New(tmplwriter.Params{
		Dir: params.OutputDir, Base: params.OutputBase, Version: params.Version,
		BlockLength: params.B, NewCompressor: newCompressor,
	})
	if err != nil {
		return Result{}, fmt.Errorf("build: creating template writer: %w", err)
	}

	mp := matcher.Params{W: params.W, B: params.B, MaxMatches: params.MaxMatches, BufferLimit: params.BufferLimit}

	m, err := matcher.New(mp, idx, rep.Warn)
	if err != nil {
		_ = w.Abort()

		return Result{}, fmt.Errorf("build: creating matcher: %w", err)
	}

	img, err := os.Open(params.ImagePath)
	if err != nil {
		_ = w.Abort()

		return Result{}, fmt.Errorf("build: opening image: %w", err)
	}
	defer img.Close()

	var imageTotal int64

	if info, err := img.Stat(); err == nil {
		imageTotal = info.Size()
	}

	var result Result

	emit := func(ev matcher.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch ev.Kind {
		case matcher.EventLiteral:
			result.LiteralBytes += int64(len(ev.Literal))
			rep.Progress(m.ImageSize(), imageTotal)

			return w.Literal(ev.Literal)

		case matcher.EventMatchEmitted:
			digest, err := ev.Summary.FullDigest()
			if err != nil {
				return fmt.Errorf("build: digest of matched %q: %w", ev.Summary.Leafname(), err)
			}

			rsum0, err := ev.Summary.Rsum0(nil)
			if err != nil {
				return fmt.Errorf("build: rsum0 of matched %q: %w", ev.Summary.Leafname(), err)
			}

			result.MatchedBytes += int64(ev.Summary.Size())
			rep.Progress(m.ImageSize(), imageTotal)

			return w.Match(tmplwriter.MatchedFile{
				StartOff: ev.StartOff, Size: ev.Summary.Size(), Digest: digest, Rsum0: rsum0,
			})
		}

		return nil
	}

	if err := m.Run(img, emit); err != nil {
		_ = w.Abort()

		return Result{}, fmt.Errorf("build: scanning image: %w", err)
	}

	if err := w.Finalize(m.ImageSize(), m.ImageDigest()); err != nil {
		_ = w.Abort()

		return Result{}, fmt.Errorf("build: finalizing template: %w", err)
	}

	result.TemplatePath = filepath.Join(params.OutputDir, params.OutputBase)
	result.ImageSize = m.ImageSize()
	result.ImageDigest = m.ImageDigest()

	for _, s := range summaries {
		if s.Excluded() {
			result.ExcludedCandidates = append(result.ExcludedCandidates, s.Leafname())
		}
	}

	sort.Strings(result.ExcludedCandidates)

	if cache != nil {
		for _, s := range idx.All() {
			if err := s.SaveToCache(cache, now); err != nil {
				rep.Warn("build: saving %q to cache: %v", s.Leafname(), err)
			}
		}

		if err := cache.Commit(); err != nil {
			rep.Warn("build: committing cache: %v", err)
		}
	}

	return result, nil
}

// prepareSummaries computes every candidate's FileSummary (spec.md §4.4),
// reusing cached block digests where possible. The image scan never begins
// until every summary here is resolved (spec.md §5: "must finalize all
// cache writes before the image scan starts").
//
// filecache.Store is single-writer (spec §5): Store.Find is not just a
// read, it stamps lastAccess and sets the store dirty on every hit, so it
// must never be called from more than one goroutine at a time. Cache
// lookups therefore run in a first, strictly serial pass; only the actual
// digest computation (pure file I/O, touching no shared state) runs in the
// bounded-parallel second pass.
func prepareSummaries(paths []string, params candidate.Params, cache *filecache.Store, now uint32, workers int, rep *report.Sink) ([]*candidate.Summary, error) {
	summaries := make([]*candidate.Summary, len(paths))

	for i, p := range paths {
		leaf := filepath.Base(p)

		s, err := candidate.NewSummary(p, leaf, params)
		if err != nil {
			rep.Warn("excluding candidate %q: %v", leaf, err)
		}

		if cache != nil && !s.Excluded() {
			_ = s.LoadFromCache(cache, now) // cache miss/mismatch falls through to a fresh computation below
		}

		summaries[i] = s
	}

	sem := make(chan struct{}, workers)

	var wg sync.WaitGroup

	for _, s := range summaries {
		if s.Excluded() {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}

		go func(s *candidate.Summary) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := s.Rsum0(nil); err != nil {
				rep.Warn("excluding candidate %q: %v", s.Leafname(), err)
			}
		}(s)
	}

	wg.Wait()

	return summaries, nil
}

func workerCount(requested int) int {
	if requested > 0 {
		return requested
	}

	if n := runtime.NumCPU(); n > 0 {
		return n
	}

	return 1
}

func compressorFactory(kind zpart.Kind, level, chunkLimit int) (func() (zpart.Compressor, error), error) {
	switch kind {
	case zpart.KindDeflate:
		limit := chunkLimit
		if limit <= 0 {
			limit = 256 * 1024
		}

		return func() (zpart.Compressor, error) { return zpart.NewDeflate(level, limit) }, nil

	case zpart.KindBlockSort:
		return func() (zpart.Compressor, error) { return zpart.NewBlockSort(level) }, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression kind %v", ErrConfig, kind)
	}
}
