// mktemplate builds a JigsawDownload template file from an image and a
// pool of candidate files.
//
// Usage:
//
//	mktemplate -i <image> -d <candidate-dir> -o <template-file> [options]
//
// Options:
//
//	-i, --image            Path to the image file (required)
//	-d, --candidates       Directory of candidate files (required; non-recursive)
//	-o, --output           Path to the template file to write (required)
//	-w, --window           Rolling-window size W (default: 4096)
//	-b, --block            Strong-block size B (default: 4096)
//	    --max-matches      Cap on concurrently live PartialMatches (default: 1024)
//	    --buffer-limit     Max bytes of unconfirmed pending literal data (default: 64 MiB)
//	    --compression      Compression kind: deflate|bzip2 (default: deflate)
//	    --level            Compression level, 1-9 (default: 6)
//	    --chunk-limit      Max uncompressed bytes per DATA part (deflate only; default: 256 KiB)
//	    --cache            Path to the FileSummary cache (default: disabled)
//	    --cache-max-age    Seconds after which a cache entry is considered stale (default: 0, never)
//	-v, --verbose          Print progress and informational messages to stderr
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/jigdo-go/mktemplate/internal/build"
	"github.com/jigdo-go/mktemplate/internal/report"
	"github.com/jigdo-go/mktemplate/pkg/zpart"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	flagSet := flag.NewFlagSet("mktemplate", flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: mktemplate -i <image> -d <candidate-dir> -o <template-file> [options]\n\n")
		flagSet.PrintDefaults()
	}

	image := flagSet.StringP("image", "i", "", "path to the image file")
	candidateDir := flagSet.StringP("candidates", "d", "", "directory of candidate files")
	output := flagSet.StringP("output", "o", "", "path to the template file to write")
	window := flagSet.Uint32P("window", "w", 4096, "rolling-window size W")
	block := flagSet.Uint32P("block", "b", 4096, "strong-block size B")
	maxMatches := flagSet.Int("max-matches", 1024, "cap on concurrently live PartialMatches")
	bufferLimit := flagSet.Int64("buffer-limit", 64<<20, "max bytes of unconfirmed pending literal data")
	compression := flagSet.String("compression", "deflate", "compression kind: deflate|bzip2")
	level := flagSet.Int("level", 6, "compression level (deflate: 1-9, bzip2: 1-9)")
	chunkLimit := flagSet.Int("chunk-limit", 256<<10, "max uncompressed bytes per DATA part (deflate only)")
	cachePath := flagSet.String("cache", "", "path to the FileSummary cache")
	cacheMaxAge := flagSet.Int32("cache-max-age", 0, "seconds after which a cache entry is stale (0 = never)")
	verbose := flagSet.BoolP("verbose", "v", false, "print progress and informational messages to stderr")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	if *image == "" || *candidateDir == "" || *output == "" {
		flagSet.Usage()

		return 2
	}

	kind, err := parseCompressionKind(*compression)
	if err != nil {
		fmt.Fprintln(stderr, "mktemplate:", err)

		return 2
	}

	candidatePaths, err := listCandidates(*candidateDir)
	if err != nil {
		fmt.Fprintln(stderr, "mktemplate:", err)

		return 1
	}

	rep := &report.Sink{
		OnWarn: func(format string, a ...any) { fmt.Fprintf(stderr, "warn: "+format+"\n", a...) },
	}

	if *verbose {
		rep.OnInfo = func(format string, a ...any) { fmt.Fprintf(stderr, format+"\n", a...) }
		rep.OnProgress = func(done, total int64) { fmt.Fprintf(stderr, "\rprogress: %d/%d bytes", done, total) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	params := build.Params{
		ImagePath:        *image,
		CandidatePaths:   candidatePaths,
		W:                *window,
		B:                *block,
		MaxMatches:       *maxMatches,
		BufferLimit:      *bufferLimit,
		CompressionKind:  kind,
		CompressionLevel: *level,
		ChunkLimit:       *chunkLimit,
		CachePath:        *cachePath,
		CacheMaxAge:      *cacheMaxAge,
		OutputDir:        filepath.Dir(*output),
		OutputBase:       filepath.Base(*output),
		Version:          1,
		Report:           rep,
	}

	result, err := build.BuildTemplate(ctx, params)
	if *verbose {
		fmt.Fprintln(stderr)
	}

	if err != nil {
		fmt.Fprintln(stderr, "mktemplate:", err)

		return 1
	}

	fmt.Fprintf(stdout, "wrote %s (%d bytes image, %d matched, %d literal)\n",
		result.TemplatePath, result.ImageSize, result.MatchedBytes, result.LiteralBytes)

	for _, leaf := range result.ExcludedCandidates {
		fmt.Fprintf(stdout, "excluded candidate: %s\n", leaf)
	}

	return 0
}

func parseCompressionKind(s string) (zpart.Kind, error) {
	switch s {
	case "deflate":
		return zpart.KindDeflate, nil
	case "bzip2":
		return zpart.KindBlockSort, nil
	default:
		return 0, fmt.Errorf("unknown compression kind %q (want deflate or bzip2)", s)
	}
}

// listCandidates returns the full paths of every non-directory entry
// directly inside dir (non-recursive, per spec.md §3's definition of the candidate
// pool).
func listCandidates(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading candidate directory %q: %w", dir, err)
	}

	var paths []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	return paths, nil
}
