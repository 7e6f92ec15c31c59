package build_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jigdo-go/mktemplate/internal/build"
	"github.com/jigdo-go/mktemplate/internal/report"
	"github.com/jigdo-go/mktemplate/pkg/zpart"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func baseParams(t *testing.T, imagePath string, candidatePaths []string, outDir, cachePath string) build.Params {
	t.Helper()

	return build.Params{
		ImagePath:        imagePath,
		CandidatePaths:   candidatePaths,
		W:                4,
		B:                4,
		MaxMatches:       16,
		BufferLimit:      1 << 20,
		CompressionKind:  zpart.KindDeflate,
		CompressionLevel: 6,
		ChunkLimit:       1 << 20,
		CachePath:        cachePath,
		OutputDir:        outDir,
		OutputBase:       "out.tmpl",
		Version:          1,
	}
}

func Test_BuildTemplate_Splits_Literal_And_Matched_Bytes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	candidate := writeFile(t, dir, "candidate.bin", []byte("ABCDEFGH")) // 8 bytes, 2 blocks of B=4
	image := writeFile(t, dir, "image.bin", []byte("XXABCDEFGHYY"))

	outDir := t.TempDir()

	result, err := build.BuildTemplate(context.Background(), baseParams(t, image, []string{candidate}, outDir, ""))
	require.NoError(t, err)

	require.Equal(t, int64(12), result.ImageSize)
	require.Equal(t, int64(8), result.MatchedBytes)
	require.Equal(t, int64(4), result.LiteralBytes) // "XX" + "YY"
	require.Empty(t, result.ExcludedCandidates)

	_, statErr := os.Stat(result.TemplatePath)
	require.NoError(t, statErr)
}

func Test_BuildTemplate_Excludes_Candidate_Smaller_Than_W(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	tiny := writeFile(t, dir, "tiny.bin", []byte("AB")) // smaller than W=4
	image := writeFile(t, dir, "image.bin", []byte("no matches here, just literal bytes"))

	outDir := t.TempDir()

	result, err := build.BuildTemplate(context.Background(), baseParams(t, image, []string{tiny}, outDir, ""))
	require.NoError(t, err)

	require.Equal(t, []string{"tiny.bin"}, result.ExcludedCandidates)
	require.Equal(t, result.ImageSize, result.LiteralBytes)
}

func Test_BuildTemplate_Rejects_W_Greater_Than_B(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	image := writeFile(t, dir, "image.bin", []byte("irrelevant"))

	params := baseParams(t, image, nil, t.TempDir(), "")
	params.W = 8
	params.B = 4

	_, err := build.BuildTemplate(context.Background(), params)
	require.ErrorIs(t, err, build.ErrConfig)
}

func Test_BuildTemplate_Rejects_BufferLimit_Smaller_Than_Largest_Candidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	candidate := writeFile(t, dir, "candidate.bin", []byte("ABCDEFGHIJKLMNOP")) // 16 bytes
	image := writeFile(t, dir, "image.bin", []byte("ABCDEFGHIJKLMNOP"))

	params := baseParams(t, image, []string{candidate}, t.TempDir(), "")
	params.BufferLimit = 4

	_, err := build.BuildTemplate(context.Background(), params)
	require.ErrorIs(t, err, build.ErrConfig)
}

func Test_BuildTemplate_Is_Byte_Identical_Across_Runs_With_Warm_Cache(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	candidate := writeFile(t, dir, "candidate.bin", []byte("ABCDEFGH"))
	image := writeFile(t, dir, "image.bin", []byte("XXABCDEFGHYY"))

	cachePath := filepath.Join(t.TempDir(), "cache.db")

	var rep report.Sink

	out1 := t.TempDir()
	params1 := baseParams(t, image, []string{candidate}, out1, cachePath)
	params1.Report = &rep

	result1, err := build.BuildTemplate(context.Background(), params1)
	require.NoError(t, err)

	out2 := t.TempDir()
	params2 := baseParams(t, image, []string{candidate}, out2, cachePath)
	params2.Report = &rep

	// Second run reuses the cache populated by the first; the resulting
	// template must be bit-identical (spec.md §8 scenario 5).
	result2, err := build.BuildTemplate(context.Background(), params2)
	require.NoError(t, err)

	require.Equal(t, result1.ImageDigest, result2.ImageDigest)

	data1, err := os.ReadFile(result1.TemplatePath)
	require.NoError(t, err)

	data2, err := os.ReadFile(result2.TemplatePath)
	require.NoError(t, err)

	if diff := cmp.Diff(data1, data2); diff != "" {
		t.Fatalf("template differs across runs (-first +second):\n%s", diff)
	}
}

func Test_BuildTemplate_Honors_Context_Cancellation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	image := writeFile(t, dir, "image.bin", []byte("some literal bytes with no candidates at all"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := build.BuildTemplate(ctx, baseParams(t, image, nil, t.TempDir(), ""))
	require.Error(t, err)
}
