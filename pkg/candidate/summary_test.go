package candidate_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jigdo-go/mktemplate/pkg/candidate"
	"github.com/jigdo-go/mktemplate/pkg/strongsum"
)

func writeCandidateFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path
}

func Test_NewSummary_Excludes_Files_Smaller_Than_W(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeCandidateFile(t, dir, "tiny.bin", bytes.Repeat([]byte{1}, 10))

	s, err := candidate.NewSummary(path, "tiny.bin", candidate.Params{W: 100, B: 1000})
	require.NoError(t, err)
	require.True(t, s.Excluded())
}

func Test_NewSummary_Excludes_On_Missing_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	s, err := candidate.NewSummary(filepath.Join(dir, "nope.bin"), "nope.bin", candidate.Params{W: 10, B: 100})
	require.Error(t, err)
	require.True(t, s.Excluded())
}

func Test_BlockDigest_Matches_Independently_Computed_Digest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := bytes.Repeat([]byte{0xAB}, 250)
	path := writeCandidateFile(t, dir, "f.bin", content)

	s, err := candidate.NewSummary(path, "f.bin", candidate.Params{W: 10, B: 100})
	require.NoError(t, err)
	require.False(t, s.Excluded())
	require.Equal(t, 3, s.BlockCount())

	d0, err := s.BlockDigest(0)
	require.NoError(t, err)
	require.Equal(t, strongsum.Sum(content[0:100]), d0)

	d2, err := s.BlockDigest(2)
	require.NoError(t, err)
	require.Equal(t, strongsum.Sum(content[200:250]), d2)
}

func Test_FullDigest_Matches_Whole_File_Sum(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk ")
	content = bytes.Repeat(content, 20)
	path := writeCandidateFile(t, dir, "f.bin", content)

	s, err := candidate.NewSummary(path, "f.bin", candidate.Params{W: 64, B: 256})
	require.NoError(t, err)

	got, err := s.FullDigest()
	require.NoError(t, err)
	require.Equal(t, strongsum.Sum(content), got)
}

func Test_Rsum0_Uses_Only_Leading_W_Bytes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := bytes.Repeat([]byte{7}, 500)
	path := writeCandidateFile(t, dir, "f.bin", content)

	s, err := candidate.NewSummary(path, "f.bin", candidate.Params{W: 64, B: 256})
	require.NoError(t, err)

	got, err := s.Rsum0(nil)
	require.NoError(t, err)

	s2, err := candidate.NewSummary(writeCandidateFile(t, dir, "g.bin", content[:64]), "g.bin", candidate.Params{W: 64, B: 256})
	require.NoError(t, err)

	want, err := s2.Rsum0(nil)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func Test_Index_Lookup_Groups_Files_Sharing_Rsum0(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := bytes.Repeat([]byte{9}, 200)

	pathA := writeCandidateFile(t, dir, "a.bin", content)
	pathB := writeCandidateFile(t, dir, "b.bin", content)

	params := candidate.Params{W: 64, B: 100}

	sa, err := candidate.NewSummary(pathA, "a.bin", params)
	require.NoError(t, err)

	sb, err := candidate.NewSummary(pathB, "b.bin", params)
	require.NoError(t, err)

	idx := candidate.NewIndex([]*candidate.Summary{sa, sb}, nil)

	r, err := sa.Rsum0(nil)
	require.NoError(t, err)

	got := idx.Lookup(r)
	require.Len(t, got, 2)
}

func Test_Index_Exclude_Removes_Summary_From_Bucket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := bytes.Repeat([]byte{3}, 200)
	path := writeCandidateFile(t, dir, "a.bin", content)

	params := candidate.Params{W: 64, B: 100}

	sa, err := candidate.NewSummary(path, "a.bin", params)
	require.NoError(t, err)

	idx := candidate.NewIndex([]*candidate.Summary{sa}, nil)

	r, err := sa.Rsum0(nil)
	require.NoError(t, err)
	require.Len(t, idx.Lookup(r), 1)

	idx.Exclude(sa)

	require.Empty(t, idx.Lookup(r))
	require.True(t, sa.Excluded())
}

func Test_Index_NewIndex_Warns_And_Excludes_Unreadable_First_Window(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := bytes.Repeat([]byte{5}, 200)
	path := writeCandidateFile(t, dir, "a.bin", content)

	params := candidate.Params{W: 64, B: 100}

	sa, err := candidate.NewSummary(path, "a.bin", params)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	var warned bool

	idx := candidate.NewIndex([]*candidate.Summary{sa}, func(format string, args ...any) { warned = true })
	require.True(t, warned)
	require.True(t, sa.Excluded())
	require.Empty(t, idx.All())
}
