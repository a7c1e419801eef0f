package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	t.Run("empty input yields no blocks", func(t *testing.T) {
		res, err := Split(bytes.NewReader(nil), 4)
		require.NoError(t, err)

		assert.Empty(t, res.Blocks)
		assert.Equal(t, HashContent(nil), res.Combined)
	})

	t.Run("single block uses the block digest as combined hash", func(t *testing.T) {
		content := []byte("hello")
		res, err := Split(bytes.NewReader(content), 16)
		require.NoError(t, err)

		require.Len(t, res.Blocks, 1)
		assert.Equal(t, HashContent(content), res.Blocks[0].Digest)
		assert.Equal(t, int64(5), res.Blocks[0].Length)
		assert.Equal(t, res.Blocks[0].Digest, res.Combined)
	})

	t.Run("splits at exact block boundaries", func(t *testing.T) {
		content := []byte("aaaabbbbcc") // 10 bytes, block size 4
		res, err := Split(bytes.NewReader(content), 4)
		require.NoError(t, err)

		require.Len(t, res.Blocks, 3)
		assert.Equal(t, HashContent([]byte("aaaa")), res.Blocks[0].Digest)
		assert.Equal(t, HashContent([]byte("bbbb")), res.Blocks[1].Digest)
		assert.Equal(t, HashContent([]byte("cc")), res.Blocks[2].Digest)
		assert.Equal(t, int64(4), res.Blocks[0].Length)
		assert.Equal(t, int64(4), res.Blocks[1].Length)
		assert.Equal(t, int64(2), res.Blocks[2].Length)
	})

	t.Run("content a multiple of block size has no short block", func(t *testing.T) {
		content := bytes.Repeat([]byte("x"), 8)
		res, err := Split(bytes.NewReader(content), 4)
		require.NoError(t, err)

		require.Len(t, res.Blocks, 2)
		assert.Equal(t, int64(4), res.Blocks[0].Length)
		assert.Equal(t, int64(4), res.Blocks[1].Length)
	})

	t.Run("multi-block combined hash concatenates raw digests", func(t *testing.T) {
		content := []byte("aaaabbbb")
		res, err := Split(bytes.NewReader(content), 4)
		require.NoError(t, err)
		require.Len(t, res.Blocks, 2)

		d1 := sha256.Sum256([]byte("aaaa"))
		d2 := sha256.Sum256([]byte("bbbb"))
		want := sha256.Sum256(append(d1[:], d2[:]...))
		assert.Equal(t, hex.EncodeToString(want[:]), res.Combined)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		content := bytes.Repeat([]byte("drift"), 100)
		first, err := Split(bytes.NewReader(content), 64)
		require.NoError(t, err)
		second, err := Split(bytes.NewReader(content), 64)
		require.NoError(t, err)

		require.Len(t, second.Blocks, len(first.Blocks))
		for i := range first.Blocks {
			assert.Equal(t, first.Blocks[i].Digest, second.Blocks[i].Digest)
			assert.Equal(t, first.Blocks[i].Length, second.Blocks[i].Length)
		}
		assert.Equal(t, first.Combined, second.Combined)
	})

	t.Run("shared prefix blocks share digests", func(t *testing.T) {
		a, err := Split(bytes.NewReader([]byte("aaaabbbbcccc")), 4)
		require.NoError(t, err)
		b, err := Split(bytes.NewReader([]byte("aaaabbbbzzzz")), 4)
		require.NoError(t, err)

		assert.Equal(t, a.Blocks[0].Digest, b.Blocks[0].Digest)
		assert.Equal(t, a.Blocks[1].Digest, b.Blocks[1].Digest)
		assert.NotEqual(t, a.Blocks[2].Digest, b.Blocks[2].Digest)
		assert.NotEqual(t, a.Combined, b.Combined)
	})

	t.Run("rejects non-positive block size", func(t *testing.T) {
		_, err := Split(bytes.NewReader([]byte("x")), 0)
		assert.Error(t, err)
	})
}

func TestSplitFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("aaaabbbbcc")
	require.NoError(t, os.WriteFile(path, content, 0644))

	res, err := SplitFile(path, 4)
	require.NoError(t, err)
	require.Len(t, res.Blocks, 3)

	want, err := Split(bytes.NewReader(content), 4)
	require.NoError(t, err)
	assert.Equal(t, want.Combined, res.Combined)

	t.Run("missing file", func(t *testing.T) {
		_, err := SplitFile(filepath.Join(dir, "absent"), 4)
		assert.Error(t, err)
	})
}

func TestSplitAll(t *testing.T) {
	dir := t.TempDir()
	var jobs []Job
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("content of "+name), 0644))
		jobs = append(jobs, Job{Path: name, AbsPath: path})
	}

	results, err := SplitAll(jobs, 8, 2)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, job := range jobs {
		res, ok := results[job.Path]
		require.True(t, ok, "missing result for %s", job.Path)
		want, err := SplitFile(job.AbsPath, 8)
		require.NoError(t, err)
		assert.Equal(t, want.Combined, res.Combined)
	}

	t.Run("propagates worker errors", func(t *testing.T) {
		bad := []Job{{Path: "gone", AbsPath: filepath.Join(dir, "gone")}}
		_, err := SplitAll(bad, 8, 2)
		assert.Error(t, err)
	})

	t.Run("no jobs", func(t *testing.T) {
		results, err := SplitAll(nil, 8, 2)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
