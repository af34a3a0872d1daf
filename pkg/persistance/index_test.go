package persistance

import (
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/dberrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentIndex_Floor(t *testing.T) {
	ix := newSegmentIndex(1, 0, 2)
	for i, key := range []string{"a", "b", "c", "d", "e"} {
		ix.add(i, key, int64(100+i))
	}

	assert.Equal(t, 3, ix.Len())
	assert.False(t, ix.Dense())
	assert.True(t, ix.Contains("c"))
	assert.False(t, ix.Contains("b"))

	_, ok := ix.Floor("0")
	assert.False(t, ok)

	off, ok := ix.Floor("b")
	require.True(t, ok)
	assert.Equal(t, int64(100), off)

	off, ok = ix.Floor("c")
	require.True(t, ok)
	assert.Equal(t, int64(102), off)

	off, ok = ix.Floor("zzz")
	require.True(t, ok)
	assert.Equal(t, int64(104), off)
}

func TestSegmentIndex_WriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexFileName(5))

	ix := newSegmentIndex(5, 2, 1)
	ix.add(0, "alpha", 20)
	ix.add(1, "beta", 40)
	require.NoError(t, ix.writeFile(path))

	loaded, err := LoadSegmentIndex(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.SegmentNumber())
	assert.Equal(t, 2, loaded.SegmentLevel())
	assert.Equal(t, path, loaded.Path())
	assert.True(t, loaded.Dense())
	assert.Equal(t, ix.keys, loaded.keys)
	assert.Equal(t, ix.offsets, loaded.offsets)
}

func TestLoadSegmentIndex_Truncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IndexFileName(5))

	ix := newSegmentIndex(5, 0, 1)
	ix.add(0, "alpha", 20)
	require.NoError(t, ix.writeFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	_, err = LoadSegmentIndex(path)
	assert.ErrorIs(t, err, dberrors.ErrCorrupted)

	require.NoError(t, os.Truncate(path, 3))
	_, err = LoadSegmentIndex(path)
	assert.ErrorIs(t, err, dberrors.ErrCorrupted)
}

func TestRemoveTempFiles(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, SegmentFileName(3)+tmpExt)
	keep := filepath.Join(dir, SegmentFileName(4))
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0600))
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0600))

	require.NoError(t, RemoveTempFiles(dir))
	assert.NoFileExists(t, tmp)
	assert.FileExists(t, keep)
}
