package hdhm

import (
	"fmt"
	"os"
	"testing"

	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStringKeySet(t *testing.T, bufferSize int) *HalfDiskVirtualKeySet[string] {
	t.Helper()
	opts := DefaultKeySetOptions()
	opts.TempDir = t.TempDir()
	opts.MapSize = 10_000
	opts.BufferSize = bufferSize
	opts.BloomSizeInBits = 1 << 16
	opts.Map.Logger = testOptions(t).Logger
	s, err := NewVirtualKeySet[string](bucket.StringKeySerializer{}, opts)
	require.NoError(t, err)
	return s
}

func TestKeySetContains(t *testing.T) {
	s := newStringKeySet(t, 10)
	defer s.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Add(fmt.Sprintf("key-%d", i)))
	}
	assert.LessOrEqual(t, len(s.buffer), 10)
	assert.GreaterOrEqual(t, s.m.FileSizeStatistics().Count, 2, "buffer was flushed to the backing map")

	for i := 0; i < 25; i++ {
		ok, err := s.Contains(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.True(t, ok, "key-%d", i)
	}
	for i := 25; i < 500; i++ {
		ok, err := s.Contains(fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
		assert.False(t, ok, "key-%d was never added", i)
	}
}

func TestKeySetFlushAndDuplicates(t *testing.T) {
	s := newStringKeySet(t, 100)
	defer s.Close()

	require.NoError(t, s.Add("x"))
	require.NoError(t, s.Add("x"))
	assert.Len(t, s.buffer, 1)

	require.NoError(t, s.Flush())
	assert.Empty(t, s.buffer)
	ok, err := s.Contains("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Greater(t, s.BloomFalsePositiveRate(), 0.0)
}

func TestKeySetClose(t *testing.T) {
	s := newStringKeySet(t, 10)
	require.NoError(t, s.Add("a"))
	dir := s.dir
	require.DirExists(t, dir)

	require.NoError(t, s.Close())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, s.Close(), ErrClosed)
	assert.ErrorIs(t, s.Add("b"), ErrClosed)
	_, err = s.Contains("a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKeySetNilKey(t *testing.T) {
	opts := DefaultKeySetOptions()
	opts.TempDir = t.TempDir()
	opts.MapSize = 100
	s, err := NewVirtualKeySet[[]byte](bucket.BytesKeySerializer{}, opts)
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.Add(nil), ErrInvalidArgument)
	_, err = s.Contains(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
