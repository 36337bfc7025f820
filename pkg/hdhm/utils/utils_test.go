package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicFileCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestAtomicFileCloseWithoutCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta")

	af, err := NewAtomicFile(path)
	require.NoError(t, err)
	_, err = af.Write([]byte("discard"))
	require.NoError(t, err)
	require.NoError(t, af.Close())

	assert.False(t, FileExists(path))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLinkOrCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(dir, "dst")
	require.NoError(t, LinkOrCopy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	assert.Error(t, LinkOrCopy(src, dst), "existing destination must not be overwritten")
}

func TestMapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("mapped bytes"), 0644))

	m, err := MapFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mapped bytes", string(m.Data()))
	require.NoError(t, m.Close())

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	m, err = MapFile(empty)
	require.NoError(t, err)
	assert.Empty(t, m.Data())
	require.NoError(t, m.Close())
}

func TestBLAKE3File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sum, err := ComputeBLAKE3File(path)
	require.NoError(t, err)
	assert.Equal(t, "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85", sum)

	require.NoError(t, VerifyBLAKE3File(path, sum))
	require.NoError(t, VerifyBLAKE3File(path, ""))

	err = VerifyBLAKE3File(path, strings.Repeat("0", 64))
	assert.True(t, errors.Is(err, common.ErrChecksumMismatch))
}

func TestCRC32C(t *testing.T) {
	data := []byte("hello world")
	crc := ComputeCRC32C(data)
	assert.True(t, VerifyCRC32C(data, crc))
	assert.Equal(t, crc, ComputeCRC32CMulti([]byte("hello "), []byte("world")))
	assert.False(t, VerifyCRC32C([]byte("hello worle"), crc))
}
