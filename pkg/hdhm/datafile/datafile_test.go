package datafile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func openCollection(t *testing.T, dir string) *Collection {
	t.Helper()
	c, err := Open(dir, "store", Options{DataVersion: 1, VerifyChecksumsOnLoad: true})
	require.NoError(t, err)
	return c
}

// writeFile stores value(key) for every key and publishes the locations.
func writeFile(t *testing.T, c *Collection, index longlist.LongList, keys []uint64, value func(uint64) string) {
	t.Helper()
	require.NoError(t, c.StartWriting())
	locs := make(map[uint64]uint64, len(keys))
	for _, k := range keys {
		loc, err := c.StoreItem(k, []byte(value(k)))
		require.NoError(t, err)
		locs[k] = loc
	}
	_, err := c.EndWriting(keys[0], keys[len(keys)-1])
	require.NoError(t, err)
	for k, loc := range locs {
		require.NoError(t, index.Put(k, loc))
	}
}

func readString(t *testing.T, c *Collection, index longlist.LongList, key uint64) (string, bool) {
	t.Helper()
	item, release, found, err := c.ReadItemAt(index, key)
	require.NoError(t, err)
	if !found {
		return "", false
	}
	defer release()
	return string(item.Data), true
}

func keyRange(from, to uint64) []uint64 {
	keys := make([]uint64, 0, to-from)
	for k := from; k < to; k++ {
		keys = append(keys, k)
	}
	return keys
}

func TestLocationPacking(t *testing.T) {
	loc, err := Location(3, 12345)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), FileIndex(loc))
	assert.Equal(t, uint64(12345), Offset(loc))
	assert.Equal(t, "3@12345", FormatLocation(loc))
	assert.Equal(t, "none", FormatLocation(0))

	_, err = Location(0, 1)
	assert.ErrorIs(t, err, common.ErrInvalidOffset)
	_, err = Location(1, common.MaxDataFileBytes)
	assert.ErrorIs(t, err, common.ErrInvalidOffset)
}

func TestFileName(t *testing.T) {
	name := FileName("acct", 42)
	assert.Equal(t, "acct_000042.hdf", name)
	idx, ok := ParseFileName("acct", name)
	require.True(t, ok)
	assert.Equal(t, uint32(42), idx)
	_, ok = ParseFileName("other", name)
	assert.False(t, ok)
}

func TestCollectionWriteReadReopen(t *testing.T) {
	dir := t.TempDir()
	c := openCollection(t, dir)
	index := longlist.NewInMemory(1024)

	writeFile(t, c, index, keyRange(0, 100), func(k uint64) string { return fmt.Sprintf("v1-%d", k) })
	writeFile(t, c, index, keyRange(50, 60), func(k uint64) string { return fmt.Sprintf("v2-%d", k) })

	v, ok := readString(t, c, index, 10)
	require.True(t, ok)
	assert.Equal(t, "v1-10", v)
	v, ok = readString(t, c, index, 55)
	require.True(t, ok)
	assert.Equal(t, "v2-55", v)
	_, ok = readString(t, c, index, 500)
	assert.False(t, ok)

	assert.Equal(t, 2, c.NumFiles())
	stats := c.FileSizeStatistics()
	assert.Equal(t, 2, stats.Count)
	assert.LessOrEqual(t, stats.MinBytes, stats.MaxBytes)
	assert.InDelta(t, float64(stats.TotalBytes)/2, stats.AvgBytes, 0.001)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Close(), common.ErrClosed)

	// rebuild the index from the files in creation order
	c = openCollection(t, dir)
	defer c.Close()
	rebuilt := longlist.NewInMemory(1024)
	require.NoError(t, c.ForEachItem(func(key, loc uint64) error {
		return rebuilt.Put(key, loc)
	}))
	v, ok = readString(t, c, rebuilt, 55)
	require.True(t, ok)
	assert.Equal(t, "v2-55", v)
	v, ok = readString(t, c, rebuilt, 99)
	require.True(t, ok)
	assert.Equal(t, "v1-99", v)
}

func TestCollectionRemovesUnsealedFiles(t *testing.T) {
	dir := t.TempDir()
	c := openCollection(t, dir)
	index := longlist.NewInMemory(16)
	writeFile(t, c, index, []uint64{1}, func(uint64) string { return "x" })

	require.NoError(t, c.StartWriting())
	_, err := c.StoreItem(2, []byte("partial"))
	require.NoError(t, err)
	// simulate a crash: the session is never ended
	unsealed := filepath.Join(dir, FileName("store", 2))
	require.FileExists(t, unsealed)
	c.writer.Store(nil)
	require.NoError(t, c.Close())

	c = openCollection(t, dir)
	defer c.Close()
	assert.NoFileExists(t, unsealed)
	assert.Equal(t, 1, c.NumFiles())

	require.NoError(t, c.StartWriting())
	_, err = c.StoreItem(3, []byte("y"))
	require.NoError(t, err)
	r, err := c.EndWriting(0, 0)
	require.NoError(t, err)
	assert.Greater(t, r.Index(), uint32(2), "file indices are never reused")
	assert.Equal(t, uint64(3), r.Info().MinKey)
}

func TestCollectionSessionState(t *testing.T) {
	c := openCollection(t, t.TempDir())
	defer c.Close()

	_, err := c.StoreItem(1, nil)
	assert.ErrorIs(t, err, common.ErrIllegalState)
	_, err = c.EndWriting(0, 0)
	assert.ErrorIs(t, err, common.ErrIllegalState)

	require.NoError(t, c.StartWriting())
	assert.ErrorIs(t, c.StartWriting(), common.ErrIllegalState)

	r, err := c.EndWriting(0, 0)
	require.NoError(t, err)
	assert.Nil(t, r, "empty session writes no file")
	assert.Equal(t, 0, c.NumFiles())
}

func TestCollectionChecksumVerification(t *testing.T) {
	dir := t.TempDir()
	c := openCollection(t, dir)
	index := longlist.NewInMemory(16)
	writeFile(t, c, index, []uint64{1, 2}, func(uint64) string { return "payload" })
	require.NoError(t, c.Close())

	path := filepath.Join(dir, FileName("store", 1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[HeaderSize+15] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = Open(dir, "store", Options{DataVersion: 1, VerifyChecksumsOnLoad: true})
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)

	c, err = Open(dir, "store", Options{DataVersion: 1})
	require.NoError(t, err)
	defer c.Close()
	_, _, _, err = c.ReadItemAt(index, 1)
	assert.ErrorIs(t, err, common.ErrCRCMismatch)
}

func TestMergeFiles(t *testing.T) {
	dir := t.TempDir()
	c := openCollection(t, dir)
	defer c.Close()
	index := longlist.NewInMemory(1024)

	writeFile(t, c, index, keyRange(0, 100), func(k uint64) string { return fmt.Sprintf("a%d", k) })
	writeFile(t, c, index, keyRange(0, 50), func(k uint64) string { return fmt.Sprintf("b%d", k) })
	writeFile(t, c, index, keyRange(90, 100), func(k uint64) string { return fmt.Sprintf("c%d", k) })

	// hold a read on the oldest file across the merge
	oldLoc := index.Get(71, 0)
	held, release, err := c.ReadItem(oldLoc)
	require.NoError(t, err)

	files := c.FilesAvailableForMerge()
	require.Len(t, files, 3)
	transform := func(key uint64, data []byte, _ uint64) ([]byte, error) {
		if key%10 == 0 {
			return nil, nil
		}
		return append([]byte(nil), data...), nil
	}
	res, err := c.MergeFiles(context.Background(), index, files[:2], semaphore.NewWeighted(1), transform)
	require.NoError(t, err)
	assert.Len(t, res.Inputs, 2)
	require.Len(t, res.Outputs, 1)
	assert.True(t, res.Outputs[0].Merged)
	assert.Equal(t, 60, res.Skipped, "superseded records are not copied")
	assert.Equal(t, 9, res.Dropped)

	assert.Equal(t, 2, c.NumFiles())
	all := c.Files()
	assert.Equal(t, res.Outputs[0].Index, all[0].Index, "merge output takes the place of its inputs")
	assert.Equal(t, files[2].Index, all[1].Index)

	v, ok := readString(t, c, index, 25)
	require.True(t, ok)
	assert.Equal(t, "b25", v)
	v, ok = readString(t, c, index, 71)
	require.True(t, ok)
	assert.Equal(t, "a71", v)
	v, ok = readString(t, c, index, 95)
	require.True(t, ok)
	assert.Equal(t, "c95", v)
	_, ok = readString(t, c, index, 20)
	assert.False(t, ok)

	// the held record stays readable until released, then the file goes
	assert.Equal(t, "a71", string(held.Data))
	oldPath := filepath.Join(dir, FileName("store", files[0].Index))
	assert.FileExists(t, oldPath)
	release()
	assert.NoFileExists(t, oldPath)
	assert.NoFileExists(t, filepath.Join(dir, FileName("store", files[1].Index)))

	_, _, err = c.ReadItem(oldLoc)
	assert.ErrorIs(t, err, common.ErrFileRetired)

	// survives reopen
	require.NoError(t, c.Close())
	c2 := openCollection(t, dir)
	defer c2.Close()
	rebuilt := longlist.NewInMemory(1024)
	require.NoError(t, c2.ForEachItem(func(key, loc uint64) error { return rebuilt.Put(key, loc) }))
	v, ok = readString(t, c2, rebuilt, 25)
	require.True(t, ok)
	assert.Equal(t, "b25", v)
	_, ok = readString(t, c2, rebuilt, 20)
	assert.False(t, ok)
}

func TestMergeRejectsNonContiguousRun(t *testing.T) {
	c := openCollection(t, t.TempDir())
	defer c.Close()
	index := longlist.NewInMemory(64)
	for i := uint64(0); i < 3; i++ {
		writeFile(t, c, index, []uint64{i}, func(uint64) string { return "v" })
	}
	files := c.FilesAvailableForMerge()
	keep := func(_ uint64, d []byte, _ uint64) ([]byte, error) { return d, nil }

	_, err := c.MergeFiles(context.Background(), index, []FileInfo{files[0], files[2]}, nil, keep)
	assert.ErrorIs(t, err, common.ErrNonContiguousMerge)
	assert.Len(t, c.FilesAvailableForMerge(), 3, "failed merge releases its inputs")
}

func TestMergeFailureLeavesIndexUntouched(t *testing.T) {
	dir := t.TempDir()
	c := openCollection(t, dir)
	defer c.Close()
	index := longlist.NewInMemory(64)
	writeFile(t, c, index, keyRange(0, 10), func(uint64) string { return "v" })
	writeFile(t, c, index, keyRange(10, 20), func(uint64) string { return "w" })

	before := make([]uint64, 20)
	for k := range before {
		before[k] = index.Get(uint64(k), 0)
	}
	failing := func(key uint64, d []byte, _ uint64) ([]byte, error) {
		if key == 15 {
			return nil, fmt.Errorf("boom")
		}
		return d, nil
	}
	_, err := c.MergeFiles(context.Background(), index, c.FilesAvailableForMerge(), nil, failing)
	require.Error(t, err)

	for k := range before {
		assert.Equal(t, before[k], index.Get(uint64(k), 0))
	}
	assert.Equal(t, 2, c.NumFiles())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	dataFiles := 0
	for _, e := range entries {
		if _, ok := ParseFileName("store", e.Name()); ok {
			dataFiles++
		}
	}
	assert.Equal(t, 2, dataFiles, "partial merge output removed")
}

func TestMergeCancelled(t *testing.T) {
	c := openCollection(t, t.TempDir())
	defer c.Close()
	index := longlist.NewInMemory(64)
	writeFile(t, c, index, keyRange(0, 10), func(uint64) string { return "v" })
	writeFile(t, c, index, keyRange(10, 20), func(uint64) string { return "w" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	keep := func(_ uint64, d []byte, _ uint64) ([]byte, error) { return d, nil }
	_, err := c.MergeFiles(ctx, index, c.FilesAvailableForMerge(), nil, keep)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollectionSnapshot(t *testing.T) {
	c := openCollection(t, t.TempDir())
	defer c.Close()
	index := longlist.NewInMemory(64)
	writeFile(t, c, index, keyRange(0, 10), func(k uint64) string { return fmt.Sprintf("s%d", k) })

	snapDir := t.TempDir()
	require.NoError(t, c.Snapshot(snapDir))

	snap := openCollection(t, snapDir)
	defer snap.Close()
	assert.Equal(t, 1, snap.NumFiles())
	v, ok := readString(t, snap, index, 7)
	require.True(t, ok)
	assert.Equal(t, "s7", v)
}
