package compaction

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func files(sizes ...int64) []datafile.FileInfo {
	out := make([]datafile.FileInfo, len(sizes))
	for i, s := range sizes {
		out[i] = datafile.FileInfo{Index: uint32(i + 1), Size: s}
	}
	return out
}

func indices(fs []datafile.FileInfo) []uint32 {
	out := make([]uint32, len(fs))
	for i, f := range fs {
		out[i] = f.Index
	}
	return out
}

func TestSelectRun(t *testing.T) {
	assert.Nil(t, SelectRun(files(), 2, 4, 100))
	assert.Nil(t, SelectRun(files(10), 2, 4, 100))
	assert.Equal(t, []uint32{1, 2}, indices(SelectRun(files(10, 10), 2, 4, 100)))
	assert.Equal(t, []uint32{1, 2, 3, 4}, indices(SelectRun(files(10, 10, 10, 10, 10), 2, 4, 100)))
	// a full file breaks the run
	assert.Equal(t, []uint32{3, 4}, indices(SelectRun(files(10, 100, 10, 10), 2, 4, 100)))
	assert.Nil(t, SelectRun(files(10, 100, 10, 100), 2, 4, 100))
}

type fakeMerger struct {
	mu     sync.Mutex
	files  []datafile.FileInfo
	merged [][]uint32
	calls  atomic.Int32
}

func (f *fakeMerger) FilesAvailableForMerge() []datafile.FileInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datafile.FileInfo(nil), f.files...)
}

func (f *fakeMerger) Merge(ctx context.Context, filter datafile.FileFilter, pause *semaphore.Weighted, minFiles int) (*datafile.MergeResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	picked := filter(f.files)
	if len(picked) < minFiles {
		return &datafile.MergeResult{}, nil
	}
	f.merged = append(f.merged, indices(picked))
	f.files = []datafile.FileInfo{{Index: 100, Size: 1}}
	return &datafile.MergeResult{Inputs: picked}, nil
}

func TestCompactorRunOnce(t *testing.T) {
	m := &fakeMerger{files: files(1, 1, 1)}
	c := NewCompactor(m, Config{MinFiles: 2, MaxFiles: 8, FullFileBytes: 100}, nil)

	res, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, res.Inputs, 3)

	// a single remaining file does not qualify
	res, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, int32(1), m.calls.Load())
}

func TestCompactorBackgroundLoop(t *testing.T) {
	m := &fakeMerger{files: files(1, 1)}
	c := NewCompactor(m, Config{Interval: 5 * time.Millisecond, FullFileBytes: 100}, nil)
	c.Start(context.Background())
	c.Start(context.Background())

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.merged) == 1
	}, 2*time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
	assert.Equal(t, []uint32{1, 2}, m.merged[0])
}
