// Package hdhm implements a half-disk hash map: a persistent key to int64
// index whose bucket index lives in memory (or a memory-mapped file) and whose
// buckets live in immutable, append-only data files on disk.
//
// One Writer session at a time buffers puts and deletes; EndWriting rewrites
// every touched bucket into a new data file and then publishes the new
// locations. Get never blocks on the writer and only ever sees published
// buckets. Merge compacts old data files in the background.
package hdhm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/compaction"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// HalfDiskHashMap maps keys of type K to int64 values.
type HalfDiskHashMap[K any] struct {
	dir       string
	storeName string
	ser       bucket.KeySerializer[K]
	opts      *Options
	logger    common.Logger
	meta      Metadata
	mask      uint32

	index longlist.LongList
	files *datafile.Collection

	// writeMu guards session start and snapshot.
	writeMu sync.Mutex
	owner   atomic.Pointer[Writer[K]]

	// publishMu keeps merges from picking a freshly sealed data file before
	// its bucket locations are in the index.
	publishMu sync.Mutex

	// mergeMu serializes merges with each other and with snapshots.
	mergeMu   sync.Mutex
	pause     *semaphore.Weighted
	compactor *compaction.Compactor

	stats   *StatsCollector
	metrics *metrics

	inflight atomic.Int64
	closed   atomic.Bool
}

// Open creates the map in dir, or loads it if dir already holds one named
// storeName. mapSize is the expected number of keys and only matters on
// creation; a loaded map keeps the sizing in its metadata file.
func Open[K any](dir, storeName string, mapSize uint64, ser bucket.KeySerializer[K], opts *Options) (*HalfDiskHashMap[K], error) {
	if ser == nil {
		return nil, fmt.Errorf("%w: nil key serializer", common.ErrInvalidArgument)
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := WithContext(common.LoggerOrNull(opts.Logger), map[string]interface{}{"store": storeName})

	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create map directory: %w", err)
	}

	meta, found, err := readMetadata(dir, storeName)
	if err != nil {
		return nil, err
	}
	if !found {
		if storeHasData(dir, storeName) {
			return nil, fmt.Errorf("%w: %s", common.ErrMetadataMissing, metadataPath(dir, storeName))
		}
		meta, err = ComputeSizing(mapSize, opts.LoadFactor, opts.TargetBucketOccupancy)
		if err != nil {
			return nil, err
		}
		if err := writeMetadata(dir, storeName, meta); err != nil {
			return nil, fmt.Errorf("write metadata: %w", err)
		}
	}

	m := &HalfDiskHashMap[K]{
		dir:       dir,
		storeName: storeName,
		ser:       ser,
		opts:      opts,
		logger:    logger,
		meta:      meta,
		mask:      uint32(meta.NumOfBuckets - 1),
		pause:     semaphore.NewWeighted(1),
		stats:     NewStatsCollector(),
	}

	if m.metrics, err = newMetrics(opts.MetricsRegisterer, storeName); err != nil {
		return nil, err
	}

	m.index, err = longlist.New(opts.IndexKind, uint64(meta.NumOfBuckets),
		filepath.Join(dir, storeName+common.SuffixBucketIndex+".scratch"))
	if err != nil {
		m.metrics.unregister()
		return nil, fmt.Errorf("create bucket index: %w", err)
	}

	m.files, err = datafile.Open(dir, storeName, datafile.Options{
		DataVersion:           ser.CurrentDataVersion(),
		MaxFileBytes:          opts.MaxDataFileBytes,
		SyncOnSeal:            opts.SyncOnSeal,
		VerifyChecksumsOnLoad: opts.VerifyChecksumsOnLoad,
		Logger:                logger,
	})
	if err != nil {
		m.index.Close()
		m.metrics.unregister()
		return nil, err
	}

	if err := m.loadIndex(); err != nil {
		m.files.Close()
		m.index.Close()
		m.metrics.unregister()
		return nil, err
	}

	m.metrics.setFiles(m.files.NumFiles())

	if opts.BackgroundMerge {
		m.compactor = compaction.NewCompactor(m, compaction.Config{
			Interval:      opts.MergeInterval,
			MinFiles:      opts.MergeMinFiles,
			MaxFiles:      opts.MergeMaxFiles,
			FullFileBytes: opts.MaxDataFileBytes,
		}, logger)
		m.compactor.Start(context.Background())
	}

	logger.Info("opened half disk hash map", "dir", dir, "created", !found,
		"buckets", meta.NumOfBuckets, "index", opts.IndexKind.String(),
		"files", m.files.NumFiles(), "indexed", m.index.Size())
	return m, nil
}

func storeHasData(dir, storeName string) bool {
	if utils.FileExists(datafile.ManifestPath(dir, storeName)) ||
		utils.FileExists(filepath.Join(dir, storeName+common.SuffixBucketIndex)) {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if _, ok := datafile.ParseFileName(storeName, e.Name()); ok {
			return true
		}
	}
	return false
}

// loadIndex reads the index saved by Close or Snapshot, or rebuilds it from
// the data files. A saved index is removed once loaded so that a crash
// before the next Close forces a rebuild instead of trusting stale slots.
func (m *HalfDiskHashMap[K]) loadIndex() error {
	path := m.indexPath(m.dir)
	if utils.FileExists(path) {
		start := time.Now()
		if err := longlist.ReadFile(path, m.index); err != nil {
			return fmt.Errorf("load bucket index: %w", err)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove loaded bucket index: %w", err)
		}
		LogLatency(m.logger, "load bucket index", start, "buckets", m.index.Size())
		return nil
	}
	if m.files.NumFiles() == 0 {
		return nil
	}

	start := time.Now()
	m.logger.Warn("bucket index missing, rebuilding from data files", "files", m.files.NumFiles())
	err := m.files.ForEachItem(func(key, loc uint64) error {
		if key >= uint64(m.meta.NumOfBuckets) {
			return fmt.Errorf("%w: bucket %d outside %d buckets", common.ErrCorrupt, key, m.meta.NumOfBuckets)
		}
		return m.index.Put(key, loc)
	})
	if err != nil {
		return fmt.Errorf("rebuild bucket index: %w", err)
	}
	LogLatency(m.logger, "rebuild bucket index", start, "buckets", m.index.Size())
	return nil
}

func (m *HalfDiskHashMap[K]) indexPath(dir string) string {
	return filepath.Join(dir, m.storeName+common.SuffixBucketIndex)
}

// Metadata returns the map's sizing.
func (m *HalfDiskHashMap[K]) Metadata() Metadata { return m.meta }

// BucketIndexOf returns the bucket a key hash falls into.
func (m *HalfDiskHashMap[K]) BucketIndexOf(keyHash uint32) uint32 {
	return keyHash & m.mask
}

func (m *HalfDiskHashMap[K]) enterRead() error {
	m.inflight.Add(1)
	if m.closed.Load() {
		m.inflight.Add(-1)
		return common.ErrClosed
	}
	return nil
}

func (m *HalfDiskHashMap[K]) exitRead() { m.inflight.Add(-1) }

// Get returns the value for key, or notFound if the key is absent or
// deleted. It may run concurrently with a write session and with merges.
func (m *HalfDiskHashMap[K]) Get(key K, notFound int64) (int64, error) {
	if isNil(key) {
		return notFound, fmt.Errorf("%w: nil key", common.ErrInvalidArgument)
	}
	if err := m.enterRead(); err != nil {
		return notFound, err
	}
	defer m.exitRead()
	m.stats.RecordGet()
	m.metrics.gets.Inc()

	keyHash := m.ser.Hash(key)
	item, release, found, err := m.files.ReadItemAt(m.index, uint64(m.BucketIndexOf(keyHash)))
	if err != nil {
		return notFound, fmt.Errorf("read bucket %d: %w", m.BucketIndexOf(keyHash), err)
	}
	if !found {
		m.stats.RecordGetMiss()
		return notFound, nil
	}
	defer release()

	view, err := bucket.NewView(item.Data, m.ser, item.DataVersion)
	if err != nil {
		return notFound, err
	}
	v, err := view.FindValue(keyHash, key, notFound)
	if err != nil {
		return notFound, err
	}
	if v == notFound {
		m.stats.RecordGetMiss()
	}
	return v, nil
}

// Merge compacts data files. filter picks from the files available for
// merge, oldest first; a nil filter takes all of them. The picked files must
// be contiguous in creation order or ErrNonContiguousMerge is returned.
// Fewer than minFilesToMerge picked files is a no-op returning an empty
// result.
//
// Merging pauses between records while pause is held by someone else; a nil
// pause uses the map's own, controlled with PauseMerging.
func (m *HalfDiskHashMap[K]) Merge(ctx context.Context, filter datafile.FileFilter,
	pause *semaphore.Weighted, minFilesToMerge int) (*datafile.MergeResult, error) {
	if err := m.enterRead(); err != nil {
		return nil, err
	}
	defer m.exitRead()
	if pause == nil {
		pause = m.pause
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	m.publishMu.Lock()
	available := m.files.FilesAvailableForMerge()
	all := m.files.Files()
	m.publishMu.Unlock()

	selected := available
	if filter != nil {
		selected = filter(available)
	}
	if len(selected) == 0 || len(selected) < minFilesToMerge {
		return &datafile.MergeResult{}, nil
	}

	// An emptied bucket can only be dropped from the index when no older
	// file could bring back a previous version on index rebuild.
	dropEmpty := all[0].Index == selected[0].Index

	start := time.Now()
	res, err := m.files.MergeFiles(ctx, m.index, selected, pause, func(_ uint64, data []byte, dataVersion uint64) ([]byte, error) {
		b, err := bucket.Compact(data, m.ser, dataVersion)
		if err != nil {
			return nil, err
		}
		if b.Len() == 0 && dropEmpty {
			return nil, nil
		}
		return b.Bytes(), nil
	})
	if err != nil {
		m.metrics.mergeErrors.Inc()
		return nil, err
	}
	m.stats.RecordMerge(time.Since(start))
	m.metrics.observeMerge(time.Since(start), res)
	m.metrics.setFiles(m.files.NumFiles())
	return res, nil
}

// FilesAvailableForMerge lists sealed files that no merge is working on,
// oldest first.
func (m *HalfDiskHashMap[K]) FilesAvailableForMerge() []datafile.FileInfo {
	return m.files.FilesAvailableForMerge()
}

// PauseMerging blocks merges that use the map's pause semaphore at their next
// record until ResumeMerging is called.
func (m *HalfDiskHashMap[K]) PauseMerging(ctx context.Context) error {
	return m.pause.Acquire(ctx, 1)
}

// ResumeMerging undoes PauseMerging.
func (m *HalfDiskHashMap[K]) ResumeMerging() {
	m.pause.Release(1)
}

// Snapshot writes a copy of the map to dir that Open can load. It must not
// overlap a write session; concurrent merges wait for it.
func (m *HalfDiskHashMap[K]) Snapshot(dir string) error {
	if err := m.enterRead(); err != nil {
		return err
	}
	defer m.exitRead()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.owner.Load() != nil {
		return fmt.Errorf("%w: snapshot during a write session", common.ErrIllegalState)
	}
	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	start := time.Now()
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := m.index.WriteToFile(m.indexPath(dir)); err != nil {
		return fmt.Errorf("snapshot bucket index: %w", err)
	}
	if err := m.files.Snapshot(dir); err != nil {
		return err
	}
	if err := writeMetadata(dir, m.storeName, m.meta); err != nil {
		return fmt.Errorf("snapshot metadata: %w", err)
	}
	LogLatency(m.logger, "snapshot", start, "dir", dir, "files", m.files.NumFiles())
	return nil
}

// FileSizeStatistics summarizes the sizes of the map's data files.
func (m *HalfDiskHashMap[K]) FileSizeStatistics() datafile.FileStats {
	return m.files.FileSizeStatistics()
}

// Stats returns operation counters.
func (m *HalfDiskHashMap[K]) Stats() Stats {
	st := m.stats.GetStats()
	st.Files = m.files.FileSizeStatistics()
	st.IndexedBuckets = m.index.Size()
	st.NumOfBuckets = m.meta.NumOfBuckets
	return st
}

// LogStats writes Stats to the logger.
func (m *HalfDiskHashMap[K]) LogStats() {
	st := m.Stats()
	m.logger.Info("hash map stats",
		"puts", st.TotalPuts, "deletes", st.TotalDeletes, "gets", st.TotalGets,
		"get_misses", st.TotalGetMisses, "flushes", st.TotalFlushes, "merges", st.TotalMerges,
		"buckets_written", st.BucketsWritten, "bytes_written", st.BytesWritten,
		"files", st.Files.Count, "file_bytes", st.Files.TotalBytes,
		"indexed_buckets", st.IndexedBuckets, "num_buckets", st.NumOfBuckets)
}

// Close stops background merging, saves the bucket index next to the data
// files and releases every resource. An open write session is discarded.
func (m *HalfDiskHashMap[K]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	if m.compactor != nil {
		m.compactor.Stop()
	}
	for m.inflight.Load() > 0 {
		time.Sleep(time.Millisecond)
	}

	var result *multierror.Error
	if w := m.owner.Swap(nil); w != nil {
		m.files.AbortWriting()
		m.logger.Warn("closing with an open write session, buffered writes discarded", "buckets", len(w.mutations))
	}
	if err := m.index.WriteToFile(m.indexPath(m.dir)); err != nil {
		result = multierror.Append(result, fmt.Errorf("save bucket index: %w", err))
	}
	if err := m.files.Close(); err != nil && !errors.Is(err, common.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if err := m.index.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	m.metrics.unregister()

	m.logger.Info("closed half disk hash map")
	return result.ErrorOrNil()
}

// isNil reports whether key is a nil pointer, slice, map, func, chan or
// interface.
func isNil[K any](key K) bool {
	v := reflect.ValueOf(any(key))
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
