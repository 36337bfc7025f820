// Package datafile stores serialized buckets in append-only, immutable data
// files and addresses them by packed (file index, offset) locations.
//
// A Collection has at most one open write session. Sealed files are read
// through reference-counted memory mappings, so lookups never take a lock
// and a merge can retire files while readers still hold them.
package datafile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
	"github.com/hashicorp/go-multierror"
)

// Options configures a Collection.
type Options struct {
	// DataVersion is recorded in every new file as the key serialization
	// version of its records.
	DataVersion uint64

	// MaxFileBytes bounds merge output files. Flush files are never split.
	MaxFileBytes int64

	// SyncOnSeal fsyncs each file and its directory when sealed.
	SyncOnSeal bool

	// VerifyChecksumsOnLoad recomputes BLAKE3 digests of every listed file
	// on Open.
	VerifyChecksumsOnLoad bool

	Logger common.Logger
}

// Item is a record read back from a data file. Data aliases the file
// mapping and is valid until the accompanying release func is called.
type Item struct {
	Key         uint64
	Data        []byte
	DataVersion uint64
}

// FileStats summarizes the sizes of sealed files.
type FileStats struct {
	Count      int     `json:"count"`
	MinBytes   int64   `json:"minBytes"`
	MaxBytes   int64   `json:"maxBytes"`
	TotalBytes int64   `json:"totalBytes"`
	AvgBytes   float64 `json:"avgBytes"`
}

type fileSet struct {
	order   []*Reader
	byIndex map[uint32]*Reader
}

func newFileSet(order []*Reader) *fileSet {
	s := &fileSet{order: order, byIndex: make(map[uint32]*Reader, len(order))}
	for _, r := range order {
		s.byIndex[r.Index()] = r
	}
	return s
}

// Collection is the set of data files of one store.
type Collection struct {
	dir    string
	name   string
	opts   Options
	logger common.Logger

	// mu serializes file set changes and manifest writes.
	mu       sync.Mutex
	manifest *Manifest
	files    atomic.Pointer[fileSet]

	writer  atomic.Pointer[fileWriter]
	mergeMu sync.Mutex
	closed  atomic.Bool
}

// Open loads the files listed in the store's manifest. Data files of the
// store that the manifest does not list were never sealed and are removed.
func Open(dir, storeName string, opts Options) (*Collection, error) {
	if storeName == "" || strings.ContainsAny(storeName, `/\`) {
		return nil, fmt.Errorf("%w: store name %q", common.ErrInvalidArgument, storeName)
	}
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if opts.MaxFileBytes <= 0 || opts.MaxFileBytes > common.MaxDataFileBytes {
		opts.MaxFileBytes = common.DefaultMaxDataFileBytes
	}

	c := &Collection{
		dir:    dir,
		name:   storeName,
		opts:   opts,
		logger: common.LoggerOrNull(opts.Logger),
	}

	m, found, err := LoadManifest(dir, storeName)
	if err != nil {
		return nil, err
	}
	c.manifest = m

	readers := make([]*Reader, 0, len(m.Files))
	listed := make(map[uint32]bool, len(m.Files))
	fail := func(err error) (*Collection, error) {
		for _, r := range readers {
			r.release()
		}
		return nil, err
	}
	for _, info := range m.Files {
		path := filepath.Join(dir, FileName(storeName, info.Index))
		if !utils.FileExists(path) {
			return fail(fmt.Errorf("%w: %s", common.ErrFileNotFound, path))
		}
		if opts.VerifyChecksumsOnLoad {
			if err := utils.VerifyBLAKE3File(path, info.Blake3); err != nil {
				return fail(err)
			}
		}
		r, err := openReader(path, info, c.logger)
		if err != nil {
			return fail(err)
		}
		readers = append(readers, r)
		listed[info.Index] = true
		if info.Index >= m.NextIndex {
			m.NextIndex = info.Index + 1
		}
	}

	if err := c.removeUnlisted(listed); err != nil {
		return fail(err)
	}

	c.files.Store(newFileSet(readers))
	c.logger.Info("opened data file collection", "dir", dir, "store", storeName,
		"files", len(readers), "manifest", found)
	return c, nil
}

func (c *Collection) removeUnlisted(listed map[uint32]bool) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("list store directory: %w", err)
	}
	for _, e := range entries {
		idx, ok := ParseFileName(c.name, e.Name())
		if !ok || listed[idx] {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove unsealed data file: %w", err)
		}
		c.logger.Warn("removed data file missing from manifest", "path", path)
		if idx >= c.manifest.NextIndex {
			c.manifest.NextIndex = idx + 1
		}
	}
	return nil
}

func (c *Collection) allocIndex() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.manifest.NextIndex
	c.manifest.NextIndex++
	return idx
}

// StartWriting opens a new data file for a write session.
func (c *Collection) StartWriting() error {
	if c.closed.Load() {
		return common.ErrClosed
	}
	if c.writer.Load() != nil {
		return fmt.Errorf("%w: data file session already open", common.ErrIllegalState)
	}
	w, err := createFile(c.dir, c.name, c.allocIndex(), c.opts.DataVersion)
	if err != nil {
		return err
	}
	if !c.writer.CompareAndSwap(nil, w) {
		w.abort()
		return fmt.Errorf("%w: data file session already open", common.ErrIllegalState)
	}
	return nil
}

// StoreItem appends a record to the session file and returns its location.
// The location is readable only after EndWriting.
func (c *Collection) StoreItem(key uint64, data []byte) (uint64, error) {
	w := c.writer.Load()
	if w == nil {
		return 0, fmt.Errorf("%w: no data file session", common.ErrIllegalState)
	}
	return w.storeItem(key, data)
}

// EndWriting seals the session file and makes it readable. minKey and maxKey
// describe the key range written; zero for both uses the observed range. An
// empty session leaves no file behind and returns a nil Reader.
func (c *Collection) EndWriting(minKey, maxKey uint64) (*Reader, error) {
	w := c.writer.Swap(nil)
	if w == nil {
		return nil, fmt.Errorf("%w: no data file session", common.ErrIllegalState)
	}
	if w.items == 0 {
		w.abort()
		return nil, nil
	}

	info, err := w.seal(minKey, maxKey, c.opts.SyncOnSeal)
	if err != nil {
		w.abort()
		return nil, err
	}
	r, err := openReader(w.path, info, c.logger)
	if err != nil {
		os.Remove(w.path)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.manifest.clone()
	m.Files = append(m.Files, info)
	if err := m.save(c.dir, c.name); err != nil {
		r.retire()
		return nil, err
	}
	c.manifest = m

	set := c.files.Load()
	c.files.Store(newFileSet(append(append([]*Reader(nil), set.order...), r)))

	c.logger.Debug("sealed data file", "file", info.Name, "items", info.Items, "size", info.Size)
	return r, nil
}

// AbortWriting discards the session file.
func (c *Collection) AbortWriting() {
	if w := c.writer.Swap(nil); w != nil {
		w.abort()
	}
}

// ReadItem reads the record at loc. It fails with ErrFileRetired when a
// merge has retired the file; the caller should re-resolve the location.
func (c *Collection) ReadItem(loc uint64) (Item, func(), error) {
	set := c.files.Load()
	if set == nil {
		return Item{}, nil, common.ErrClosed
	}
	r := set.byIndex[FileIndex(loc)]
	if r == nil {
		return Item{}, nil, fmt.Errorf("%w: file %d", common.ErrFileRetired, FileIndex(loc))
	}
	if !r.acquire() {
		return Item{}, nil, fmt.Errorf("%w: file %d", common.ErrFileRetired, r.Index())
	}
	if r.retired.Load() {
		r.release()
		return Item{}, nil, fmt.Errorf("%w: file %d", common.ErrFileRetired, r.Index())
	}

	key, payload, _, err := r.readRecord(Offset(loc))
	if err != nil {
		r.release()
		return Item{}, nil, err
	}
	return Item{Key: key, Data: payload, DataVersion: r.DataVersion()}, r.releaseFunc(), nil
}

// ReadItemAt resolves key through index and reads its record, retrying when
// a concurrent merge moves the record. found is false when index holds no
// location for key.
func (c *Collection) ReadItemAt(index longlist.LongList, key uint64) (item Item, release func(), found bool, err error) {
	for {
		loc := index.Get(key, common.NonExistentLocation)
		if loc == common.NonExistentLocation {
			return Item{}, nil, false, nil
		}
		item, release, err = c.ReadItem(loc)
		if errors.Is(err, common.ErrFileRetired) {
			if index.Get(key, common.NonExistentLocation) != loc {
				continue
			}
			return Item{}, nil, false, fmt.Errorf("%w: key %d at %s", common.ErrFileNotFound, key, FormatLocation(loc))
		}
		if err != nil {
			return Item{}, nil, false, err
		}
		if item.Key != key {
			release()
			return Item{}, nil, false, fmt.Errorf("%w: record at %s holds key %d, expected %d",
				common.ErrCorrupt, FormatLocation(loc), item.Key, key)
		}
		return item, release, true, nil
	}
}

// FilesAvailableForMerge returns sealed files not part of a running merge,
// oldest first.
func (c *Collection) FilesAvailableForMerge() []FileInfo {
	set := c.files.Load()
	if set == nil {
		return nil
	}
	out := make([]FileInfo, 0, len(set.order))
	for _, r := range set.order {
		if !r.merging.Load() {
			out = append(out, r.Info())
		}
	}
	return out
}

// Files returns every sealed file, oldest first.
func (c *Collection) Files() []FileInfo {
	set := c.files.Load()
	if set == nil {
		return nil
	}
	out := make([]FileInfo, len(set.order))
	for i, r := range set.order {
		out[i] = r.Info()
	}
	return out
}

// NumFiles returns the number of sealed files.
func (c *Collection) NumFiles() int {
	set := c.files.Load()
	if set == nil {
		return 0
	}
	return len(set.order)
}

// FileSizeStatistics summarizes the sizes of sealed files.
func (c *Collection) FileSizeStatistics() FileStats {
	var st FileStats
	set := c.files.Load()
	if set == nil {
		return st
	}
	for _, r := range set.order {
		size := r.Info().Size
		if st.Count == 0 || size < st.MinBytes {
			st.MinBytes = size
		}
		st.MaxBytes = max(st.MaxBytes, size)
		st.TotalBytes += size
		st.Count++
	}
	if st.Count > 0 {
		st.AvgBytes = float64(st.TotalBytes) / float64(st.Count)
	}
	return st
}

// acquireAll takes a reference on every current file and returns them with
// the manifest describing them.
func (c *Collection) acquireAll() ([]*Reader, *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.files.Load()
	if set == nil {
		return nil, nil
	}
	held := make([]*Reader, 0, len(set.order))
	for _, r := range set.order {
		if r.acquire() {
			held = append(held, r)
		}
	}
	return held, c.manifest.clone()
}

// ForEachItem visits every record of every file, oldest file first, so a
// later visit of a key supersedes an earlier one.
func (c *Collection) ForEachItem(fn func(key, loc uint64) error) error {
	held, _ := c.acquireAll()
	defer func() {
		for _, r := range held {
			r.release()
		}
	}()
	for _, r := range held {
		if err := r.ForEach(func(loc, key uint64, _ []byte) error {
			return fn(key, loc)
		}); err != nil {
			return fmt.Errorf("scan %s: %w", r.Path(), err)
		}
	}
	return nil
}

// Snapshot hard-links every sealed file into dir (copying when linking is
// not possible) and writes a manifest listing them.
func (c *Collection) Snapshot(dir string) error {
	if c.closed.Load() {
		return common.ErrClosed
	}
	held, m := c.acquireAll()
	defer func() {
		for _, r := range held {
			r.release()
		}
	}()

	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	m.Files = m.Files[:0]
	for _, r := range held {
		dst := filepath.Join(dir, filepath.Base(r.Path()))
		if err := utils.LinkOrCopy(r.Path(), dst); err != nil {
			return fmt.Errorf("snapshot %s: %w", filepath.Base(r.Path()), err)
		}
		m.Files = append(m.Files, r.Info())
	}
	if err := m.save(dir, c.name); err != nil {
		return err
	}
	if err := utils.SyncDir(dir); err != nil {
		return fmt.Errorf("sync snapshot directory: %w", err)
	}
	c.logger.Info("snapshot data files", "dir", dir, "files", len(held))
	return nil
}

// Close aborts an open session and releases every file. Files in use by
// readers are unmapped when those readers release them.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return common.ErrClosed
	}
	c.AbortWriting()

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	var result *multierror.Error
	if set := c.files.Swap(nil); set != nil {
		for _, r := range set.order {
			if err := r.release(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
