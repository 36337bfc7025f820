package hdhm

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"golang.org/x/sync/errgroup"
)

// flushBatch is the number of buckets loaded and rebuilt before they are
// appended to the session's data file.
const flushBatch = 4096

// Writer is the single write session of a map. It buffers writes until
// EndWriting; Get does not see them before that. A Writer must be used by one
// goroutine at a time.
type Writer[K any] struct {
	m         *HalfDiskHashMap[K]
	mutations map[uint32]*bucket.Mutation
	busy      atomic.Bool
	started   time.Time
	puts      int
	deletes   int
}

// StartWriting opens a write session. Only one session may be open at a time.
func (m *HalfDiskHashMap[K]) StartWriting() (*Writer[K], error) {
	if err := m.enterRead(); err != nil {
		return nil, err
	}
	defer m.exitRead()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.owner.Load() != nil {
		return nil, fmt.Errorf("%w: a write session is already open", common.ErrIllegalState)
	}
	if err := m.files.StartWriting(); err != nil {
		return nil, err
	}
	w := &Writer[K]{m: m, mutations: make(map[uint32]*bucket.Mutation), started: time.Now()}
	m.owner.Store(w)
	return w, nil
}

func (w *Writer[K]) enter() error {
	if !w.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: writer used from several goroutines", common.ErrIllegalState)
	}
	if w.m.closed.Load() {
		w.busy.Store(false)
		return common.ErrClosed
	}
	if w.m.owner.Load() != w {
		w.busy.Store(false)
		return fmt.Errorf("%w: writer is not the open write session", common.ErrIllegalState)
	}
	return nil
}

func (w *Writer[K]) exit() { w.busy.Store(false) }

// Put buffers key = value. A later write of the same key in this session
// replaces it. Putting Tombstone deletes the key.
func (w *Writer[K]) Put(key K, value int64) error {
	return w.write(key, bucket.Tombstone, value)
}

// PutIfEqual buffers key = value to be applied at EndWriting only if the
// stored value then equals oldValue. It never inserts an absent key. An
// oldValue of Tombstone skips the check and behaves like Put.
func (w *Writer[K]) PutIfEqual(key K, oldValue, value int64) error {
	return w.write(key, oldValue, value)
}

// Delete buffers the removal of key. Deleting an absent key is a no-op.
func (w *Writer[K]) Delete(key K) error {
	return w.write(key, bucket.Tombstone, bucket.Tombstone)
}

func (w *Writer[K]) write(key K, oldValue, value int64) error {
	if isNil(key) {
		return fmt.Errorf("%w: nil key", common.ErrInvalidArgument)
	}
	if err := w.enter(); err != nil {
		return err
	}
	defer w.exit()

	raw := w.m.ser.Serialize(key)
	if len(raw) > common.MaxKeySize {
		return fmt.Errorf("%w: %d bytes", common.ErrKeyTooLarge, len(raw))
	}
	keyHash := w.m.ser.Hash(key)
	bi := w.m.BucketIndexOf(keyHash)
	if mu, ok := w.mutations[bi]; ok {
		mu.PutIfEqual(raw, keyHash, oldValue, value)
	} else {
		mu = &bucket.Mutation{}
		mu.PutIfEqual(raw, keyHash, oldValue, value)
		w.mutations[bi] = mu
	}

	if value == bucket.Tombstone {
		w.deletes++
		w.m.stats.RecordDelete()
		w.m.metrics.deletes.Inc()
	} else {
		w.puts++
		w.m.stats.RecordPut()
		w.m.metrics.puts.Inc()
	}
	return nil
}

// PendingBuckets returns the number of buckets the session has touched.
func (w *Writer[K]) PendingBuckets() int { return len(w.mutations) }

type flushedBucket struct {
	index uint32
	data  []byte
}

// EndWriting rewrites every touched bucket into one new data file and then
// publishes the new bucket locations to readers. The session is closed on
// return whether or not it succeeded; on error none of its writes are
// visible.
func (w *Writer[K]) EndWriting(ctx context.Context) error {
	m := w.m
	if err := m.enterRead(); err != nil {
		return err
	}
	defer m.exitRead()
	if err := w.enter(); err != nil {
		return err
	}
	defer w.exit()

	start := time.Now()
	published, written, err := w.flush(ctx)
	m.owner.CompareAndSwap(w, nil)
	if err != nil {
		m.files.AbortWriting()
		m.metrics.flushErrors.Inc()
		return err
	}

	d := time.Since(start)
	m.stats.RecordFlush(d, published, written)
	m.metrics.observeFlush(d, published, written)
	m.metrics.setFiles(m.files.NumFiles())
	m.logger.Debug("write session ended", "puts", w.puts, "deletes", w.deletes,
		"buckets", published, "bytes", written, "session", time.Since(w.started).String(), "flush", d.String())
	return nil
}

func (w *Writer[K]) flush(ctx context.Context) (int, int64, error) {
	m := w.m
	if len(w.mutations) == 0 {
		_, err := m.files.EndWriting(0, 0)
		return 0, 0, err
	}

	indices := make([]uint32, 0, len(w.mutations))
	for bi := range w.mutations {
		indices = append(indices, bi)
	}
	slices.Sort(indices)

	type update struct {
		index uint32
		loc   uint64
	}
	updates := make([]update, 0, len(indices))
	var written int64
	last := int64(-1)

	for from := 0; from < len(indices); from += flushBatch {
		batch := indices[from:min(from+flushBatch, len(indices))]
		out := make([]flushedBucket, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.opts.FlushParallelism)
		for i, bi := range batch {
			i, bi := i, bi
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				data, err := w.rebuild(bi)
				if err != nil {
					return err
				}
				out[i] = flushedBucket{index: bi, data: data}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, 0, err
		}

		for _, fb := range out {
			if fb.data == nil {
				continue
			}
			if int64(fb.index) <= last {
				return 0, 0, fmt.Errorf("%w: bucket %d written after bucket %d", common.ErrInvariant, fb.index, last)
			}
			last = int64(fb.index)
			loc, err := m.files.StoreItem(uint64(fb.index), fb.data)
			if err != nil {
				return 0, 0, fmt.Errorf("store bucket %d: %w", fb.index, err)
			}
			updates = append(updates, update{index: fb.index, loc: loc})
			written += int64(len(fb.data))
		}
	}

	var minKey, maxKey uint64
	if len(updates) > 0 {
		minKey, maxKey = uint64(updates[0].index), uint64(updates[len(updates)-1].index)
	}
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if _, err := m.files.EndWriting(minKey, maxKey); err != nil {
		return 0, 0, err
	}

	for _, u := range updates {
		if err := m.index.Put(uint64(u.index), u.loc); err != nil {
			return 0, 0, fmt.Errorf("publish bucket %d at %s: %w", u.index, datafile.FormatLocation(u.loc), err)
		}
	}
	return len(updates), written, nil
}

// rebuild applies the session's writes for bucket bi to its stored version
// and returns the new bytes, or nil when nothing changed.
func (w *Writer[K]) rebuild(bi uint32) ([]byte, error) {
	m := w.m
	item, release, found, err := m.files.ReadItemAt(m.index, uint64(bi))
	if err != nil {
		return nil, fmt.Errorf("load bucket %d: %w", bi, err)
	}

	var b *bucket.Bucket[K]
	if found {
		view, err := bucket.NewView(item.Data, m.ser, item.DataVersion)
		if err == nil {
			if view.Index() != bi {
				err = fmt.Errorf("%w: bucket %d stored under index %d", common.ErrCorrupt, view.Index(), bi)
			} else {
				b, err = bucket.FromView(view)
			}
		}
		release()
		if err != nil {
			return nil, err
		}
	} else {
		b = bucket.New(bi, m.ser)
	}

	if b.Apply(w.mutations[bi]) == 0 {
		return nil, nil
	}
	return b.Bytes(), nil
}
