package datafile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"golang.org/x/sync/semaphore"
)

// FileFilter picks the files to merge from those available, oldest first.
type FileFilter func(files []FileInfo) []FileInfo

// TransformFunc rewrites a record payload during merge. Returning nil drops
// the record and clears its index slot.
type TransformFunc func(key uint64, data []byte, dataVersion uint64) ([]byte, error)

// MergeResult describes a completed merge.
type MergeResult struct {
	Inputs  []FileInfo
	Outputs []FileInfo
	Copied  int
	Dropped int
	Skipped int
	// Stale counts moves not applied because a writer replaced the record
	// after it was copied.
	Stale    int
	Duration time.Duration
}

type move struct {
	key    uint64
	oldLoc uint64
	newLoc uint64
}

// MergeFiles rewrites the records of files that index still points at into
// new files, then swings index to the new locations and retires the inputs.
//
// files must form a contiguous run in creation order. No index slot changes
// unless every output file was sealed. Each slot moves by compare-and-swap,
// so a record rewritten by a concurrent flush keeps its newer location.
// pause, when non-nil, is acquired between records; holding it pauses the
// merge.
func (c *Collection) MergeFiles(ctx context.Context, index longlist.LongList, files []FileInfo,
	pause *semaphore.Weighted, transform TransformFunc) (*MergeResult, error) {
	if c.closed.Load() {
		return nil, common.ErrClosed
	}
	if len(files) == 0 {
		return &MergeResult{}, nil
	}

	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()
	if c.closed.Load() {
		return nil, common.ErrClosed
	}
	start := time.Now()

	inputs, err := c.resolveRun(files)
	if err != nil {
		return nil, err
	}
	for _, r := range inputs {
		r.merging.Store(true)
	}
	done := false
	defer func() {
		for _, r := range inputs {
			if !done {
				r.merging.Store(false)
			}
			r.release()
		}
	}()

	res := &MergeResult{}
	var (
		moves   []move
		outputs []FileInfo
		current *fileWriter
		written []string
	)
	cleanup := func() {
		if current != nil {
			current.abort()
		}
		for _, name := range written {
			removeQuiet(c.dir, name)
		}
	}
	sealCurrent := func() error {
		if current == nil {
			return nil
		}
		w := current
		current = nil
		info, err := w.seal(0, 0, c.opts.SyncOnSeal)
		if err != nil {
			w.abort()
			return err
		}
		info.Merged = true
		written = append(written, info.Name)
		outputs = append(outputs, info)
		return nil
	}

	for _, r := range inputs {
		res.Inputs = append(res.Inputs, r.Info())
		err := r.ForEach(func(loc, key uint64, payload []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if pause != nil {
				if err := pause.Acquire(ctx, 1); err != nil {
					return err
				}
				pause.Release(1)
			}
			if index.Get(key, common.NonExistentLocation) != loc {
				res.Skipped++
				return nil
			}

			data, err := transform(key, payload, r.DataVersion())
			if err != nil {
				return fmt.Errorf("transform key %d: %w", key, err)
			}
			if data == nil {
				moves = append(moves, move{key: key, oldLoc: loc})
				res.Dropped++
				return nil
			}

			if current != nil && int64(current.size())+int64(len(data))+2*FooterSize > c.opts.MaxFileBytes {
				if err := sealCurrent(); err != nil {
					return err
				}
			}
			if current == nil {
				w, err := createFile(c.dir, c.name, c.allocIndex(), c.opts.DataVersion)
				if err != nil {
					return err
				}
				current = w
			}
			newLoc, err := current.storeItem(key, data)
			if err != nil {
				return err
			}
			moves = append(moves, move{key: key, oldLoc: loc, newLoc: newLoc})
			res.Copied++
			return nil
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("merge %s: %w", r.Path(), err)
		}
	}
	if err := sealCurrent(); err != nil {
		cleanup()
		return nil, err
	}

	readers := make([]*Reader, 0, len(outputs))
	for _, info := range outputs {
		r, err := openReader(c.pathOf(info), info, c.logger)
		if err != nil {
			for _, opened := range readers {
				opened.release()
			}
			cleanup()
			return nil, err
		}
		readers = append(readers, r)
	}

	// Publish the outputs before swinging the index so every new location
	// resolves.
	c.mu.Lock()
	set := c.files.Load()
	pos := positionOf(set.order, inputs[0].Index())
	withOutputs := make([]*Reader, 0, len(set.order)+len(readers))
	withOutputs = append(withOutputs, set.order[:pos]...)
	withOutputs = append(withOutputs, readers...)
	withOutputs = append(withOutputs, set.order[pos:]...)
	c.files.Store(newFileSet(withOutputs))
	c.mu.Unlock()

	for _, m := range moves {
		if !index.PutIfEqual(m.key, m.oldLoc, m.newLoc) {
			res.Stale++
		}
	}

	if err := c.replaceRun(inputs, readers, outputs); err != nil {
		// The inputs stay listed and readable; a later merge finds nothing
		// live in them and retires them then.
		c.logger.Error("merge manifest update failed", "error", err)
		return nil, err
	}
	done = true
	for _, r := range inputs {
		if err := r.retire(); err != nil {
			c.logger.Warn("retire merged file", "file", r.Info().Name, "error", err)
		}
	}

	res.Outputs = outputs
	res.Duration = time.Since(start)
	c.logger.Info("merged data files",
		"inputs", len(res.Inputs), "outputs", len(res.Outputs),
		"copied", res.Copied, "dropped", res.Dropped, "skipped", res.Skipped,
		"stale", res.Stale, "duration_ms", res.Duration.Milliseconds())
	return res, nil
}

// resolveRun finds the readers of files and checks they are adjacent in
// creation order. References are taken on the returned readers.
func (c *Collection) resolveRun(files []FileInfo) ([]*Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.files.Load()
	positions := make([]int, 0, len(files))
	for _, f := range files {
		pos := positionOf(set.order, f.Index)
		if pos < 0 {
			return nil, fmt.Errorf("%w: file %d", common.ErrFileNotFound, f.Index)
		}
		if set.order[pos].merging.Load() {
			return nil, fmt.Errorf("%w: file %d is already being merged", common.ErrIllegalState, f.Index)
		}
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for i := 1; i < len(positions); i++ {
		if positions[i] != positions[i-1]+1 {
			return nil, fmt.Errorf("%w: file %d follows file %d", common.ErrNonContiguousMerge,
				set.order[positions[i]].Index(), set.order[positions[i-1]].Index())
		}
	}

	inputs := make([]*Reader, 0, len(positions))
	for _, pos := range positions {
		r := set.order[pos]
		if !r.acquire() {
			for _, held := range inputs {
				held.release()
			}
			return nil, fmt.Errorf("%w: file %d", common.ErrFileRetired, r.Index())
		}
		inputs = append(inputs, r)
	}
	return inputs, nil
}

// replaceRun swaps the inputs for the outputs in the manifest and file set.
func (c *Collection) replaceRun(inputs, outputs []*Reader, infos []FileInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	drop := make(map[uint32]bool, len(inputs))
	for _, r := range inputs {
		drop[r.Index()] = true
	}

	m := c.manifest.clone()
	m.Files = m.Files[:0]
	inserted := false
	for _, f := range c.manifest.Files {
		if drop[f.Index] {
			if !inserted {
				m.Files = append(m.Files, infos...)
				inserted = true
			}
			continue
		}
		m.Files = append(m.Files, f)
	}
	if err := m.save(c.dir, c.name); err != nil {
		// keep inputs and outputs listed in memory so the next save
		// persists a readable set
		keep := c.manifest.clone()
		keep.Files = keep.Files[:0]
		for _, f := range c.manifest.Files {
			if f.Index == inputs[0].Index() {
				keep.Files = append(keep.Files, infos...)
			}
			keep.Files = append(keep.Files, f)
		}
		c.manifest = keep
		for _, r := range inputs {
			r.merging.Store(false)
		}
		return err
	}
	c.manifest = m

	set := c.files.Load()
	order := make([]*Reader, 0, len(set.order))
	for _, r := range set.order {
		if !drop[r.Index()] {
			order = append(order, r)
		}
	}
	c.files.Store(newFileSet(order))
	return nil
}

func (c *Collection) pathOf(info FileInfo) string {
	return filepath.Join(c.dir, FileName(c.name, info.Index))
}

func removeQuiet(dir, name string) {
	_ = os.Remove(filepath.Join(dir, name))
}

func positionOf(order []*Reader, index uint32) int {
	for i, r := range order {
		if r.Index() == index {
			return i
		}
	}
	return -1
}
