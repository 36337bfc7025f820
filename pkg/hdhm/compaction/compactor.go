// Package compaction runs background merges of a hash map's data files.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"golang.org/x/sync/semaphore"
)

// Merger is the store being compacted. A nil pause lets the store use its
// own pause signal.
type Merger interface {
	FilesAvailableForMerge() []datafile.FileInfo
	Merge(ctx context.Context, filter datafile.FileFilter, pause *semaphore.Weighted, minFilesToMerge int) (*datafile.MergeResult, error)
}

// Config tunes the merge policy.
type Config struct {
	// Interval between policy checks.
	Interval time.Duration
	// MinFiles is the smallest run worth merging.
	MinFiles int
	// MaxFiles caps the files merged in one job.
	MaxFiles int
	// FullFileBytes marks files that are large enough to leave alone.
	FullFileBytes int64
}

// CompactionJob describes one merge picked by the policy.
type CompactionJob struct {
	ID     uint64
	Inputs []uint32
	Bytes  int64
	Reason string
}

// Compactor periodically merges the oldest run of small data files.
type Compactor struct {
	mu     sync.Mutex
	merger Merger
	cfg    Config

	// Lifecycle
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	nextJob uint64

	logger common.Logger
}

// NewCompactor creates a compactor for merger. Zero config fields take
// defaults.
func NewCompactor(merger Merger, cfg Config, logger common.Logger) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MinFiles < 2 {
		cfg.MinFiles = common.DefaultMergeMinFiles
	}
	if cfg.MaxFiles < cfg.MinFiles {
		cfg.MaxFiles = max(cfg.MinFiles, common.DefaultMergeMaxFiles)
	}
	if cfg.FullFileBytes <= 0 {
		cfg.FullFileBytes = common.DefaultMaxDataFileBytes
	}
	return &Compactor{
		merger: merger,
		cfg:    cfg,
		logger: common.LoggerOrNull(logger),
	}
}

// Start starts the compaction background process.
func (c *Compactor) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.runCompactionLoop(ctx, c.done)
}

// Stop stops the background process and waits for a running merge to
// observe cancellation.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	done := c.done
	c.running = false
	c.mu.Unlock()

	<-done
}

func (c *Compactor) runCompactionLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("compaction failed", "error", err)
			}
		}
	}
}

// RunOnce applies the policy once and merges if a job is due. It returns
// nil without merging when nothing qualifies.
func (c *Compactor) RunOnce(ctx context.Context) (*datafile.MergeResult, error) {
	job, ok := c.schedule(c.merger.FilesAvailableForMerge())
	if !ok {
		return nil, nil
	}
	c.logger.Info("starting compaction", "job", job.ID, "inputs", len(job.Inputs), "bytes", job.Bytes, "reason", job.Reason)

	res, err := c.merger.Merge(ctx, c.Filter(), nil, c.cfg.MinFiles)
	if err != nil {
		return nil, fmt.Errorf("compaction job %d: %w", job.ID, err)
	}
	return res, nil
}

// Filter returns the file filter implementing the policy.
func (c *Compactor) Filter() datafile.FileFilter {
	return func(files []datafile.FileInfo) []datafile.FileInfo {
		return SelectRun(files, c.cfg.MinFiles, c.cfg.MaxFiles, c.cfg.FullFileBytes)
	}
}

func (c *Compactor) schedule(files []datafile.FileInfo) (CompactionJob, bool) {
	run := SelectRun(files, c.cfg.MinFiles, c.cfg.MaxFiles, c.cfg.FullFileBytes)
	if len(run) == 0 {
		return CompactionJob{}, false
	}

	c.mu.Lock()
	c.nextJob++
	job := CompactionJob{ID: c.nextJob}
	c.mu.Unlock()

	for _, f := range run {
		job.Inputs = append(job.Inputs, f.Index)
		job.Bytes += f.Size
	}
	job.Reason = fmt.Sprintf("%d of %d files below %d bytes", len(run), len(files), c.cfg.FullFileBytes)
	return job, true
}

// SelectRun picks the oldest contiguous run of at least minFiles files that
// are each smaller than fullBytes, capped at maxFiles. files must be in
// creation order.
func SelectRun(files []datafile.FileInfo, minFiles, maxFiles int, fullBytes int64) []datafile.FileInfo {
	start := 0
	for i := 0; i <= len(files); i++ {
		if i < len(files) && files[i].Size < fullBytes {
			if i-start+1 == maxFiles {
				return files[start : i+1]
			}
			continue
		}
		if i-start >= minFiles {
			return files[start:i]
		}
		start = i + 1
	}
	return nil
}
