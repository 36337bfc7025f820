package hdhm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a HalfDiskHashMap.
type Options struct {
	// LoadFactor is the target fraction of bucket capacity used at the
	// expected map size.
	LoadFactor float64 `json:"loadFactor"`

	// TargetBucketOccupancy is the average number of entries a full bucket
	// should hold.
	TargetBucketOccupancy int `json:"targetBucketOccupancy"`

	// IndexKind selects the bucket index implementation.
	IndexKind longlist.Kind `json:"indexKind"`

	// MaxDataFileBytes bounds data files written by merge.
	MaxDataFileBytes int64 `json:"maxDataFileBytes"`

	// FlushParallelism bounds concurrent bucket loads in EndWriting.
	FlushParallelism int `json:"flushParallelism"`

	// SyncOnSeal fsyncs every data file before its locations are published.
	SyncOnSeal bool `json:"syncOnSeal"`

	// VerifyChecksumsOnLoad enables BLAKE3 verification of data files on Open.
	VerifyChecksumsOnLoad bool `json:"verifyChecksumsOnLoad"`

	// BackgroundMerge starts a compactor that merges small data files.
	BackgroundMerge bool `json:"backgroundMerge"`

	// MergeInterval is the period of the background merge policy check.
	MergeInterval time.Duration `json:"mergeInterval"`

	// MergeMinFiles is the smallest run of files the compactor merges.
	MergeMinFiles int `json:"mergeMinFiles"`

	// MergeMaxFiles caps the files merged in one background job.
	MergeMaxFiles int `json:"mergeMaxFiles"`

	// Logger provides structured logging.
	Logger common.Logger `json:"-"`

	// MetricsRegisterer, when set, receives the map's prometheus collectors.
	MetricsRegisterer prometheus.Registerer `json:"-"`
}

// DefaultOptions returns default options.
func DefaultOptions() *Options {
	return &Options{
		LoadFactor:            common.DefaultLoadFactor,
		TargetBucketOccupancy: common.DefaultTargetBucketOccupancy,
		IndexKind:             longlist.KindInMemory,
		MaxDataFileBytes:      common.DefaultMaxDataFileBytes,
		FlushParallelism:      common.DefaultFlushParallelism,
		SyncOnSeal:            true,
		VerifyChecksumsOnLoad: false,
		BackgroundMerge:       false,
		MergeInterval:         10 * time.Second,
		MergeMinFiles:         common.DefaultMergeMinFiles,
		MergeMaxFiles:         common.DefaultMergeMaxFiles,
		Logger:                nil,
	}
}

// LoadOptionsFile overlays the JSON object in path onto DefaultOptions.
// Durations are given in nanoseconds or as strings such as "30s".
func LoadOptionsFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	opts := DefaultOptions()
	var overlay struct {
		*Options
		MergeInterval json.RawMessage `json:"mergeInterval"`
	}
	overlay.Options = opts
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("%w: parse options %s: %v", common.ErrInvalidArgument, path, err)
	}
	if len(overlay.MergeInterval) > 0 {
		d, err := parseDuration(overlay.MergeInterval)
		if err != nil {
			return nil, fmt.Errorf("%w: mergeInterval: %v", common.ErrInvalidArgument, err)
		}
		opts.MergeInterval = d
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func parseDuration(raw json.RawMessage) (time.Duration, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return time.ParseDuration(s)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return time.Duration(n), nil
}

// withDefaults fills zero fields from DefaultOptions.
func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	c := *o
	if c.LoadFactor == 0 {
		c.LoadFactor = d.LoadFactor
	}
	if c.TargetBucketOccupancy == 0 {
		c.TargetBucketOccupancy = d.TargetBucketOccupancy
	}
	if c.MaxDataFileBytes == 0 {
		c.MaxDataFileBytes = d.MaxDataFileBytes
	}
	if c.FlushParallelism == 0 {
		c.FlushParallelism = d.FlushParallelism
	}
	if c.MergeInterval == 0 {
		c.MergeInterval = d.MergeInterval
	}
	if c.MergeMinFiles == 0 {
		c.MergeMinFiles = d.MergeMinFiles
	}
	if c.MergeMaxFiles == 0 {
		c.MergeMaxFiles = d.MergeMaxFiles
	}
	return &c
}

func (o *Options) validate() error {
	switch {
	case o.LoadFactor <= 0 || o.LoadFactor > 1:
		return fmt.Errorf("%w: load factor %v not in (0, 1]", common.ErrInvalidArgument, o.LoadFactor)
	case o.TargetBucketOccupancy <= 0:
		return fmt.Errorf("%w: target bucket occupancy %d", common.ErrInvalidArgument, o.TargetBucketOccupancy)
	case o.MaxDataFileBytes <= 0 || o.MaxDataFileBytes > common.MaxDataFileBytes:
		return fmt.Errorf("%w: max data file bytes %d", common.ErrInvalidArgument, o.MaxDataFileBytes)
	case o.FlushParallelism <= 0:
		return fmt.Errorf("%w: flush parallelism %d", common.ErrInvalidArgument, o.FlushParallelism)
	case o.MergeMinFiles < 1 || o.MergeMaxFiles < o.MergeMinFiles:
		return fmt.Errorf("%w: merge files range [%d, %d]", common.ErrInvalidArgument, o.MergeMinFiles, o.MergeMaxFiles)
	}
	return nil
}

// KeySetOptions configures a HalfDiskVirtualKeySet.
type KeySetOptions struct {
	// BloomHashCount is the number of bloom filter probes per key.
	BloomHashCount uint32

	// BloomSizeInBits is the bloom filter size.
	BloomSizeInBits uint64

	// MapSize is the expected number of keys, used to size the backing map.
	MapSize uint64

	// BufferSize is the number of buffered keys that triggers a flush.
	BufferSize int

	// TempDir is the parent of the backing map's private directory. Empty
	// uses the system temp directory.
	TempDir string

	// Map configures the backing map.
	Map *Options
}

// DefaultKeySetOptions returns default key set options.
func DefaultKeySetOptions() KeySetOptions {
	mapOpts := DefaultOptions()
	// backing storage is discarded after use
	mapOpts.SyncOnSeal = false
	return KeySetOptions{
		BloomHashCount:  common.DefaultKeySetBloomHashCount,
		BloomSizeInBits: common.DefaultKeySetBloomSizeInBits,
		MapSize:         common.DefaultKeySetMapSize,
		BufferSize:      common.DefaultKeySetBufferSize,
		Map:             mapOpts,
	}
}
