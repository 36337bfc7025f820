package hdhm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/internal/filters"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/hashicorp/go-multierror"
)

// keySetPresent is the value stored for every key of a key set.
const keySetPresent int64 = 1

// HalfDiskVirtualKeySet is an add-only set of keys used during one
// reconstruction pass. Lookups check, in order, a buffer of unflushed keys, a
// bloom filter over every key added, and a private backing map. Its storage
// is discarded on Close.
type HalfDiskVirtualKeySet[K any] struct {
	mu     sync.RWMutex
	ser    bucket.KeySerializer[K]
	bloom  *filters.BloomFilter
	buffer map[string]K
	limit  int

	dir    string
	m      *HalfDiskHashMap[K]
	logger common.Logger
	closed bool
}

// NewVirtualKeySet creates an empty key set backed by a map in a new
// directory under opts.TempDir.
func NewVirtualKeySet[K any](ser bucket.KeySerializer[K], opts KeySetOptions) (*HalfDiskVirtualKeySet[K], error) {
	d := DefaultKeySetOptions()
	if opts.BloomHashCount == 0 {
		opts.BloomHashCount = d.BloomHashCount
	}
	if opts.BloomSizeInBits == 0 {
		opts.BloomSizeInBits = d.BloomSizeInBits
	}
	if opts.MapSize == 0 {
		opts.MapSize = d.MapSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = d.BufferSize
	}
	if opts.Map == nil {
		opts.Map = d.Map
	}

	dir, err := os.MkdirTemp(opts.TempDir, "hdhm-keyset-")
	if err != nil {
		return nil, fmt.Errorf("create key set directory: %w", err)
	}
	m, err := Open(dir, "keyset", opts.MapSize, ser, opts.Map)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	s := &HalfDiskVirtualKeySet[K]{
		ser:    ser,
		bloom:  filters.NewBloomFilterWithSize(opts.BloomSizeInBits, opts.BloomHashCount),
		buffer: make(map[string]K, opts.BufferSize),
		limit:  opts.BufferSize,
		dir:    dir,
		m:      m,
		logger: WithContext(opts.Map.Logger, map[string]interface{}{"keyset": dir}),
	}
	s.logger.Debug("created key set", "bloom_bits", s.bloom.NumBits(), "bloom_hashes", s.bloom.NumHash(),
		"bloom_bytes", s.bloom.SizeInBytes(), "buffer", s.limit)
	return s, nil
}

// Add inserts key. Once more than BufferSize keys are buffered they are
// written to the backing map.
func (s *HalfDiskVirtualKeySet[K]) Add(key K) error {
	if isNil(key) {
		return fmt.Errorf("%w: nil key", common.ErrInvalidArgument)
	}
	raw := s.ser.Serialize(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	s.bloom.Add(raw)
	s.buffer[string(raw)] = key
	if len(s.buffer) > s.limit {
		return s.flushLocked()
	}
	return nil
}

// Flush writes buffered keys to the backing map.
func (s *HalfDiskVirtualKeySet[K]) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	return s.flushLocked()
}

func (s *HalfDiskVirtualKeySet[K]) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}
	w, err := s.m.StartWriting()
	if err != nil {
		return err
	}
	for _, key := range s.buffer {
		if err := w.Put(key, keySetPresent); err != nil {
			w.EndWriting(context.Background())
			return err
		}
	}
	if err := w.EndWriting(context.Background()); err != nil {
		return err
	}
	s.logger.Debug("flushed key set buffer", "keys", len(s.buffer))
	clear(s.buffer)
	return nil
}

// Contains reports whether key was added. A bloom filter miss answers
// without touching disk.
func (s *HalfDiskVirtualKeySet[K]) Contains(key K) (bool, error) {
	if isNil(key) {
		return false, fmt.Errorf("%w: nil key", common.ErrInvalidArgument)
	}
	raw := s.ser.Serialize(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, common.ErrClosed
	}
	if _, ok := s.buffer[string(raw)]; ok {
		return true, nil
	}
	if !s.bloom.Contains(raw) {
		return false, nil
	}
	v, err := s.m.Get(key, 0)
	if err != nil {
		return false, err
	}
	return v == keySetPresent, nil
}

// BloomFalsePositiveRate estimates the bloom filter's current false positive
// rate.
func (s *HalfDiskVirtualKeySet[K]) BloomFalsePositiveRate() float64 {
	return s.bloom.EstimateFalsePositiveRate()
}

// Close discards the set and its backing storage. Buffered keys are not
// flushed.
func (s *HalfDiskVirtualKeySet[K]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return common.ErrClosed
	}
	s.closed = true
	s.buffer = nil

	var result *multierror.Error
	if err := s.m.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		result = multierror.Append(result, fmt.Errorf("remove key set directory: %w", err))
	}
	return result.ErrorOrNil()
}
