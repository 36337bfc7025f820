package longlist

import (
	"sync/atomic"
)

const (
	chunkShift = 16
	chunkSize  = 1 << chunkShift
	chunkMask  = chunkSize - 1
)

type chunk [chunkSize]atomic.Uint64

// InMemory keeps slots in lazily allocated fixed-size chunks.
type InMemory struct {
	chunks   []atomic.Pointer[chunk]
	capacity uint64
	size     atomic.Uint64
}

var _ LongList = (*InMemory)(nil)

// NewInMemory creates an empty in-memory list.
func NewInMemory(capacity uint64) *InMemory {
	return &InMemory{
		chunks:   make([]atomic.Pointer[chunk], (capacity+chunkSize-1)>>chunkShift),
		capacity: capacity,
	}
}

func (l *InMemory) slot(i uint64, create bool) *atomic.Uint64 {
	p := &l.chunks[i>>chunkShift]
	c := p.Load()
	if c == nil {
		if !create {
			return nil
		}
		p.CompareAndSwap(nil, new(chunk))
		c = p.Load()
	}
	return &c[i&chunkMask]
}

func (l *InMemory) Get(i uint64, def uint64) uint64 {
	if i >= l.capacity {
		return def
	}
	s := l.slot(i, false)
	if s == nil {
		return def
	}
	if v := s.Load(); v != 0 {
		return v
	}
	return def
}

func (l *InMemory) Put(i uint64, v uint64) error {
	if err := checkIndex(i, l.capacity); err != nil {
		return err
	}
	if v == 0 && l.chunks[i>>chunkShift].Load() == nil {
		return nil
	}
	old := l.slot(i, true).Swap(v)
	l.track(old, v)
	return nil
}

func (l *InMemory) PutIfEqual(i uint64, old, v uint64) bool {
	if i >= l.capacity {
		return false
	}
	s := l.slot(i, old != 0 || v != 0)
	if s == nil {
		return false
	}
	if !s.CompareAndSwap(old, v) {
		return false
	}
	l.track(old, v)
	return true
}

func (l *InMemory) track(old, v uint64) {
	switch {
	case old == 0 && v != 0:
		l.size.Add(1)
	case old != 0 && v == 0:
		l.size.Add(^uint64(0))
	}
}

func (l *InMemory) Capacity() uint64 { return l.capacity }
func (l *InMemory) Size() uint64     { return l.size.Load() }

func (l *InMemory) WriteToFile(path string) error {
	return writeSlots(path, l.capacity, l.Size(), func(i uint64) uint64 {
		return l.Get(i, 0)
	})
}

// Close drops all chunks.
func (l *InMemory) Close() error {
	for i := range l.chunks {
		l.chunks[i].Store(nil)
	}
	l.size.Store(0)
	return nil
}
