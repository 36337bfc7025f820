package longlist

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
)

// Disk keeps slots in a sparse memory-mapped scratch file. The mapping uses
// the file format directly, so WriteToFile is a sync plus a copy.
//
// Slots are accessed with native atomics; the on-disk layout is little-endian,
// which the constructor checks against the host.
type Disk struct {
	path     string
	file     *os.File
	data     []byte
	capacity uint64
	size     atomic.Uint64
	closed   sync.Once
}

var _ LongList = (*Disk)(nil)

// NewDisk creates the scratch file at path, replacing any previous one.
func NewDisk(path string, capacity uint64) (*Disk, error) {
	if !littleEndianHost() {
		return nil, fmt.Errorf("%w: disk long list requires a little-endian host", common.ErrIllegalState)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: disk long list needs a backing path", common.ErrInvalidArgument)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale long list: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create long list: %w", err)
	}
	length := int64(HeaderSize) + int64(capacity)*8
	if err := file.Truncate(length); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size long list: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap long list: %w", err)
	}
	copy(data, encodeHeader(fileHeader{Capacity: capacity}))

	return &Disk{path: path, file: file, data: data, capacity: capacity}, nil
}

func littleEndianHost() bool {
	probe := uint16(1)
	return *(*byte)(unsafe.Pointer(&probe)) == 1
}

func (l *Disk) slot(i uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&l.data[HeaderSize+i*8]))
}

func (l *Disk) Get(i uint64, def uint64) uint64 {
	if i >= l.capacity {
		return def
	}
	if v := atomic.LoadUint64(l.slot(i)); v != 0 {
		return v
	}
	return def
}

func (l *Disk) Put(i uint64, v uint64) error {
	if err := checkIndex(i, l.capacity); err != nil {
		return err
	}
	old := atomic.SwapUint64(l.slot(i), v)
	l.track(old, v)
	return nil
}

func (l *Disk) PutIfEqual(i uint64, old, v uint64) bool {
	if i >= l.capacity || !atomic.CompareAndSwapUint64(l.slot(i), old, v) {
		return false
	}
	l.track(old, v)
	return true
}

func (l *Disk) track(old, v uint64) {
	switch {
	case old == 0 && v != 0:
		l.size.Add(1)
	case old != 0 && v == 0:
		l.size.Add(^uint64(0))
	}
}

func (l *Disk) Capacity() uint64 { return l.capacity }
func (l *Disk) Size() uint64     { return l.size.Load() }

// WriteToFile syncs the mapping and copies it to path with the current size
// recorded in the header.
func (l *Disk) WriteToFile(path string) error {
	if err := unix.Msync(l.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync long list: %w", err)
	}

	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return err
	}
	defer af.Close()

	if _, err := af.Write(encodeHeader(fileHeader{Capacity: l.capacity, Size: l.Size()})); err != nil {
		return fmt.Errorf("write long list header: %w", err)
	}
	if _, err := af.Write(l.data[HeaderSize:]); err != nil {
		return fmt.Errorf("write long list slots: %w", err)
	}
	return af.Commit()
}

// Close unmaps and removes the scratch file.
func (l *Disk) Close() error {
	var result *multierror.Error
	l.closed.Do(func() {
		if err := unix.Munmap(l.data); err != nil {
			result = multierror.Append(result, fmt.Errorf("munmap long list: %w", err))
		}
		l.data = nil
		if err := l.file.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := os.Remove(l.path); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}
