// Package longlist implements the bucket index: a large sparse array of
// uint64 slots mapping a bucket index to a data location.
//
// Slots hold zero until written, and zero reads back as the caller's default.
// Readers may call Get concurrently with a single writer calling Put or
// PutIfEqual.
package longlist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// LongList is a fixed-capacity array of atomically accessed uint64 slots.
type LongList interface {
	// Get returns the slot value, or def if the slot was never written or
	// holds zero.
	Get(i uint64, def uint64) uint64
	Put(i uint64, v uint64) error
	// PutIfEqual swaps old for v and reports whether it did.
	PutIfEqual(i uint64, old, v uint64) bool
	Capacity() uint64
	// Size returns the number of non-zero slots.
	Size() uint64
	// WriteToFile saves every slot in the file format shared by all kinds.
	WriteToFile(path string) error
	Close() error
}

// Kind selects the LongList implementation.
type Kind int

const (
	KindInMemory Kind = iota
	KindDisk
)

func (k Kind) String() string {
	switch k {
	case KindInMemory:
		return "in_memory"
	case KindDisk:
		return "disk"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "in_memory", "memory", "":
		return KindInMemory, nil
	case "disk":
		return KindDisk, nil
	}
	return 0, fmt.Errorf("%w: unknown long list kind %q", common.ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler for option files.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler for option files.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// New creates an empty list. backingPath is the scratch file of a KindDisk
// list and is ignored by KindInMemory; it is truncated on creation and
// removed on Close.
func New(kind Kind, capacity uint64, backingPath string) (LongList, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: long list capacity must be positive", common.ErrInvalidArgument)
	}
	switch kind {
	case KindInMemory:
		return NewInMemory(capacity), nil
	case KindDisk:
		return NewDisk(backingPath, capacity)
	}
	return nil, fmt.Errorf("%w: unknown long list kind %d", common.ErrInvalidArgument, kind)
}

// File layout: a HeaderSize header followed by capacity little-endian
// uint64 slots.
//
//	magic u32 | version u16 | reserved u16 | capacity u64 | size u64 | padding
const HeaderSize = common.HeaderAlignment

type fileHeader struct {
	Capacity uint64
	Size     uint64
}

func encodeHeader(h fileHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], common.MagicLongList)
	binary.LittleEndian.PutUint16(buf[4:6], common.VersionLongList)
	binary.LittleEndian.PutUint64(buf[8:16], h.Capacity)
	binary.LittleEndian.PutUint64(buf[16:24], h.Size)
	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	if len(buf) < HeaderSize {
		return fileHeader{}, fmt.Errorf("%w: long list header truncated", common.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != common.MagicLongList {
		return fileHeader{}, fmt.Errorf("%w: expected 0x%08x, got 0x%08x", common.ErrInvalidMagic, common.MagicLongList, magic)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != common.VersionLongList {
		return fileHeader{}, fmt.Errorf("%w: long list version 0x%04x", common.ErrUnsupportedVersion, v)
	}
	return fileHeader{
		Capacity: binary.LittleEndian.Uint64(buf[8:16]),
		Size:     binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// writeSlots streams a list file through an AtomicFile. slot returns the
// value for index i.
func writeSlots(path string, capacity, size uint64, slot func(i uint64) uint64) error {
	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return err
	}
	defer af.Close()

	w := bufio.NewWriterSize(af, 1<<20)
	if _, err := w.Write(encodeHeader(fileHeader{Capacity: capacity, Size: size})); err != nil {
		return fmt.Errorf("write long list header: %w", err)
	}
	var buf [8]byte
	for i := uint64(0); i < capacity; i++ {
		binary.LittleEndian.PutUint64(buf[:], slot(i))
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("write long list slot %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return af.Commit()
}

// ReadFile loads a file written by WriteToFile of either kind into dst.
// The file capacity must not exceed dst's capacity.
func ReadFile(path string, dst LongList) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("%w: read long list header: %v", common.ErrCorrupt, err)
	}
	h, err := decodeHeader(hdr)
	if err != nil {
		return err
	}
	if h.Capacity > dst.Capacity() {
		return fmt.Errorf("%w: file capacity %d exceeds list capacity %d", common.ErrInvalidArgument, h.Capacity, dst.Capacity())
	}

	var buf [8]byte
	var seen uint64
	for i := uint64(0); i < h.Capacity; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return fmt.Errorf("%w: read long list slot %d: %v", common.ErrCorrupt, i, err)
		}
		if v := binary.LittleEndian.Uint64(buf[:]); v != 0 {
			if err := dst.Put(i, v); err != nil {
				return err
			}
			seen++
		}
	}
	if seen != h.Size {
		return fmt.Errorf("%w: long list header says %d slots, found %d", common.ErrCorrupt, h.Size, seen)
	}
	return nil
}

func checkIndex(i, capacity uint64) error {
	if i >= capacity {
		return fmt.Errorf("%w: index %d out of range [0, %d)", common.ErrInvalidArgument, i, capacity)
	}
	return nil
}
