package bucket

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/internal/encoding"
)

// Tombstone marks a logically deleted entry until merge removes it.
const Tombstone = common.TombstoneValue

// Serialized layout:
//
//	bucketIndex u32 | entryCount u32 | entries...
//	entry: keyHash u32 | value i64 | keyLen uvarint | key
const (
	headerSize     = 8
	entryFixedSize = 4 + 8
)

// Entry is one key/value pair inside a bucket. Key aliases the bucket bytes
// when produced by a View.
type Entry struct {
	KeyHash uint32
	Value   int64
	Key     []byte
}

// View is a read-only view over serialized bucket bytes. It never copies and
// never mutates the underlying buffer.
type View[K any] struct {
	data        []byte
	ser         KeySerializer[K]
	dataVersion uint64
}

// NewView wraps data written with the given key serialization version.
func NewView[K any](data []byte, ser KeySerializer[K], dataVersion uint64) (View[K], error) {
	if len(data) < headerSize {
		return View[K]{}, fmt.Errorf("%w: bucket of %d bytes", common.ErrCorrupt, len(data))
	}
	return View[K]{data: data, ser: ser, dataVersion: dataVersion}, nil
}

// Index returns the bucket index recorded in the header.
func (v View[K]) Index() uint32 {
	return binary.LittleEndian.Uint32(v.data[0:4])
}

// Len returns the number of entries including tombstones.
func (v View[K]) Len() int {
	return int(binary.LittleEndian.Uint32(v.data[4:8]))
}

// DataVersion returns the key serialization version of the bytes.
func (v View[K]) DataVersion() uint64 { return v.dataVersion }

// ForEach calls fn for every entry in stored order until fn returns false.
func (v View[K]) ForEach(fn func(e Entry) bool) error {
	off := headerSize
	for i, n := 0, v.Len(); i < n; i++ {
		if len(v.data)-off < entryFixedSize {
			return fmt.Errorf("%w: bucket %d entry %d truncated", common.ErrCorrupt, v.Index(), i)
		}
		e := Entry{
			KeyHash: binary.LittleEndian.Uint32(v.data[off:]),
			Value:   int64(binary.LittleEndian.Uint64(v.data[off+4:])),
		}
		off += entryFixedSize
		key, used, err := encoding.LengthPrefixed(v.data[off:])
		if err != nil {
			return fmt.Errorf("bucket %d entry %d: %w", v.Index(), i, err)
		}
		e.Key = key
		off += used
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// FindValue returns the value stored for key, or notFound when the key is
// absent or tombstoned. The hash is compared before the key bytes.
func (v View[K]) FindValue(keyHash uint32, key K, notFound int64) (int64, error) {
	result := notFound
	err := v.ForEach(func(e Entry) bool {
		if e.KeyHash != keyHash || !v.ser.Equals(e.Key, v.dataVersion, key) {
			return true
		}
		if e.Value != Tombstone {
			result = e.Value
		}
		return false
	})
	if err != nil {
		return notFound, err
	}
	return result, nil
}

// Bucket is the mutable form of a bucket used while flushing and merging.
// All keys it holds are encoded with the serializer's current data version.
type Bucket[K any] struct {
	index   uint32
	entries []Entry
	ser     KeySerializer[K]
}

// New returns an empty bucket.
func New[K any](index uint32, ser KeySerializer[K]) *Bucket[K] {
	return &Bucket[K]{index: index, ser: ser}
}

// FromView copies v into a mutable bucket, re-encoding keys that were written
// with an older serialization version.
func FromView[K any](v View[K]) (*Bucket[K], error) {
	b := &Bucket[K]{index: v.Index(), ser: v.ser, entries: make([]Entry, 0, v.Len())}
	current := v.ser.CurrentDataVersion()
	var convErr error
	err := v.ForEach(func(e Entry) bool {
		key := append([]byte(nil), e.Key...)
		if v.dataVersion != current {
			k, err := v.ser.Deserialize(e.Key, v.dataVersion)
			if err != nil {
				convErr = fmt.Errorf("bucket %d: re-encode key from version %d: %w", b.index, v.dataVersion, err)
				return false
			}
			key = v.ser.Serialize(k)
		}
		b.entries = append(b.entries, Entry{KeyHash: e.KeyHash, Value: e.Value, Key: key})
		return true
	})
	if err != nil {
		return nil, err
	}
	if convErr != nil {
		return nil, convErr
	}
	return b, nil
}

// Index returns the bucket index.
func (b *Bucket[K]) Index() uint32 { return b.index }

// Len returns the number of entries including tombstones.
func (b *Bucket[K]) Len() int { return len(b.entries) }

// Entries returns the entries in stored order. The slice must not be modified.
func (b *Bucket[K]) Entries() []Entry { return b.entries }

// FindValue returns the value stored for key, or notFound.
func (b *Bucket[K]) FindValue(keyHash uint32, key K, notFound int64) int64 {
	version := b.ser.CurrentDataVersion()
	for _, e := range b.entries {
		if e.KeyHash == keyHash && b.ser.Equals(e.Key, version, key) {
			if e.Value == Tombstone {
				return notFound
			}
			return e.Value
		}
	}
	return notFound
}

// PutValue upserts key. Writing a Tombstone for an absent key is a no-op.
func (b *Bucket[K]) PutValue(keyHash uint32, key []byte, value int64) {
	b.PutValueIfEqual(keyHash, key, Tombstone, value)
}

// PutValueIfEqual upserts key only when its current value equals oldValue.
// An oldValue of Tombstone disables the check. It reports whether the bucket
// changed.
func (b *Bucket[K]) PutValueIfEqual(keyHash uint32, key []byte, oldValue, value int64) bool {
	for i := range b.entries {
		e := &b.entries[i]
		if e.KeyHash != keyHash || !bytes.Equal(e.Key, key) {
			continue
		}
		if oldValue != Tombstone && e.Value != oldValue {
			return false
		}
		e.Value = value
		return true
	}
	if oldValue != Tombstone || value == Tombstone {
		return false
	}
	b.entries = append(b.entries, Entry{KeyHash: keyHash, Value: value, Key: append([]byte(nil), key...)})
	return true
}

// DropTombstones physically removes deleted entries and returns how many
// were removed.
func (b *Bucket[K]) DropTombstones() int {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.Value != Tombstone {
			kept = append(kept, e)
		}
	}
	dropped := len(b.entries) - len(kept)
	b.entries = kept
	return dropped
}

// Size returns the serialized length in bytes.
func (b *Bucket[K]) Size() int {
	n := headerSize
	for _, e := range b.entries {
		n += entryFixedSize + encoding.SizeUvarint(uint64(len(e.Key))) + len(e.Key)
	}
	return n
}

// Bytes serializes the bucket.
func (b *Bucket[K]) Bytes() []byte {
	return b.AppendTo(make([]byte, 0, b.Size()))
}

// AppendTo appends the serialized bucket to dst.
func (b *Bucket[K]) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, b.index)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b.entries)))
	for _, e := range b.entries {
		dst = binary.LittleEndian.AppendUint32(dst, e.KeyHash)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(e.Value))
		dst = encoding.AppendUvarint(dst, uint64(len(e.Key)))
		dst = append(dst, e.Key...)
	}
	return dst
}

// Compact rewrites serialized bucket bytes for merge: tombstones are dropped
// and keys are re-encoded to the current data version. The returned bucket
// may be empty.
func Compact[K any](data []byte, ser KeySerializer[K], dataVersion uint64) (*Bucket[K], error) {
	v, err := NewView(data, ser, dataVersion)
	if err != nil {
		return nil, err
	}
	b, err := FromView(v)
	if err != nil {
		return nil, err
	}
	b.DropTombstones()
	return b, nil
}
