package bucket

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/cespare/xxhash/v2"
)

// VariableSize is returned by SerializedSize for keys without a fixed width.
const VariableSize = -1

// IndexType hints how keys are distributed over the bucket index.
type IndexType int

const (
	// IndexGeneric keys are hashed.
	IndexGeneric IndexType = iota
	// IndexSequentialIncrementingLongs keys are dense non-negative integers,
	// so the key itself can serve as the hash.
	IndexSequentialIncrementingLongs
)

func (t IndexType) String() string {
	switch t {
	case IndexGeneric:
		return "generic"
	case IndexSequentialIncrementingLongs:
		return "sequential_incrementing_longs"
	default:
		return fmt.Sprintf("IndexType(%d)", int(t))
	}
}

// KeySerializer encodes, decodes and compares keys of type K.
//
// Every data file records the CurrentDataVersion that was in effect when it
// was written; Deserialize and Equals receive that version back so an older
// layout can still be read after the serializer evolves.
type KeySerializer[K any] interface {
	Serialize(key K) []byte
	Deserialize(b []byte, dataVersion uint64) (K, error)
	// Equals compares serialized bytes with key without allocating.
	Equals(b []byte, dataVersion uint64, key K) bool
	// SerializedSize is the fixed key width in bytes, or VariableSize.
	SerializedSize() int
	CurrentDataVersion() uint64
	IndexType() IndexType
	Hash(key K) uint32
}

// LongKeySerializer handles int64 keys as 8 little-endian bytes.
type LongKeySerializer struct{}

var _ KeySerializer[int64] = LongKeySerializer{}

func (LongKeySerializer) Serialize(key int64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), uint64(key))
}

func (LongKeySerializer) Deserialize(b []byte, _ uint64) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: long key has %d bytes", common.ErrCorrupt, len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (LongKeySerializer) Equals(b []byte, _ uint64, key int64) bool {
	return len(b) == 8 && int64(binary.LittleEndian.Uint64(b)) == key
}

func (LongKeySerializer) SerializedSize() int        { return 8 }
func (LongKeySerializer) CurrentDataVersion() uint64 { return 1 }
func (LongKeySerializer) IndexType() IndexType       { return IndexSequentialIncrementingLongs }

// Hash keeps the low 32 bits so dense keys land in distinct buckets.
func (LongKeySerializer) Hash(key int64) uint32 { return uint32(key) }

// StringKeySerializer handles string keys as raw UTF-8 bytes.
type StringKeySerializer struct{}

var _ KeySerializer[string] = StringKeySerializer{}

func (StringKeySerializer) Serialize(key string) []byte { return []byte(key) }

func (StringKeySerializer) Deserialize(b []byte, _ uint64) (string, error) {
	return string(b), nil
}

func (StringKeySerializer) Equals(b []byte, _ uint64, key string) bool {
	return string(b) == key
}

func (StringKeySerializer) SerializedSize() int        { return VariableSize }
func (StringKeySerializer) CurrentDataVersion() uint64 { return 1 }
func (StringKeySerializer) IndexType() IndexType       { return IndexGeneric }
func (StringKeySerializer) Hash(key string) uint32     { return fold(xxhash.Sum64String(key)) }

// BytesKeySerializer handles opaque byte slice keys.
type BytesKeySerializer struct{}

var _ KeySerializer[[]byte] = BytesKeySerializer{}

func (BytesKeySerializer) Serialize(key []byte) []byte {
	return append([]byte(nil), key...)
}

func (BytesKeySerializer) Deserialize(b []byte, _ uint64) ([]byte, error) {
	return append([]byte(nil), b...), nil
}

func (BytesKeySerializer) Equals(b []byte, _ uint64, key []byte) bool {
	return bytes.Equal(b, key)
}

func (BytesKeySerializer) SerializedSize() int        { return VariableSize }
func (BytesKeySerializer) CurrentDataVersion() uint64 { return 1 }
func (BytesKeySerializer) IndexType() IndexType       { return IndexGeneric }
func (BytesKeySerializer) Hash(key []byte) uint32     { return fold(xxhash.Sum64(key)) }

func fold(h uint64) uint32 {
	return uint32(h) ^ uint32(h>>32)
}
