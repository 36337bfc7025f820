package bucket

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"testing"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putString(b *Bucket[string], key string, value int64) {
	ser := StringKeySerializer{}
	b.PutValue(ser.Hash(key), ser.Serialize(key), value)
}

func TestBucketRoundTrip(t *testing.T) {
	ser := StringKeySerializer{}
	b := New[string](7, ser)
	putString(b, "alpha", 1)
	putString(b, "beta", 2)
	putString(b, "alpha", 3)

	require.Equal(t, 2, b.Len())
	assert.Equal(t, b.Size(), len(b.Bytes()))

	v, err := NewView(b.Bytes(), ser, ser.CurrentDataVersion())
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v.Index())
	assert.Equal(t, 2, v.Len())

	got, err := v.FindValue(ser.Hash("alpha"), "alpha", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)

	got, err = v.FindValue(ser.Hash("beta"), "beta", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	got, err = v.FindValue(ser.Hash("gamma"), "gamma", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
}

func TestBucketHashCollision(t *testing.T) {
	ser := StringKeySerializer{}
	b := New[string](0, ser)
	// same hash, different keys
	b.PutValue(42, []byte("x"), 1)
	b.PutValue(42, []byte("y"), 2)

	v, err := NewView(b.Bytes(), ser, 1)
	require.NoError(t, err)
	got, err := v.FindValue(42, "y", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	got, err = v.FindValue(42, "z", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
}

func TestBucketTombstones(t *testing.T) {
	ser := StringKeySerializer{}
	b := New[string](1, ser)
	putString(b, "keep", 1)
	putString(b, "drop", 2)
	putString(b, "drop", Tombstone)
	putString(b, "never", Tombstone)

	require.Equal(t, 2, b.Len(), "tombstone for an absent key is not stored")
	assert.Equal(t, int64(-1), b.FindValue(ser.Hash("drop"), "drop", -1))

	v, err := NewView(b.Bytes(), ser, 1)
	require.NoError(t, err)
	got, err := v.FindValue(ser.Hash("drop"), "drop", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)

	assert.Equal(t, 1, b.DropTombstones())
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, int64(1), b.FindValue(ser.Hash("keep"), "keep", -1))
}

func TestBucketPutValueIfEqual(t *testing.T) {
	ser := LongKeySerializer{}
	b := New[int64](0, ser)
	key := ser.Serialize(10)

	assert.False(t, b.PutValueIfEqual(ser.Hash(10), key, 5, 6), "conditional write on absent key")
	assert.True(t, b.PutValueIfEqual(ser.Hash(10), key, Tombstone, 5))
	assert.False(t, b.PutValueIfEqual(ser.Hash(10), key, 4, 7))
	assert.Equal(t, int64(5), b.FindValue(ser.Hash(10), 10, -1))
	assert.True(t, b.PutValueIfEqual(ser.Hash(10), key, 5, 7))
	assert.Equal(t, int64(7), b.FindValue(ser.Hash(10), 10, -1))
}

func TestViewCorrupt(t *testing.T) {
	ser := StringKeySerializer{}
	_, err := NewView([]byte{1, 2, 3}, ser, 1)
	assert.ErrorIs(t, err, common.ErrCorrupt)

	b := New[string](3, ser)
	putString(b, "truncated", 9)
	data := b.Bytes()

	v, err := NewView(data[:len(data)-2], ser, 1)
	require.NoError(t, err)
	_, err = v.FindValue(ser.Hash("truncated"), "truncated", -1)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}

func TestMutationLastWriteWins(t *testing.T) {
	m := NewMutation([]byte("a"), 1, 1)
	m.Put([]byte("b"), 2, 2)
	m.Put([]byte("a"), 1, 3)
	assert.Equal(t, 2, m.Size())

	var keys []string
	var values []int64
	m.ForEachKeyValue(func(key []byte, _ uint32, _, value int64) {
		keys = append(keys, string(key))
		values = append(values, value)
	})
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []int64{3, 2}, values)
}

func TestBucketApplyMutation(t *testing.T) {
	ser := StringKeySerializer{}
	b := New[string](0, ser)
	putString(b, "a", 1)
	putString(b, "b", 2)

	m := NewMutation(ser.Serialize("a"), ser.Hash("a"), 10)
	m.Put(ser.Serialize("b"), ser.Hash("b"), Tombstone)
	m.PutIfEqual(ser.Serialize("c"), ser.Hash("c"), 99, 3)
	m.Put(ser.Serialize("d"), ser.Hash("d"), 4)

	assert.Equal(t, 3, b.Apply(m))
	assert.Equal(t, int64(10), b.FindValue(ser.Hash("a"), "a", -1))
	assert.Equal(t, int64(-1), b.FindValue(ser.Hash("b"), "b", -1))
	assert.Equal(t, int64(-1), b.FindValue(ser.Hash("c"), "c", -1))
	assert.Equal(t, int64(4), b.FindValue(ser.Hash("d"), "d", -1))
}

// decimalKeySerializer stores keys as decimal text in version 1 and as
// big-endian bytes in version 2.
type decimalKeySerializer struct{ version uint64 }

func (s decimalKeySerializer) Serialize(key int64) []byte {
	if s.version == 1 {
		return []byte(strconv.FormatInt(key, 10))
	}
	return binary.BigEndian.AppendUint64(nil, uint64(key))
}

func (s decimalKeySerializer) Deserialize(b []byte, v uint64) (int64, error) {
	if v == 1 {
		return strconv.ParseInt(string(b), 10, 64)
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("bad key length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (s decimalKeySerializer) Equals(b []byte, v uint64, key int64) bool {
	k, err := s.Deserialize(b, v)
	return err == nil && k == key
}

func (decimalKeySerializer) SerializedSize() int          { return VariableSize }
func (s decimalKeySerializer) CurrentDataVersion() uint64 { return s.version }
func (decimalKeySerializer) IndexType() IndexType         { return IndexGeneric }
func (decimalKeySerializer) Hash(key int64) uint32        { return uint32(key) }

func TestCompactReencodesOldVersion(t *testing.T) {
	v1 := decimalKeySerializer{version: 1}
	old := New[int64](5, v1)
	old.PutValue(v1.Hash(123), v1.Serialize(123), 1)
	old.PutValue(v1.Hash(456), v1.Serialize(456), 2)
	old.PutValue(v1.Hash(456), v1.Serialize(456), Tombstone)

	v2 := decimalKeySerializer{version: 2}
	b, err := Compact[int64](old.Bytes(), v2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, b.Len())
	assert.Equal(t, v2.Serialize(123), b.Entries()[0].Key)

	view, err := NewView(b.Bytes(), v2, 2)
	require.NoError(t, err)
	got, err := view.FindValue(v2.Hash(123), 123, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestSerializers(t *testing.T) {
	long := LongKeySerializer{}
	k, err := long.Deserialize(long.Serialize(-77), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(-77), k)
	assert.True(t, long.Equals(long.Serialize(5), 1, 5))
	assert.Equal(t, uint32(5), long.Hash(5))
	assert.Equal(t, IndexSequentialIncrementingLongs, long.IndexType())
	_, err = long.Deserialize([]byte{1}, 1)
	assert.ErrorIs(t, err, common.ErrCorrupt)

	bs := BytesKeySerializer{}
	in := []byte{1, 2, 3}
	out := bs.Serialize(in)
	in[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, out, "serialized key must not alias the caller's slice")
	assert.Equal(t, VariableSize, bs.SerializedSize())

	str := StringKeySerializer{}
	assert.Equal(t, str.Hash("x"), str.Hash("x"))
	assert.Equal(t, "generic", str.IndexType().String())
}
