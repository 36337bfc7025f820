package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-hdhm/internal/common"
)

// SizeUvarint returns the number of bytes required to encode v.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendUvarint appends a variable-length encoded unsigned integer to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes an unsigned varint from the start of buf and returns the
// value and the number of bytes consumed. Truncated or overlong input is
// reported as corruption.
func Uvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: truncated varint", common.ErrCorrupt)
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: varint overflows 64 bits", common.ErrCorrupt)
	}
	return v, n, nil
}

// LengthPrefixed decodes a uvarint length followed by that many bytes and
// returns the payload (aliasing buf) and the total bytes consumed.
func LengthPrefixed(buf []byte) ([]byte, int, error) {
	l, n, err := Uvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	if l > uint64(len(buf)-n) {
		return nil, 0, fmt.Errorf("%w: length %d exceeds remaining %d bytes", common.ErrCorrupt, l, len(buf)-n)
	}
	end := n + int(l)
	return buf[n:end], end, nil
}
