package datafile

import (
	"fmt"

	"github.com/CVDpl/go-live-hdhm/internal/common"
)

const offsetMask = uint64(common.MaxDataFileBytes - 1)

// Location packs a file index and a byte offset into one uint64. File
// indices start at 1, so a zero location never points at a record.
func Location(fileIndex uint32, offset uint64) (uint64, error) {
	if fileIndex == 0 || fileIndex > common.MaxDataFileIndex {
		return 0, fmt.Errorf("%w: file index %d out of range", common.ErrInvalidOffset, fileIndex)
	}
	if offset > offsetMask {
		return 0, fmt.Errorf("%w: offset %d exceeds %d bits", common.ErrInvalidOffset, offset, common.DataLocationOffsetBits)
	}
	return uint64(fileIndex)<<common.DataLocationOffsetBits | offset, nil
}

// FileIndex extracts the file index of loc.
func FileIndex(loc uint64) uint32 {
	return uint32(loc >> common.DataLocationOffsetBits)
}

// Offset extracts the byte offset of loc.
func Offset(loc uint64) uint64 {
	return loc & offsetMask
}

// FormatLocation renders loc for logs.
func FormatLocation(loc uint64) string {
	if loc == common.NonExistentLocation {
		return "none"
	}
	return fmt.Sprintf("%d@%d", FileIndex(loc), Offset(loc))
}
