package datafile

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// File layout:
//
//	header (HeaderSize bytes)
//	  magic u32 | version u16 | reserved u16 | fileIndex u32 | reserved u32
//	  createdAt i64 | dataVersion u64 | ... | crc32c u32 (last 4 bytes)
//	records
//	  len uvarint | crc32c u32 | key u64 | payload (len bytes)
//	footer (FooterSize bytes)
//	  magic u32 | reserved u32 | itemCount u64 | minKey u64 | maxKey u64
//	  dataEnd u64 | crc32c u32 | reserved u32
const (
	HeaderSize = common.HeaderAlignment
	FooterSize = 48

	recordFixedSize = 4 + 8
)

type fileHeader struct {
	Index       uint32
	CreatedAt   int64
	DataVersion uint64
}

func encodeHeader(h fileHeader) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], common.MagicDataFile)
	binary.LittleEndian.PutUint16(buf[4:6], common.VersionDataFile)
	binary.LittleEndian.PutUint32(buf[8:12], h.Index)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint64(buf[24:32], h.DataVersion)
	binary.LittleEndian.PutUint32(buf[HeaderSize-4:], utils.ComputeCRC32C(buf[:HeaderSize-4]))
	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	if len(buf) < HeaderSize {
		return fileHeader{}, fmt.Errorf("%w: data file header truncated", common.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != common.MagicDataFile {
		return fileHeader{}, fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, magic, common.MagicDataFile)
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != common.VersionDataFile {
		return fileHeader{}, fmt.Errorf("%w: got 0x%04x, expected 0x%04x", common.ErrUnsupportedVersion, v, common.VersionDataFile)
	}
	if !utils.VerifyCRC32C(buf[:HeaderSize-4], binary.LittleEndian.Uint32(buf[HeaderSize-4:])) {
		return fileHeader{}, fmt.Errorf("%w: data file header", common.ErrCRCMismatch)
	}
	return fileHeader{
		Index:       binary.LittleEndian.Uint32(buf[8:12]),
		CreatedAt:   int64(binary.LittleEndian.Uint64(buf[16:24])),
		DataVersion: binary.LittleEndian.Uint64(buf[24:32]),
	}, nil
}

type fileFooter struct {
	ItemCount uint64
	MinKey    uint64
	MaxKey    uint64
	DataEnd   uint64
}

func encodeFooter(f fileFooter) []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], common.MagicFooter)
	binary.LittleEndian.PutUint64(buf[8:16], f.ItemCount)
	binary.LittleEndian.PutUint64(buf[16:24], f.MinKey)
	binary.LittleEndian.PutUint64(buf[24:32], f.MaxKey)
	binary.LittleEndian.PutUint64(buf[32:40], f.DataEnd)
	binary.LittleEndian.PutUint32(buf[40:44], utils.ComputeCRC32C(buf[:40]))
	return buf
}

func decodeFooter(buf []byte) (fileFooter, error) {
	if len(buf) != FooterSize {
		return fileFooter{}, fmt.Errorf("%w: data file footer truncated", common.ErrCorrupt)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != common.MagicFooter {
		return fileFooter{}, fmt.Errorf("%w: footer got 0x%08x, file was not sealed", common.ErrInvalidMagic, magic)
	}
	if !utils.VerifyCRC32C(buf[:40], binary.LittleEndian.Uint32(buf[40:44])) {
		return fileFooter{}, fmt.Errorf("%w: data file footer", common.ErrCRCMismatch)
	}
	return fileFooter{
		ItemCount: binary.LittleEndian.Uint64(buf[8:16]),
		MinKey:    binary.LittleEndian.Uint64(buf[16:24]),
		MaxKey:    binary.LittleEndian.Uint64(buf[24:32]),
		DataEnd:   binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// FileName returns the data file name for a store and file index.
func FileName(storeName string, index uint32) string {
	return fmt.Sprintf("%s_%06d%s", storeName, index, common.ExtDataFile)
}

// ParseFileName extracts the file index from a data file name of storeName.
func ParseFileName(storeName, name string) (uint32, bool) {
	re := regexp.MustCompile("^" + regexp.QuoteMeta(storeName) + `_(\d{6,})` + regexp.QuoteMeta(common.ExtDataFile) + "$")
	m := re.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
