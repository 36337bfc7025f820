package datafile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/internal/encoding"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// Reader gives read access to one sealed data file.
//
// A Reader is reference counted. The collection holds one reference until
// the file is retired by a merge or the collection closes; every ReadItem
// holds another until its release func is called. The file is unmapped when
// the count reaches zero and, if retired, deleted.
type Reader struct {
	info   FileInfo
	path   string
	header fileHeader
	footer fileFooter

	mm   *utils.MemoryMap
	file *os.File // set when mmap is unavailable
	data []byte

	refs    atomic.Int64
	retired atomic.Bool
	merging atomic.Bool
	logger  common.Logger
}

func openReader(path string, info FileInfo, logger common.Logger) (*Reader, error) {
	r := &Reader{info: info, path: path, logger: logger}

	mm, err := utils.MapFile(path)
	if err == nil {
		r.mm = mm
		r.data = mm.Data()
	} else {
		logger.Warn("mmap failed, falling back to file reads", "path", path, "error", err)
		f, oerr := os.Open(path)
		if oerr != nil {
			return nil, fmt.Errorf("open data file: %w", oerr)
		}
		r.file = f
	}

	size, err := r.size()
	if err != nil {
		r.closeFiles()
		return nil, err
	}
	if size < HeaderSize+FooterSize {
		r.closeFiles()
		return nil, fmt.Errorf("%w: %s is %d bytes", common.ErrCorrupt, path, size)
	}

	hdr, err := r.bytesAt(0, HeaderSize)
	if err == nil {
		r.header, err = decodeHeader(hdr)
	}
	if err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ftr, err := r.bytesAt(uint64(size-FooterSize), FooterSize)
	if err == nil {
		r.footer, err = decodeFooter(ftr)
	}
	if err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if r.footer.DataEnd != uint64(size-FooterSize) {
		r.closeFiles()
		return nil, fmt.Errorf("%w: %s footer data end %d, file size %d", common.ErrCorrupt, path, r.footer.DataEnd, size)
	}

	if r.info.Index == 0 {
		r.info = FileInfo{
			Index:       r.header.Index,
			Size:        size,
			Items:       r.footer.ItemCount,
			MinKey:      r.footer.MinKey,
			MaxKey:      r.footer.MaxKey,
			DataVersion: r.header.DataVersion,
			CreatedAt:   r.header.CreatedAt,
		}
	}
	if r.header.Index != r.info.Index {
		r.closeFiles()
		return nil, fmt.Errorf("%w: %s header index %d, expected %d", common.ErrCorrupt, path, r.header.Index, r.info.Index)
	}

	r.refs.Store(1)
	return r, nil
}

// OpenFile opens a sealed data file without a collection, for offline tools.
// Close releases it.
func OpenFile(path string, logger common.Logger) (*Reader, error) {
	return openReader(path, FileInfo{}, common.LoggerOrNull(logger))
}

// Close drops the caller's reference.
func (r *Reader) Close() error {
	return r.release()
}

func (r *Reader) size() (int64, error) {
	if r.mm != nil {
		return int64(len(r.data)), nil
	}
	st, err := r.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// bytesAt returns n bytes at off. With mmap the result aliases the mapping.
func (r *Reader) bytesAt(off, n uint64) ([]byte, error) {
	if r.mm != nil {
		if off+n > uint64(len(r.data)) {
			return nil, fmt.Errorf("%w: read [%d,%d) beyond %d", common.ErrInvalidOffset, off, off+n, len(r.data))
		}
		return r.data[off : off+n], nil
	}
	buf := make([]byte, n)
	if _, err := r.file.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("%w: read at %d: %v", common.ErrInvalidOffset, off, err)
	}
	return buf, nil
}

// Info returns the file description.
func (r *Reader) Info() FileInfo { return r.info }

// Index returns the file index.
func (r *Reader) Index() uint32 { return r.info.Index }

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// DataVersion returns the key serialization version the file was written with.
func (r *Reader) DataVersion() uint64 { return r.header.DataVersion }

// readRecord decodes the record at off and returns its key, payload and the
// offset of the next record.
func (r *Reader) readRecord(off uint64) (uint64, []byte, uint64, error) {
	end := r.footer.DataEnd
	if off < HeaderSize || off >= end {
		return 0, nil, 0, fmt.Errorf("%w: offset %d outside records of file %d", common.ErrInvalidOffset, off, r.info.Index)
	}

	prefixLen := min(uint64(binary.MaxVarintLen64+recordFixedSize), end-off)
	prefix, err := r.bytesAt(off, prefixLen)
	if err != nil {
		return 0, nil, 0, err
	}
	length, n, err := encoding.Uvarint(prefix)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("file %d offset %d: %w", r.info.Index, off, err)
	}
	if uint64(n+recordFixedSize) > prefixLen || length > end-off-uint64(n+recordFixedSize) {
		return 0, nil, 0, fmt.Errorf("%w: record at %d of file %d overruns data", common.ErrCorrupt, off, r.info.Index)
	}
	crc := binary.LittleEndian.Uint32(prefix[n:])
	keyBytes := prefix[n+4 : n+recordFixedSize]
	key := binary.LittleEndian.Uint64(keyBytes)

	start := off + uint64(n+recordFixedSize)
	payload, err := r.bytesAt(start, length)
	if err != nil {
		return 0, nil, 0, err
	}
	if utils.ComputeCRC32CMulti(keyBytes, payload) != crc {
		return 0, nil, 0, fmt.Errorf("%w: record at %d of file %d", common.ErrCRCMismatch, off, r.info.Index)
	}
	return key, payload, start + length, nil
}

// ForEach visits every record in write order. The payload is only valid
// during the callback.
func (r *Reader) ForEach(fn func(loc, key uint64, payload []byte) error) error {
	off := uint64(HeaderSize)
	for off < r.footer.DataEnd {
		key, payload, next, err := r.readRecord(off)
		if err != nil {
			return err
		}
		loc, err := Location(r.info.Index, off)
		if err != nil {
			return err
		}
		if err := fn(loc, key, payload); err != nil {
			return err
		}
		off = next
	}
	return nil
}

func (r *Reader) acquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *Reader) release() error {
	if r.refs.Add(-1) != 0 {
		return nil
	}
	if err := r.closeFiles(); err != nil {
		r.logger.Warn("failed to close data file", "path", r.path, "error", err)
		return fmt.Errorf("close %s: %w", r.path, err)
	}
	if r.retired.Load() {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("failed to delete retired data file", "path", r.path, "error", err)
			return fmt.Errorf("delete %s: %w", r.path, err)
		}
		r.logger.Debug("deleted retired data file", "path", r.path)
	}
	return nil
}

// releaseFunc adapts release for callers that cannot act on the error.
func (r *Reader) releaseFunc() func() {
	return func() { _ = r.release() }
}

// retire marks the file for deletion and drops the collection's reference.
func (r *Reader) retire() error {
	if r.retired.CompareAndSwap(false, true) {
		return r.release()
	}
	return nil
}

func (r *Reader) closeFiles() error {
	if r.mm != nil {
		err := r.mm.Close()
		r.mm = nil
		r.data = nil
		return err
	}
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
