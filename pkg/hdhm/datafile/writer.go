package datafile

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/internal/encoding"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
	blake3 "lukechampine.com/blake3"
)

// fileWriter appends records to one new data file. It is not safe for
// concurrent use.
type fileWriter struct {
	path   string
	index  uint32
	file   *os.File
	buf    *bufio.Writer
	hasher *blake3.Hasher
	out    io.Writer

	header  fileHeader
	offset  uint64
	items   uint64
	minKey  uint64
	maxKey  uint64
	scratch []byte
}

func createFile(dir, storeName string, index uint32, dataVersion uint64) (*fileWriter, error) {
	if index == 0 || index > common.MaxDataFileIndex {
		return nil, fmt.Errorf("%w: file index %d out of range", common.ErrInvalidOffset, index)
	}
	path := filepath.Join(dir, FileName(storeName, index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}

	w := &fileWriter{
		path:   path,
		index:  index,
		file:   file,
		buf:    bufio.NewWriterSize(file, 1<<20),
		hasher: blake3.New(32, nil),
		header: fileHeader{Index: index, CreatedAt: time.Now().UnixNano(), DataVersion: dataVersion},
		minKey: math.MaxUint64,
	}
	w.out = io.MultiWriter(w.buf, w.hasher)

	if _, err := w.out.Write(encodeHeader(w.header)); err != nil {
		w.abort()
		return nil, fmt.Errorf("write data file header: %w", err)
	}
	w.offset = HeaderSize
	return w, nil
}

// size returns the bytes written so far, footer excluded.
func (w *fileWriter) size() uint64 { return w.offset }

func (w *fileWriter) storeItem(key uint64, payload []byte) (uint64, error) {
	loc, err := Location(w.index, w.offset)
	if err != nil {
		return 0, err
	}

	rec := w.scratch[:0]
	rec = encoding.AppendUvarint(rec, uint64(len(payload)))
	crcAt := len(rec)
	rec = binary.LittleEndian.AppendUint32(rec, 0)
	rec = binary.LittleEndian.AppendUint64(rec, key)
	binary.LittleEndian.PutUint32(rec[crcAt:], utils.ComputeCRC32CMulti(rec[crcAt+4:], payload))
	w.scratch = rec

	if w.offset+uint64(len(rec)+len(payload)+FooterSize) > common.MaxDataFileBytes {
		return 0, fmt.Errorf("%w: data file %d full", common.ErrInvalidOffset, w.index)
	}
	if _, err := w.out.Write(rec); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if _, err := w.out.Write(payload); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}

	w.offset += uint64(len(rec) + len(payload))
	w.items++
	w.minKey = min(w.minKey, key)
	w.maxKey = max(w.maxKey, key)
	return loc, nil
}

// seal writes the footer, syncs and closes the file. A zero minKey/maxKey
// pair means the range tracked from stored items is used.
func (w *fileWriter) seal(minKey, maxKey uint64, sync bool) (FileInfo, error) {
	if minKey == 0 && maxKey == 0 && w.items > 0 {
		minKey, maxKey = w.minKey, w.maxKey
	}
	footer := fileFooter{ItemCount: w.items, MinKey: minKey, MaxKey: maxKey, DataEnd: w.offset}
	if _, err := w.out.Write(encodeFooter(footer)); err != nil {
		return FileInfo{}, fmt.Errorf("write footer: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return FileInfo{}, fmt.Errorf("flush data file: %w", err)
	}
	if sync {
		if err := w.file.Sync(); err != nil {
			return FileInfo{}, fmt.Errorf("sync data file: %w", err)
		}
	}
	if err := w.file.Close(); err != nil {
		return FileInfo{}, fmt.Errorf("close data file: %w", err)
	}
	w.file = nil
	if sync {
		if err := utils.SyncDir(filepath.Dir(w.path)); err != nil {
			return FileInfo{}, fmt.Errorf("sync directory: %w", err)
		}
	}

	return FileInfo{
		Index:       w.index,
		Name:        filepath.Base(w.path),
		Size:        int64(w.offset) + FooterSize,
		Items:       w.items,
		MinKey:      minKey,
		MaxKey:      maxKey,
		DataVersion: w.header.DataVersion,
		CreatedAt:   w.header.CreatedAt,
		Blake3:      hex.EncodeToString(w.hasher.Sum(nil)),
	}, nil
}

// abort closes and removes a file that was never sealed.
func (w *fileWriter) abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.path)
}
