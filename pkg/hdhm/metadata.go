package hdhm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// Metadata is the sizing of a map, fixed when the map is created.
type Metadata struct {
	FormatVersion  int32
	MinimumBuckets int32
	NumOfBuckets   int32
}

// metadataSize is three big-endian int32 values.
const metadataSize = 12

// ComputeSizing derives the bucket counts for mapSize expected keys:
// minimumBuckets = ceil(mapSize / loadFactor / targetOccupancy) and
// numOfBuckets is the next power of two, at least 2.
func ComputeSizing(mapSize uint64, loadFactor float64, targetOccupancy int) (Metadata, error) {
	if mapSize == 0 {
		return Metadata{}, fmt.Errorf("%w: map size must be positive", common.ErrInvalidArgument)
	}
	if loadFactor <= 0 || loadFactor > 1 || targetOccupancy <= 0 {
		return Metadata{}, fmt.Errorf("%w: load factor %v, occupancy %d", common.ErrInvalidArgument, loadFactor, targetOccupancy)
	}
	minimum := math.Ceil(float64(mapSize) / loadFactor / float64(targetOccupancy))
	if minimum > 1<<30 {
		return Metadata{}, fmt.Errorf("%w: map size %d needs %v buckets", common.ErrInvalidArgument, mapSize, minimum)
	}
	minBuckets := max(int32(minimum), 1)
	return Metadata{
		FormatVersion:  common.MetadataFormatVersion,
		MinimumBuckets: minBuckets,
		NumOfBuckets:   nextPowerOfTwo(minBuckets),
	}, nil
}

func nextPowerOfTwo(n int32) int32 {
	if n <= 2 {
		return 2
	}
	return int32(1) << bits.Len32(uint32(n-1))
}

func metadataPath(dir, storeName string) string {
	return filepath.Join(dir, storeName+common.SuffixMetadata)
}

// Marshal encodes the metadata file contents.
func (m Metadata) Marshal() []byte {
	buf := make([]byte, metadataSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(m.FormatVersion))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.MinimumBuckets))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.NumOfBuckets))
	return buf
}

// UnmarshalMetadata decodes and checks metadata file contents.
func UnmarshalMetadata(data []byte) (Metadata, error) {
	if len(data) != metadataSize {
		return Metadata{}, fmt.Errorf("%w: metadata is %d bytes", common.ErrCorrupt, len(data))
	}
	m := Metadata{
		FormatVersion:  int32(binary.BigEndian.Uint32(data[0:4])),
		MinimumBuckets: int32(binary.BigEndian.Uint32(data[4:8])),
		NumOfBuckets:   int32(binary.BigEndian.Uint32(data[8:12])),
	}
	if m.FormatVersion != common.MetadataFormatVersion {
		return Metadata{}, fmt.Errorf("%w: metadata format %d, expected %d",
			common.ErrUnsupportedVersion, m.FormatVersion, common.MetadataFormatVersion)
	}
	if m.NumOfBuckets < 2 || m.NumOfBuckets&(m.NumOfBuckets-1) != 0 || m.MinimumBuckets > m.NumOfBuckets {
		return Metadata{}, fmt.Errorf("%w: bucket counts %d/%d", common.ErrCorrupt, m.MinimumBuckets, m.NumOfBuckets)
	}
	return m, nil
}

func writeMetadata(dir, storeName string, m Metadata) error {
	return utils.WriteFileAtomic(metadataPath(dir, storeName), m.Marshal())
}

// readMetadata returns ok=false when the file does not exist.
func readMetadata(dir, storeName string) (Metadata, bool, error) {
	data, err := os.ReadFile(metadataPath(dir, storeName))
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("read metadata: %w", err)
	}
	m, err := UnmarshalMetadata(data)
	if err != nil {
		return Metadata{}, false, err
	}
	return m, true, nil
}
