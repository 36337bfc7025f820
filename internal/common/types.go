package common

import (
	"errors"
	"math"
)

// File format magic numbers (little-endian)
const (
	MagicDataFile uint32 = 0x31464448 // "HDF1" in little-endian
	MagicLongList uint32 = 0x54534C4C // "LLST" in little-endian
	MagicFooter   uint32 = 0x52544F46 // "FOTR" in little-endian
)

// File format versions
const (
	VersionDataFile uint16 = 0x0100
	VersionLongList uint16 = 0x0100

	// MetadataFormatVersion is the version written as the first int of the
	// hash map metadata file.
	MetadataFormatVersion int32 = 1
)

// Size limits
const (
	MaxKeySize      = 1024 * 1024 // 1MB max serialized key size
	HeaderAlignment = 64          // Headers aligned to 64 bytes

	// DataLocationOffsetBits is the number of low bits of a data location
	// holding the byte offset; the remaining high bits hold the file index.
	DataLocationOffsetBits = 40
	MaxDataFileIndex       = 1<<(64-DataLocationOffsetBits) - 1
	MaxDataFileBytes       = 1 << DataLocationOffsetBits
)

// Default configuration values
const (
	DefaultLoadFactor            = 0.6
	DefaultTargetBucketOccupancy = 20
	DefaultMaxDataFileBytes      = 1024 * 1024 * 1024 // 1GB
	DefaultFlushParallelism      = 8
	DefaultMergeMinFiles         = 2
	DefaultMergeMaxFiles         = 16

	DefaultKeySetBloomHashCount  = 4
	DefaultKeySetBloomSizeInBits = 8 * 1024 * 1024 * 8 // 8MB
	DefaultKeySetMapSize         = 1_000_000
	DefaultKeySetBufferSize      = 100_000
)

// Value sentinels
const (
	// TombstoneValue marks a logically deleted entry. It is never returned by
	// a lookup; readers see the caller supplied not-found value instead.
	TombstoneValue int64 = math.MinInt64

	// NonExistentLocation is the index value for a bucket that has never been
	// written. Zero so fresh index memory needs no initialisation.
	NonExistentLocation uint64 = 0
)

// Common errors
var (
	ErrClosed             = errors.New("hash map is closed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrIllegalState       = errors.New("illegal state")
	ErrCorrupt            = errors.New("data corruption detected")
	ErrUnsupportedVersion = errors.New("unsupported file version")
	ErrInvalidMagic       = errors.New("invalid file magic number")
	ErrCRCMismatch        = errors.New("CRC checksum mismatch")
	ErrInvalidOffset      = errors.New("invalid file offset")
	ErrMetadataMissing    = errors.New("metadata file missing")
	ErrInvariant          = errors.New("invariant violated")
	ErrNonContiguousMerge = errors.New("files to merge are not contiguous")
	ErrFileRetired        = errors.New("data file retired")
	ErrFileNotFound       = errors.New("data file not found")
	ErrKeyTooLarge        = errors.New("key exceeds maximum size")
	ErrChecksumMismatch   = errors.New("BLAKE3 checksum mismatch")
)

// File names within a store directory. The store name is used as prefix so
// several stores can share a directory.
const (
	SuffixMetadata    = "_metadata.hdhm"
	SuffixBucketIndex = "_bucket_index.ll"
	SuffixFileList    = "_files.json"
	ExtDataFile       = ".hdf"
)

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
