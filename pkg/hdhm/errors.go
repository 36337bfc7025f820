package hdhm

import "github.com/CVDpl/go-live-hdhm/internal/common"

// Errors returned by the map. Match them with errors.Is.
var (
	ErrClosed             = common.ErrClosed
	ErrInvalidArgument    = common.ErrInvalidArgument
	ErrIllegalState       = common.ErrIllegalState
	ErrCorrupt            = common.ErrCorrupt
	ErrUnsupportedVersion = common.ErrUnsupportedVersion
	ErrInvalidMagic       = common.ErrInvalidMagic
	ErrCRCMismatch        = common.ErrCRCMismatch
	ErrChecksumMismatch   = common.ErrChecksumMismatch
	ErrMetadataMissing    = common.ErrMetadataMissing
	ErrInvariant          = common.ErrInvariant
	ErrNonContiguousMerge = common.ErrNonContiguousMerge
	ErrFileRetired        = common.ErrFileRetired
	ErrFileNotFound       = common.ErrFileNotFound
	ErrKeyTooLarge        = common.ErrKeyTooLarge
)

// Tombstone is the value reserved for deleted entries.
const Tombstone = common.TombstoneValue

// Logger is the structured logger used throughout the map.
type Logger = common.Logger
