package utils

import (
	"hash/crc32"
)

// CRC32C uses the Castagnoli polynomial for better error detection.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32C computes CRC32C checksum for the given data.
func ComputeCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// ComputeCRC32CMulti computes one CRC32C over several slices as if they were
// concatenated.
func ComputeCRC32CMulti(data ...[]byte) uint32 {
	var crc uint32
	for _, d := range data {
		crc = crc32.Update(crc, crcTable, d)
	}
	return crc
}

// VerifyCRC32C verifies that the given CRC matches the data.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return ComputeCRC32C(data) == expected
}
