package utils

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	blake3 "lukechampine.com/blake3"
)

// ComputeBLAKE3File computes the BLAKE3 hash of a file path and returns a hex string.
func ComputeBLAKE3File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyBLAKE3File recomputes the digest of path and compares it to want.
// An empty want is accepted without reading the file.
func VerifyBLAKE3File(path, want string) error {
	if want == "" {
		return nil
	}
	got, err := ComputeBLAKE3File(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: %s: want %s, got %s", common.ErrChecksumMismatch, path, want, got)
	}
	return nil
}
