package datafile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// FileInfo describes a sealed data file in the manifest.
type FileInfo struct {
	Index       uint32 `json:"index"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Items       uint64 `json:"items"`
	MinKey      uint64 `json:"minKey"`
	MaxKey      uint64 `json:"maxKey"`
	DataVersion uint64 `json:"dataVersion"`
	CreatedAt   int64  `json:"createdAt"`
	Blake3      string `json:"blake3,omitempty"`
	// Merged is set on files produced by a merge.
	Merged bool `json:"merged,omitempty"`
}

// Manifest is the persisted list of sealed files, oldest first. Position in
// Files is creation order; merge outputs take the place of their inputs.
type Manifest struct {
	VersionID uint64     `json:"versionID"`
	UpdatedAt int64      `json:"updatedAt"`
	NextIndex uint32     `json:"nextIndex"`
	Files     []FileInfo `json:"files"`
}

// ManifestPath returns the manifest path for a store.
func ManifestPath(dir, storeName string) string {
	return filepath.Join(dir, storeName+common.SuffixFileList)
}

// LoadManifest reads the manifest of a store. A missing manifest yields an
// empty one and ok=false.
func LoadManifest(dir, storeName string) (m *Manifest, ok bool, err error) {
	data, err := os.ReadFile(ManifestPath(dir, storeName))
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{NextIndex: 1}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read manifest: %w", err)
	}
	m = &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, false, fmt.Errorf("%w: unmarshal manifest: %v", common.ErrCorrupt, err)
	}
	if m.NextIndex == 0 {
		m.NextIndex = 1
	}
	return m, true, nil
}

// save writes the manifest atomically.
func (m *Manifest) save(dir, storeName string) error {
	m.VersionID++
	m.UpdatedAt = time.Now().Unix()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := utils.WriteFileAtomic(ManifestPath(dir, storeName), data); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

func (m *Manifest) clone() *Manifest {
	c := *m
	c.Files = append([]FileInfo(nil), m.Files...)
	return &c
}
