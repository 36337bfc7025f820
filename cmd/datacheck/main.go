package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/longlist"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/utils"
)

// checkDataFile reads every record of a sealed file, which verifies its
// header, footer and record CRCs, decodes each bucket and compares the file
// with its manifest entry. Record locations are added to records.
func checkDataFile(dir string, info datafile.FileInfo, records map[uint64]uint64) error {
	path := filepath.Join(dir, info.Name)
	r, err := datafile.OpenFile(path, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	items := uint64(0)
	err = r.ForEach(func(loc, key uint64, payload []byte) error {
		items++
		records[loc] = key
		view, err := bucket.NewView[[]byte](payload, bucket.BytesKeySerializer{}, r.DataVersion())
		if err != nil {
			return fmt.Errorf("record at %s: %w", datafile.FormatLocation(loc), err)
		}
		if uint64(view.Index()) != key {
			return fmt.Errorf("record at %s: bucket %d stored under key %d", datafile.FormatLocation(loc), view.Index(), key)
		}
		return view.ForEach(func(bucket.Entry) bool { return true })
	})
	if err != nil {
		return err
	}
	if items != info.Items {
		return fmt.Errorf("%d records, manifest lists %d", items, info.Items)
	}
	if r.Index() != info.Index {
		return fmt.Errorf("header index %d, manifest lists %d", r.Index(), info.Index)
	}
	return utils.VerifyBLAKE3File(path, info.Blake3)
}

// checkIndex loads the saved bucket index and resolves every slot.
func checkIndex(dir, store string, meta hdhm.Metadata, records map[uint64]uint64) error {
	path := filepath.Join(dir, store+common.SuffixBucketIndex)
	if !utils.FileExists(path) {
		fmt.Println("INDEX: absent, rebuilt from data files on open")
		return nil
	}
	list := longlist.NewInMemory(uint64(meta.NumOfBuckets))
	defer list.Close()
	if err := longlist.ReadFile(path, list); err != nil {
		return err
	}

	for b := uint64(0); b < list.Capacity(); b++ {
		loc := list.Get(b, common.NonExistentLocation)
		if loc == common.NonExistentLocation {
			continue
		}
		key, ok := records[loc]
		if !ok {
			return fmt.Errorf("bucket %d: no record at %s", b, datafile.FormatLocation(loc))
		}
		if key != b {
			return fmt.Errorf("bucket %d: record at %s belongs to bucket %d", b, datafile.FormatLocation(loc), key)
		}
	}
	fmt.Printf("INDEX: OK (%d of %d buckets)\n", list.Size(), list.Capacity())
	return nil
}

func main() {
	dir := flag.String("dir", "", "store directory")
	store := flag.String("store", "", "store name (file name prefix)")
	skipIndex := flag.Bool("skip-index", false, "do not resolve the saved bucket index")
	flag.Parse()
	if *dir == "" || *store == "" {
		fmt.Println("-dir and -store are required")
		os.Exit(2)
	}

	data, err := os.ReadFile(filepath.Join(*dir, *store+common.SuffixMetadata))
	if err != nil {
		fmt.Println("METADATA:", err)
		os.Exit(1)
	}
	meta, err := hdhm.UnmarshalMetadata(data)
	if err != nil {
		fmt.Println("METADATA:", err)
		os.Exit(1)
	}
	fmt.Printf("METADATA: OK (%d buckets, minimum %d)\n", meta.NumOfBuckets, meta.MinimumBuckets)

	manifest, ok, err := datafile.LoadManifest(*dir, *store)
	if err != nil {
		fmt.Println("MANIFEST:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("MANIFEST: absent, store holds no data files")
	}

	failed := false
	records := make(map[uint64]uint64)
	for _, info := range manifest.Files {
		if err := checkDataFile(*dir, info, records); err != nil {
			fmt.Printf("DATA %s: %v\n", info.Name, err)
			failed = true
			continue
		}
		fmt.Printf("DATA %s: OK (%d records, %d bytes)\n", info.Name, info.Items, info.Size)
	}
	if !failed && len(manifest.Files) > 0 {
		fmt.Println("BLAKE3: OK")
	}

	if !*skipIndex && !failed {
		if err := checkIndex(*dir, *store, meta, records); err != nil {
			fmt.Println("INDEX:", err)
			failed = true
		}
	}

	if failed {
		os.Exit(1)
	}
}
