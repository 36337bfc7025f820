package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-hdhm/internal/common"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/bucket"
	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	optionsFile := flag.String("options", "", "JSON options file overlaying the defaults")
	useLogrus := flag.Bool("logrus", false, "log through logrus instead of the JSON logger")
	flag.Parse()

	tempDir, err := os.MkdirTemp(".", "hdhm-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nStore data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	fmt.Printf("Half Disk Hash Map Example (v%s)\n", hdhm.Version)
	fmt.Printf("==================================\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	opts := hdhm.DefaultOptions()
	if *optionsFile != "" {
		if opts, err = hdhm.LoadOptionsFile(*optionsFile); err != nil {
			log.Fatalf("Failed to load options: %v", err)
		}
	}
	if *useLogrus {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = hdhm.NewLogrusLogger(l)
	} else {
		opts.Logger = hdhm.NewDefaultLoggerWithLevel(common.LogLevelWarn)
	}
	registry := prometheus.NewRegistry()
	opts.MetricsRegisterer = registry

	// Optional pprof and /metrics: enable by setting HDHM_MONITOR_ADDR (e.g., ":6060")
	if addr := os.Getenv("HDHM_MONITOR_ADDR"); addr != "" {
		srv, err := monitoring.Start(addr, registry, opts.Logger)
		if err == nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = srv.Stop(ctx)
				cancel()
			}()
			fmt.Printf("monitoring listening on %s\n", srv.Addr())
		} else {
			fmt.Printf("failed to start monitoring on %s: %v\n", addr, err)
		}
	}

	ctx := context.Background()
	dir := filepath.Join(tempDir, "accounts")

	fmt.Println("1. Opening map...")
	m, err := hdhm.Open[string](dir, "accounts", 10_000, bucket.StringKeySerializer{}, opts)
	if err != nil {
		log.Fatalf("Failed to open map: %v", err)
	}
	meta := m.Metadata()
	fmt.Printf("   ✓ Opened with %d buckets (minimum %d)\n", meta.NumOfBuckets, meta.MinimumBuckets)

	fmt.Println("\n2. Writing three sessions...")
	balances := map[string]int64{"alice": 100, "bob": 250, "carol": 75, "dave": 0}
	if err := session(ctx, m, func(w *hdhm.Writer[string]) error {
		for name, v := range balances {
			if err := w.Put(name, v); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		log.Fatalf("Session 1 failed: %v", err)
	}
	fmt.Println("   ✓ Session 1: 4 accounts")

	if err := session(ctx, m, func(w *hdhm.Writer[string]) error {
		if err := w.Put("alice", 90); err != nil {
			return err
		}
		if err := w.Put("alice", 80); err != nil {
			return err
		}
		return w.PutIfEqual("bob", 250, 300)
	}); err != nil {
		log.Fatalf("Session 2 failed: %v", err)
	}
	fmt.Println("   ✓ Session 2: alice updated twice, bob compare-and-set")

	if err := session(ctx, m, func(w *hdhm.Writer[string]) error {
		return w.Delete("dave")
	}); err != nil {
		log.Fatalf("Session 3 failed: %v", err)
	}
	fmt.Println("   ✓ Session 3: dave deleted")

	fmt.Println("\n3. Reading...")
	printAccounts(m, "alice", "bob", "carol", "dave", "eve")

	fmt.Println("\n4. Merging data files...")
	before := m.FileSizeStatistics()
	res, err := m.Merge(ctx, nil, nil, 2)
	if err != nil {
		log.Fatalf("Merge failed: %v", err)
	}
	after := m.FileSizeStatistics()
	fmt.Printf("   ✓ %d files (%d bytes) merged into %d; %d buckets copied, %d skipped\n",
		len(res.Inputs), before.TotalBytes, after.Count, res.Copied, res.Skipped)
	printAccounts(m, "alice", "dave")

	fmt.Println("\n5. Snapshot and reopen...")
	snapDir := filepath.Join(tempDir, "snapshot")
	if err := m.Snapshot(snapDir); err != nil {
		log.Fatalf("Snapshot failed: %v", err)
	}
	st := m.Stats()
	fmt.Printf("   Stats: puts=%d deletes=%d gets=%d misses=%d flushes=%d merges=%d\n",
		st.TotalPuts, st.TotalDeletes, st.TotalGets, st.TotalGetMisses, st.TotalFlushes, st.TotalMerges)
	families, err := registry.Gather()
	if err != nil {
		log.Fatalf("Gather failed: %v", err)
	}
	fmt.Printf("   Metrics: %d prometheus families\n", len(families))
	if err := m.Close(); err != nil {
		log.Fatalf("Close failed: %v", err)
	}

	snapOpts := *opts
	snapOpts.MetricsRegisterer = nil
	snap, err := hdhm.Open[string](snapDir, "accounts", 10_000, bucket.StringKeySerializer{}, &snapOpts)
	if err != nil {
		log.Fatalf("Failed to open snapshot: %v", err)
	}
	fmt.Println("   ✓ Snapshot opened")
	printAccounts(snap, "alice", "bob", "carol")
	snap.Close()

	fmt.Println("\n6. Virtual key set...")
	ksOpts := hdhm.DefaultKeySetOptions()
	ksOpts.TempDir = tempDir
	ksOpts.BufferSize = 1000
	ksOpts.Map.Logger = opts.Logger
	ks, err := hdhm.NewVirtualKeySet[int64](bucket.LongKeySerializer{}, ksOpts)
	if err != nil {
		log.Fatalf("Failed to create key set: %v", err)
	}
	start := time.Now()
	for k := int64(0); k < 10_000; k += 2 {
		if err := ks.Add(k); err != nil {
			log.Fatalf("Add failed: %v", err)
		}
	}
	hits := 0
	for k := int64(0); k < 10_000; k++ {
		ok, err := ks.Contains(k)
		if err != nil {
			log.Fatalf("Contains failed: %v", err)
		}
		if ok {
			hits++
		}
	}
	fmt.Printf("   ✓ %d of 10000 keys present after 5000 adds (%v, bloom fpr %.4f)\n",
		hits, time.Since(start).Round(time.Millisecond), ks.BloomFalsePositiveRate())
	if err := ks.Close(); err != nil {
		log.Fatalf("Key set close failed: %v", err)
	}
}

func session(ctx context.Context, m *hdhm.HalfDiskHashMap[string], fn func(w *hdhm.Writer[string]) error) error {
	w, err := m.StartWriting()
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		w.EndWriting(ctx)
		return err
	}
	return w.EndWriting(ctx)
}

func printAccounts(m *hdhm.HalfDiskHashMap[string], names ...string) {
	for _, name := range names {
		v, err := m.Get(name, -1)
		switch {
		case err != nil:
			fmt.Printf("   ✗ %s: %v\n", name, err)
		case v == -1:
			fmt.Printf("   - %s: absent\n", name)
		default:
			fmt.Printf("   ✓ %s = %d\n", name, v)
		}
	}
}
