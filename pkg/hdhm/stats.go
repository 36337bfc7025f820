package hdhm

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
)

// Stats is a point in time view of a map's counters.
type Stats struct {
	TotalPuts      uint64
	TotalDeletes   uint64
	TotalGets      uint64
	TotalGetMisses uint64
	TotalFlushes   uint64
	TotalMerges    uint64
	BucketsWritten uint64
	BytesWritten   uint64

	// Flush latency percentiles over the most recent flushes.
	FlushP50 time.Duration
	FlushP95 time.Duration
	FlushP99 time.Duration

	// Merge latency percentiles over the most recent merges.
	MergeP50 time.Duration
	MergeP99 time.Duration

	GetsPerSecond          float64
	WritesPerSecond        float64
	OverallGetsPerSecond   float64
	OverallWritesPerSecond float64
	GetHitRate             float64

	Files          datafile.FileStats
	IndexedBuckets uint64
	NumOfBuckets   int32
}

// StatsCollector collects operation statistics for a map.
type StatsCollector struct {
	mu sync.Mutex

	// Operation counts
	puts           atomic.Uint64
	deletes        atomic.Uint64
	gets           atomic.Uint64
	getMisses      atomic.Uint64
	flushes        atomic.Uint64
	merges         atomic.Uint64
	bucketsWritten atomic.Uint64
	bytesWritten   atomic.Uint64

	flushLatencies []time.Duration
	mergeLatencies []time.Duration
	maxLatencies   int

	// Rate calculation
	lastRateCalc time.Time
	lastWrites   uint64
	lastGets     uint64
	writeRate    float64
	getRate      float64

	startTime time.Time
}

// NewStatsCollector creates a new statistics collector.
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		maxLatencies: 1024,
		lastRateCalc: now,
		startTime:    now,
	}
}

// RecordPut records a buffered put.
func (sc *StatsCollector) RecordPut() { sc.puts.Add(1) }

// RecordDelete records a buffered delete.
func (sc *StatsCollector) RecordDelete() { sc.deletes.Add(1) }

// RecordGet records a lookup.
func (sc *StatsCollector) RecordGet() { sc.gets.Add(1) }

// RecordGetMiss records a lookup that found nothing.
func (sc *StatsCollector) RecordGetMiss() { sc.getMisses.Add(1) }

// RecordFlush records a completed EndWriting.
func (sc *StatsCollector) RecordFlush(d time.Duration, buckets int, bytes int64) {
	sc.flushes.Add(1)
	sc.bucketsWritten.Add(uint64(buckets))
	sc.bytesWritten.Add(uint64(bytes))
	sc.mu.Lock()
	sc.flushLatencies = sc.appendLatency(sc.flushLatencies, d)
	sc.mu.Unlock()
}

// RecordMerge records a completed merge.
func (sc *StatsCollector) RecordMerge(d time.Duration) {
	sc.merges.Add(1)
	sc.mu.Lock()
	sc.mergeLatencies = sc.appendLatency(sc.mergeLatencies, d)
	sc.mu.Unlock()
}

// appendLatency keeps only the most recent maxLatencies samples.
func (sc *StatsCollector) appendLatency(window []time.Duration, d time.Duration) []time.Duration {
	window = append(window, d)
	if len(window) > sc.maxLatencies {
		window = append(window[:0], window[len(window)-sc.maxLatencies:]...)
	}
	return window
}

// GetStats returns the current statistics. Rates cover the time since the
// previous call.
func (sc *StatsCollector) GetStats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.calculateRates()
	fp50, fp95, fp99 := percentiles(sc.flushLatencies)
	mp50, _, mp99 := percentiles(sc.mergeLatencies)

	elapsed := time.Since(sc.startTime).Seconds()
	if elapsed < 1.0 {
		elapsed = 1.0
	}
	puts, deletes := sc.puts.Load(), sc.deletes.Load()
	gets, misses := sc.gets.Load(), sc.getMisses.Load()

	st := Stats{
		TotalPuts:              puts,
		TotalDeletes:           deletes,
		TotalGets:              gets,
		TotalGetMisses:         misses,
		TotalFlushes:           sc.flushes.Load(),
		TotalMerges:            sc.merges.Load(),
		BucketsWritten:         sc.bucketsWritten.Load(),
		BytesWritten:           sc.bytesWritten.Load(),
		FlushP50:               fp50,
		FlushP95:               fp95,
		FlushP99:               fp99,
		MergeP50:               mp50,
		MergeP99:               mp99,
		GetsPerSecond:          sc.getRate,
		WritesPerSecond:        sc.writeRate,
		OverallGetsPerSecond:   float64(gets) / elapsed,
		OverallWritesPerSecond: float64(puts+deletes) / elapsed,
	}
	if gets > 0 {
		st.GetHitRate = float64(gets-misses) / float64(gets)
	}
	return st
}

func (sc *StatsCollector) calculateRates() {
	now := time.Now()
	elapsed := now.Sub(sc.lastRateCalc).Seconds()
	if elapsed < 1.0 {
		elapsed = 1.0
	}
	writes := sc.puts.Load() + sc.deletes.Load()
	gets := sc.gets.Load()

	sc.writeRate = float64(writes-sc.lastWrites) / elapsed
	sc.getRate = float64(gets-sc.lastGets) / elapsed

	sc.lastWrites = writes
	sc.lastGets = gets
	sc.lastRateCalc = now
}

func percentiles(window []time.Duration) (p50, p95, p99 time.Duration) {
	n := len(window)
	if n == 0 {
		return
	}
	sorted := slices.Clone(window)
	slices.Sort(sorted)
	return sorted[n*50/100], sorted[n*95/100], sorted[n*99/100]
}
