package hdhm

import (
	"errors"
	"fmt"
	"time"

	"github.com/CVDpl/go-live-hdhm/pkg/hdhm/datafile"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the prometheus collectors of one map. The collectors always
// exist; they are registered only when Options.MetricsRegisterer is set.
type metrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	puts        prometheus.Counter
	deletes     prometheus.Counter
	gets        prometheus.Counter
	flushErrors prometheus.Counter
	mergeErrors prometheus.Counter

	bucketsWritten prometheus.Counter
	bytesWritten   prometheus.Counter
	recordsCopied  prometheus.Counter
	recordsDropped prometheus.Counter

	flushDuration prometheus.Histogram
	mergeDuration prometheus.Histogram
	files         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, storeName string) (*metrics, error) {
	labels := prometheus.Labels{"store": storeName}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hdhm", Name: name, Help: help, ConstLabels: labels,
		})
	}
	histogram := func(name, help string) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hdhm", Name: name, Help: help, ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		})
	}

	m := &metrics{
		reg:            reg,
		puts:           counter("puts_total", "Puts buffered by write sessions."),
		deletes:        counter("deletes_total", "Deletes buffered by write sessions."),
		gets:           counter("gets_total", "Lookups served."),
		flushErrors:    counter("flush_errors_total", "Write sessions that failed to end."),
		mergeErrors:    counter("merge_errors_total", "Merges that failed."),
		bucketsWritten: counter("buckets_written_total", "Buckets written by write sessions."),
		bytesWritten:   counter("bytes_written_total", "Bucket bytes written by write sessions."),
		recordsCopied:  counter("merge_records_copied_total", "Bucket records rewritten by merges."),
		recordsDropped: counter("merge_records_dropped_total", "Empty buckets removed by merges."),
		flushDuration:  histogram("flush_duration_seconds", "Duration of EndWriting."),
		mergeDuration:  histogram("merge_duration_seconds", "Duration of merges."),
		files: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hdhm", Name: "data_files", Help: "Live data files.", ConstLabels: labels,
		}),
	}
	m.collectors = []prometheus.Collector{
		m.puts, m.deletes, m.gets, m.flushErrors, m.mergeErrors,
		m.bucketsWritten, m.bytesWritten, m.recordsCopied, m.recordsDropped,
		m.flushDuration, m.mergeDuration, m.files,
	}

	if reg == nil {
		return m, nil
	}
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, done := range m.collectors[:i] {
				reg.Unregister(done)
			}
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("%w: metrics for store %q already registered", ErrInvalidArgument, storeName)
			}
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *metrics) observeFlush(d time.Duration, buckets int, bytes int64) {
	m.flushDuration.Observe(d.Seconds())
	m.bucketsWritten.Add(float64(buckets))
	m.bytesWritten.Add(float64(bytes))
}

func (m *metrics) observeMerge(d time.Duration, res *datafile.MergeResult) {
	m.mergeDuration.Observe(d.Seconds())
	m.recordsCopied.Add(float64(res.Copied))
	m.recordsDropped.Add(float64(res.Dropped))
}

func (m *metrics) setFiles(n int) { m.files.Set(float64(n)) }

func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
