// Package metrics provides Prometheus collectors for docflow runs.
//
// # Overview
//
// Every collector is registered with the default registry at package init.
// The pipeline records what it reads and writes per format and direction;
// the CLI can dump the registry in textfile-collector format at exit so a
// node exporter picks it up after a batch job:
//
//	docflow export --collection users --metrics-file /var/lib/node_exporter/docflow.prom
//
// # Basic Usage
//
//	metrics.RecordsRead.WithLabelValues("csv", metrics.DirectionImport).Add(float64(len(batch)))
//
//	timer := metrics.NewTimer("export")
//	runExport()
//	metrics.RunDuration.WithLabelValues(metrics.DirectionExport, metrics.StatusSuccess).
//	    Observe(timer.Stop().Seconds())
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ajitpratap0/docflow/pkg/errors"
)

const namespace = "docflow"

// Label values for direction and status.
const (
	DirectionExport = "export"
	DirectionImport = "import"

	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

var (
	// RecordsRead counts records pulled from a source.
	// Labels: format (file format, or "mongodb"), direction
	RecordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_read_total",
			Help:      "Total number of records read from sources",
		},
		[]string{"format", "direction"},
	)

	// RecordsWritten counts records accepted by a destination.
	// Labels: format (file format, or "mongodb"), direction
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Total number of records written to destinations",
		},
		[]string{"format", "direction"},
	)

	// BatchesProcessed counts batches that went through a writer.
	BatchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Total number of batches written",
		},
		[]string{"direction"},
	)

	// BatchSize tracks the distribution of batch lengths.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_records",
			Help:      "Number of records per batch",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 7),
		},
		[]string{"direction"},
	)

	// FilesProcessed counts files handled by imports and exports.
	// Labels: direction, status (success/failure/skipped)
	FilesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Total number of files processed",
		},
		[]string{"direction", "status"},
	)

	// RunDuration tracks wall time per run in seconds.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets: []float64{
				0.1, // small files
				1,
				10,
				60,   // 1m
				300,  // 5m
				1800, // 30m
				7200, // 2h
			},
		},
		[]string{"direction", "status"},
	)

	// Failures counts run failures by error type.
	Failures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed runs by error type",
		},
		[]string{"direction", "type"},
	)

	// Throughput is the records per second of the last finished run.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_records_per_second",
			Help:      "Records per second of the last finished run",
		},
		[]string{"direction"},
	)
)

// RecordFailure counts err under its error type.
func RecordFailure(direction string, err error) {
	Failures.WithLabelValues(direction, string(errors.TypeOf(err))).Inc()
}

// WriteToTextfile writes every registered metric to path in the text
// exposition format. The file is written atomically.
func WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to write metrics file").
			WithDetail(errors.DetailPath, path)
	}
	return nil
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a timer and starts it immediately.
func NewTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// Name returns the label the timer was created with.
func (t *Timer) Name() string { return t.name }

// Stop returns the elapsed duration since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker counts records over a run and publishes the rate.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	start     time.Time
	direction string
}

// NewThroughputTracker creates a tracker for one run.
func NewThroughputTracker(direction string) *ThroughputTracker {
	return &ThroughputTracker{start: time.Now(), direction: direction}
}

// Add adds n records.
func (t *ThroughputTracker) Add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// Finish computes records per second since the tracker started, sets the
// Throughput gauge and returns the rate.
func (t *ThroughputTracker) Finish() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	rate := float64(t.count) / elapsed
	Throughput.WithLabelValues(t.direction).Set(rate)
	return rate
}
