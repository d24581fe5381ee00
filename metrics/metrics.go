// Package metrics exposes warehouse counters and gauges to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warehouse"

type Metrics struct {
	RowsInserted        prometheus.Counter
	Flushes             prometheus.Counter
	PartitionsWritten   prometheus.Counter
	PartitionsRewritten prometheus.Counter
	PartitionsRemoved   prometheus.Counter
	PruneScanned        prometheus.Counter
	PruneSkipped        prometheus.Counter
	PruneFallbacks      prometheus.Counter
	IOFailures          *prometheus.CounterVec
	Partitions          prometheus.Gauge
	BufferedRows        prometheus.Gauge
	OpDuration          *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg when it is not nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_inserted_total",
			Help: "Number of rows accepted by insert",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Number of write buffer flushes",
		}),
		PartitionsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partitions_written_total",
			Help: "Number of partition files written, by flush or rewrite",
		}),
		PartitionsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partitions_rewritten_total",
			Help: "Number of partitions replaced by an update or delete",
		}),
		PartitionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "partitions_removed_total",
			Help: "Number of partitions removed because a delete emptied them",
		}),
		PruneScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prune", Name: "candidates_total",
			Help: "Number of partitions that survived pruning",
		}),
		PruneSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prune", Name: "skipped_total",
			Help: "Number of partitions excluded by pruning",
		}),
		PruneFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "prune", Name: "fallbacks_total",
			Help: "Number of predicates that could not be used for pruning",
		}),
		IOFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "io_failures_total",
			Help: "Number of failed partition store operations",
		}, []string{"op"}),
		Partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "partitions",
			Help: "Number of live partitions",
		}),
		BufferedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffered_rows",
			Help: "Number of rows in the write buffer",
		}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "operation_duration_seconds",
			Help:    "Duration of warehouse operations",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RowsInserted, m.Flushes, m.PartitionsWritten, m.PartitionsRewritten,
		m.PartitionsRemoved, m.PruneScanned, m.PruneSkipped, m.PruneFallbacks,
		m.IOFailures, m.Partitions, m.BufferedRows, m.OpDuration,
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered with the default
// Prometheus registry
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) Inserted(n int) {
	if m == nil {
		return
	}
	m.RowsInserted.Add(float64(n))
}

func (m *Metrics) Flushed() {
	if m == nil {
		return
	}
	m.Flushes.Inc()
}

func (m *Metrics) Written() {
	if m == nil {
		return
	}
	m.PartitionsWritten.Inc()
}

func (m *Metrics) Rewritten() {
	if m == nil {
		return
	}
	m.PartitionsRewritten.Inc()
}

func (m *Metrics) Removed() {
	if m == nil {
		return
	}
	m.PartitionsRemoved.Inc()
}

func (m *Metrics) Pruned(total, skipped int) {
	if m == nil {
		return
	}
	m.PruneScanned.Add(float64(total - skipped))
	m.PruneSkipped.Add(float64(skipped))
}

func (m *Metrics) PruneFallback() {
	if m == nil {
		return
	}
	m.PruneFallbacks.Inc()
}

func (m *Metrics) IOFailure(op string) {
	if m == nil {
		return
	}
	m.IOFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SetPartitions(n int) {
	if m == nil {
		return
	}
	m.Partitions.Set(float64(n))
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.BufferedRows.Set(float64(n))
}

func (m *Metrics) Observe(op string, seconds float64) {
	if m == nil {
		return
	}
	m.OpDuration.WithLabelValues(op).Observe(seconds)
}
